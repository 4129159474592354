// Package normalize converts the differently shaped channel, video and comment
// payloads seen by the pipeline (Data API resources, flattened API records and
// stored database rows) into the canonical records of model/youtube.
package normalize

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Coercion converts a raw value into a canonical type. ok is false when the
// value cannot stand for the field at all, in which case the next candidate
// path is tried.
type Coercion func(v interface{}) (out interface{}, ok bool)

// FieldRule lists the candidate source paths of one canonical field in
// priority order. Paths are dot separated keys into nested maps.
type FieldRule struct {
	Field  string
	Paths  []string
	Coerce Coercion
}

// Schema is the ordered rule set of one entity.
type Schema []FieldRule

// Resolve returns the value of the first candidate path present in raw.
func (r FieldRule) Resolve(raw map[string]interface{}) (interface{}, bool) {
	for _, path := range r.Paths {
		v, found := Lookup(raw, path)
		if !found {
			continue
		}
		out, ok := r.Coerce(v)
		if ok {
			return out, true
		}
	}
	return nil, false
}

// Apply resolves every rule of the schema. Fields without a match are absent
// from the returned map.
func (s Schema) Apply(raw map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(s))
	for _, rule := range s {
		if v, ok := rule.Resolve(raw); ok {
			out[rule.Field] = v
		}
	}
	return out
}

// Lookup walks a dot separated path through nested maps. nil values count as absent.
func Lookup(raw map[string]interface{}, path string) (interface{}, bool) {
	var current interface{} = raw
	for _, key := range strings.Split(path, ".") {
		m, ok := asMap(current)
		if !ok {
			return nil, false
		}
		current, ok = m[key]
		if !ok || current == nil {
			return nil, false
		}
	}
	return current, true
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case map[string]string:
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			out[k] = val
		}
		return out, true
	}
	return nil, false
}

// AsString accepts non-empty strings and scalar numbers.
func AsString(v interface{}) (interface{}, bool) {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil, false
		}
		return t, true
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case uint64:
		return strconv.FormatUint(t, 10), true
	case bool:
		return strconv.FormatBool(t), true
	}
	return nil, false
}

// AsInt accepts anything scalar. Values that fail to parse become 0.
func AsInt(v interface{}) (interface{}, bool) {
	switch v.(type) {
	case map[string]interface{}, []interface{}:
		return nil, false
	}
	return CoerceInt(v), true
}

// AsCount is AsInt clamped at zero.
func AsCount(v interface{}) (interface{}, bool) {
	out, ok := AsInt(v)
	if !ok {
		return nil, false
	}
	if n := out.(int64); n < 0 {
		return int64(0), true
	}
	return out, true
}

// AsBool accepts booleans, "true"/"false" style strings and numbers.
func AsBool(v interface{}) (interface{}, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		if err != nil {
			return nil, false
		}
		return b, true
	case float64:
		return t != 0, true
	case int:
		return t != 0, true
	case int64:
		return t != 0, true
	}
	return nil, false
}

// CoerceInt parses v as an integer. Thousands separators are stripped and
// anything unparseable becomes 0.
func CoerceInt(v interface{}) int64 {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case int64:
		return t
	case uint64:
		if t > math.MaxInt64 {
			return math.MaxInt64
		}
		return int64(t)
	case float64:
		return int64(t)
	case float32:
		return int64(t)
	case json.Number:
		return CoerceInt(t.String())
	case string:
		s := strings.NewReplacer(",", "", "_", "", " ", "").Replace(strings.TrimSpace(t))
		if s == "" {
			return 0
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return int64(f)
		}
	}
	return 0
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func intField(m map[string]interface{}, key string) int64 {
	if v, ok := m[key].(int64); ok {
		return v
	}
	return 0
}

func boolField(m map[string]interface{}, key string) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}
