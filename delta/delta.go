// Package delta compares two normalized snapshots of a channel and reports
// what was added, removed or changed at channel, video and comment level.
package delta

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"

	"github.com/researchaccelerator-hub/youtube-collector/model/youtube"
)

// ChangeKind classifies a field or item.
type ChangeKind string

const (
	Added     ChangeKind = "added"
	Removed   ChangeKind = "removed"
	Changed   ChangeKind = "changed"
	Unchanged ChangeKind = "unchanged"
)

// FieldChange describes one field. Delta and Percent are set for numeric
// changes; Percent stays nil when the old value is zero.
type FieldChange struct {
	Field   string      `json:"field"`
	Kind    ChangeKind  `json:"kind"`
	Old     interface{} `json:"old,omitempty"`
	New     interface{} `json:"new,omitempty"`
	Delta   *float64    `json:"delta,omitempty"`
	Percent *float64    `json:"percent,omitempty"`
}

// Presentation renders the change for display, e.g. "+50 (50.0%)".
func (c FieldChange) Presentation() string {
	switch c.Kind {
	case Added:
		return fmt.Sprintf("added: %v", c.New)
	case Removed:
		return fmt.Sprintf("removed: %v", c.Old)
	case Unchanged:
		return fmt.Sprintf("%v", c.New)
	}
	if c.Delta == nil {
		return fmt.Sprintf("%v -> %v", c.Old, c.New)
	}
	d := strconv.FormatFloat(*c.Delta, 'f', -1, 64)
	if *c.Delta > 0 {
		d = "+" + d
	}
	if c.Percent == nil {
		return d
	}
	return fmt.Sprintf("%s (%.1f%%)", d, *c.Percent)
}

// ItemChange describes one video or comment matched by ID.
type ItemChange struct {
	ID     string        `json:"id"`
	Kind   ChangeKind    `json:"kind"`
	Fields []FieldChange `json:"fields,omitempty"`
}

// Summary counts the changes in a report.
type Summary struct {
	ChannelFieldsChanged int `json:"channel_fields_changed"`
	VideosAdded          int `json:"videos_added"`
	VideosRemoved        int `json:"videos_removed"`
	VideosChanged        int `json:"videos_changed"`
	CommentsAdded        int `json:"comments_added"`
	CommentsRemoved      int `json:"comments_removed"`
	CommentsChanged      int `json:"comments_changed"`
}

// Report is the delta of one collection run. It is never persisted.
type Report struct {
	ChannelID string        `json:"channel_id"`
	Channel   []FieldChange `json:"channel,omitempty"`
	Videos    []ItemChange  `json:"videos,omitempty"`
	Comments  []ItemChange  `json:"comments,omitempty"`
	Summary   Summary       `json:"summary"`
}

// HasChanges reports whether anything other than unchanged entries was found.
func (r *Report) HasChanges() bool {
	s := r.Summary
	return s.ChannelFieldsChanged+s.VideosAdded+s.VideosRemoved+s.VideosChanged+
		s.CommentsAdded+s.CommentsRemoved+s.CommentsChanged > 0
}

// Options tunes an Engine.
type Options struct {
	// Comprehensive includes unchanged fields and items in reports.
	Comprehensive bool
}

// Snapshot is one side of a diff.
type Snapshot struct {
	Channel *youtube.ChannelRecord
	Videos  []youtube.VideoRecord
}

// Engine computes deltas. It only diffs what it is given; limiting the scope
// of the previous snapshot is up to the caller.
type Engine struct {
	opts Options
}

func NewEngine(opts Options) *Engine {
	return &Engine{opts: opts}
}

// Diff compares prev and curr at every level.
func (e *Engine) Diff(prev, curr Snapshot) *Report {
	report := &Report{}
	if curr.Channel != nil {
		report.ChannelID = curr.Channel.ChannelID
	} else if prev.Channel != nil {
		report.ChannelID = prev.Channel.ChannelID
	}

	if prev.Channel != nil || curr.Channel != nil {
		report.Channel = e.DiffChannel(prev.Channel, curr.Channel)
	}
	report.Videos = e.DiffVideos(prev.Videos, curr.Videos)
	report.Comments = e.DiffComments(commentsOf(prev.Videos), commentsOf(curr.Videos))

	for _, c := range report.Channel {
		if c.Kind != Unchanged {
			report.Summary.ChannelFieldsChanged++
		}
	}
	countItems(report.Videos, &report.Summary.VideosAdded, &report.Summary.VideosRemoved, &report.Summary.VideosChanged)
	countItems(report.Comments, &report.Summary.CommentsAdded, &report.Summary.CommentsRemoved, &report.Summary.CommentsChanged)
	return report
}

func countItems(items []ItemChange, added, removed, changed *int) {
	for _, item := range items {
		switch item.Kind {
		case Added:
			*added++
		case Removed:
			*removed++
		case Changed:
			*changed++
		}
	}
}

func commentsOf(videos []youtube.VideoRecord) []youtube.CommentRecord {
	var out []youtube.CommentRecord
	for _, v := range videos {
		out = append(out, v.Comments...)
	}
	return out
}

// DiffChannel compares two channel records field by field. Either side may be nil.
func (e *Engine) DiffChannel(prev, curr *youtube.ChannelRecord) []FieldChange {
	var p, c map[string]interface{}
	if prev != nil {
		p = prev.Fields()
	}
	if curr != nil {
		c = curr.Fields()
	}
	return e.DiffFields(p, c)
}

// DiffFields compares two flat field maps. The result is sorted by field name.
func (e *Engine) DiffFields(prev, curr map[string]interface{}) []FieldChange {
	names := make(map[string]struct{}, len(prev)+len(curr))
	for k := range prev {
		names[k] = struct{}{}
	}
	for k := range curr {
		names[k] = struct{}{}
	}

	changes := make([]FieldChange, 0)
	for _, name := range sortedKeys(names) {
		oldVal, inPrev := prev[name]
		newVal, inCurr := curr[name]

		switch {
		case !inPrev:
			changes = append(changes, FieldChange{Field: name, Kind: Added, New: newVal})
		case !inCurr:
			changes = append(changes, FieldChange{Field: name, Kind: Removed, Old: oldVal})
		case equal(oldVal, newVal):
			if e.opts.Comprehensive {
				changes = append(changes, FieldChange{Field: name, Kind: Unchanged, Old: oldVal, New: newVal})
			}
		default:
			changes = append(changes, numericChange(FieldChange{Field: name, Kind: Changed, Old: oldVal, New: newVal}))
		}
	}
	return changes
}

// DiffVideos matches videos strictly by ID.
func (e *Engine) DiffVideos(prev, curr []youtube.VideoRecord) []ItemChange {
	p := make(map[string]map[string]interface{}, len(prev))
	for _, v := range prev {
		p[v.VideoID] = v.Fields()
	}
	c := make(map[string]map[string]interface{}, len(curr))
	for _, v := range curr {
		c[v.VideoID] = v.Fields()
	}
	return e.diffItems(p, c)
}

// DiffComments matches comments strictly by ID.
func (e *Engine) DiffComments(prev, curr []youtube.CommentRecord) []ItemChange {
	p := make(map[string]map[string]interface{}, len(prev))
	for _, cm := range prev {
		p[cm.CommentID] = cm.Fields()
	}
	c := make(map[string]map[string]interface{}, len(curr))
	for _, cm := range curr {
		c[cm.CommentID] = cm.Fields()
	}
	return e.diffItems(p, c)
}

func (e *Engine) diffItems(prev, curr map[string]map[string]interface{}) []ItemChange {
	ids := make(map[string]struct{}, len(prev)+len(curr))
	for id := range prev {
		ids[id] = struct{}{}
	}
	for id := range curr {
		ids[id] = struct{}{}
	}

	items := make([]ItemChange, 0)
	for _, id := range sortedKeys(ids) {
		p, inPrev := prev[id]
		c, inCurr := curr[id]
		switch {
		case !inPrev:
			items = append(items, ItemChange{ID: id, Kind: Added})
		case !inCurr:
			items = append(items, ItemChange{ID: id, Kind: Removed})
		default:
			fields := e.DiffFields(p, c)
			kind := Unchanged
			for _, f := range fields {
				if f.Kind != Unchanged {
					kind = Changed
					break
				}
			}
			if kind == Changed || e.opts.Comprehensive {
				items = append(items, ItemChange{ID: id, Kind: kind, Fields: fields})
			}
		}
	}
	return items
}

func numericChange(c FieldChange) FieldChange {
	oldNum, okOld := number(c.Old)
	newNum, okNew := number(c.New)
	if !okOld || !okNew {
		return c
	}
	d := newNum - oldNum
	c.Delta = &d
	if oldNum != 0 {
		pct := d / math.Abs(oldNum) * 100
		c.Percent = &pct
	}
	return c
}

func equal(a, b interface{}) bool {
	if x, ok := number(a); ok {
		if y, ok := number(b); ok {
			return x == y
		}
	}
	return reflect.DeepEqual(a, b)
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
