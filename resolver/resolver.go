// Package resolver turns free-form channel input into a canonical channel ID.
package resolver

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/researchaccelerator-hub/youtube-collector/common"
	"github.com/rs/zerolog/log"
)

// Kind is the shape a channel input was recognised as.
type Kind string

const (
	KindChannelID Kind = "channel_id"
	KindHandle    Kind = "handle"
	KindCustomURL Kind = "custom_url"
	KindUsername  Kind = "username"
	KindLiteral   Kind = "literal"
)

// ChannelIDPrefix starts every canonical channel ID.
const ChannelIDPrefix = "UC"

// minChannelIDLength is the shortest input accepted as a raw channel ID.
const minChannelIDLength = 10

var channelIDPattern = regexp.MustCompile(`^UC[A-Za-z0-9_-]+$`)

// IsChannelID reports whether s has the shape of a channel ID.
func IsChannelID(s string) bool {
	return len(s) >= minChannelIDLength && channelIDPattern.MatchString(s)
}

// Identifier is a parsed channel input. Pending identifiers need a lookup
// before their channel ID is known.
type Identifier struct {
	Kind    Kind
	Value   string
	Pending bool
}

func (i Identifier) String() string {
	return fmt.Sprintf("%s:%s", i.Kind, i.Value)
}

// ChannelLookup resolves pending identifiers through an external service.
type ChannelLookup interface {
	ResolveChannelIdentifier(ctx context.Context, id Identifier) (string, error)
}

// Parse classifies input without any I/O.
func Parse(input string) Identifier {
	input = strings.TrimSpace(input)

	if IsChannelID(input) {
		return Identifier{Kind: KindChannelID, Value: input}
	}

	if strings.HasPrefix(input, "@") {
		return Identifier{Kind: KindHandle, Value: strings.TrimPrefix(input, "@"), Pending: true}
	}

	if id, ok := parseURL(input); ok {
		return id
	}

	return Identifier{Kind: KindLiteral, Value: input}
}

func parseURL(input string) (Identifier, bool) {
	if !strings.Contains(input, "youtube.com") && !strings.Contains(input, "youtu.be") {
		return Identifier{}, false
	}
	raw := input
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return Identifier{}, false
	}

	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		return Identifier{}, false
	}

	first := segments[0]
	switch {
	case strings.HasPrefix(first, "@"):
		return Identifier{Kind: KindHandle, Value: strings.TrimPrefix(first, "@"), Pending: true}, true
	case first == "channel" && len(segments) > 1:
		return Identifier{Kind: KindChannelID, Value: segments[1]}, true
	case first == "c" && len(segments) > 1:
		return Identifier{Kind: KindCustomURL, Value: segments[1], Pending: true}, true
	case first == "user" && len(segments) > 1:
		return Identifier{Kind: KindUsername, Value: segments[1], Pending: true}, true
	}
	return Identifier{}, false
}

// Resolver resolves channel inputs, delegating lookups to a ChannelLookup.
type Resolver struct {
	lookup ChannelLookup
}

// New creates a Resolver. lookup may be nil, in which case pending inputs fail.
func New(lookup ChannelLookup) *Resolver {
	return &Resolver{lookup: lookup}
}

// Resolve returns the canonical channel ID for input.
func (r *Resolver) Resolve(ctx context.Context, input string) (string, error) {
	id := Parse(input)
	if id.Value == "" {
		return "", fmt.Errorf("%w: empty input", common.ErrInvalidChannelIdentifier)
	}

	resolved := id.Value
	if id.Pending {
		if r.lookup == nil {
			return "", fmt.Errorf("%w: %q needs a lookup but none is configured", common.ErrInvalidChannelIdentifier, input)
		}
		channelID, err := r.lookup.ResolveChannelIdentifier(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("input", input).Str("kind", string(id.Kind)).Msg("Channel lookup failed")
			return "", fmt.Errorf("%w: resolving %q: %w", common.ErrInvalidChannelIdentifier, input, err)
		}
		resolved = channelID
	}

	if !IsChannelID(resolved) {
		return "", fmt.Errorf("%w: %q", common.ErrInvalidChannelIdentifier, resolved)
	}

	log.Debug().Str("input", input).Str("channel_id", resolved).Str("kind", string(id.Kind)).Msg("Resolved channel input")
	return resolved, nil
}
