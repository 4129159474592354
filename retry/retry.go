// Package retry provides the retry/backoff policy shared by every Data API call.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/researchaccelerator-hub/youtube-collector/common"
	"github.com/rs/zerolog/log"
)

// Class is the retry classification of a failure.
type Class int

const (
	// NonRetriable failures propagate immediately.
	NonRetriable Class = iota
	// Retriable failures are retried with backoff.
	Retriable
)

func (c Class) String() string {
	if c == Retriable {
		return "retriable"
	}
	return "non-retriable"
}

// Classifier assigns a Class to an error.
type Classifier func(error) Class

// Classify is the default classifier: only errors in the common.ErrTransient
// family are retried.
func Classify(err error) Class {
	if err == nil {
		return NonRetriable
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NonRetriable
	}
	if errors.Is(err, common.ErrTransient) {
		return Retriable
	}
	return NonRetriable
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

const (
	// DefaultBaseDelay is the delay before the first retry.
	DefaultBaseDelay = time.Second
	// DefaultMaxDelay caps the exponential delay (before the rate-limit doubling).
	DefaultMaxDelay = 60 * time.Second
)

// Policy retries retriable failures up to Attempts times with exponential backoff.
type Policy struct {
	// Attempts is the number of retries after the first call.
	Attempts   int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Classifier Classifier
	Sleep      SleepFunc
}

// NewPolicy returns a policy with the default delays.
func NewPolicy(attempts int) *Policy {
	if attempts < 0 {
		attempts = 0
	}
	return &Policy{
		Attempts:   attempts,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
		Classifier: Classify,
		Sleep:      Sleep,
	}
}

// Delay returns the backoff before retry number attempt (1-based):
// min(base*2^(attempt-1), max), doubled again for rate-limit responses.
func (p *Policy) Delay(attempt int, err error) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.MaxDelay
	if attempt <= 32 {
		if d := p.BaseDelay << (attempt - 1); d > 0 && d < p.MaxDelay {
			delay = d
		}
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) && apiErr.RateLimited() {
		delay *= 2
	}
	return delay
}

// Do calls fn until it succeeds, fails with a non-retriable error, or the
// retries are used up. The last error is returned on exhaustion.
func (p *Policy) Do(ctx context.Context, operation string, fn func(context.Context) error) error {
	classify := p.Classifier
	if classify == nil {
		classify = Classify
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var lastErr error
	for attempt := 0; attempt <= p.Attempts; attempt++ {
		if attempt > 0 {
			delay := p.Delay(attempt, lastErr)
			log.Warn().
				Err(lastErr).
				Str("operation", operation).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Retrying YouTube API call")
			if err := sleep(ctx, delay); err != nil {
				return fmt.Errorf("%s: %w", operation, err)
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if classify(err) == NonRetriable {
			return err
		}
	}

	log.Error().Err(lastErr).Str("operation", operation).Int("retries", p.Attempts).Msg("Retries exhausted")
	return fmt.Errorf("%s: retries exhausted after %d attempts: %w", operation, p.Attempts+1, lastErr)
}
