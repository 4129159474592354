package common

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewAPIErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		reason    string
		kind      error
		retriable bool
	}{
		{"bad request", 400, "invalidRequest", ErrInvalidRequest, false},
		{"unauthorized", 401, "authError", ErrAuth, false},
		{"quota exceeded", 403, "quotaExceeded", ErrQuotaExceeded, false},
		{"daily limit", 403, "dailyLimitExceeded", ErrQuotaExceeded, false},
		{"comments disabled", 403, "commentsDisabled", ErrCommentsDisabled, false},
		{"forbidden", 403, "forbidden", ErrAuth, false},
		{"rate limit reason", 403, "rateLimitExceeded", ErrTransient, true},
		{"not found", 404, "notFound", ErrNotFound, false},
		{"too many requests", 429, "", ErrTransient, true},
		{"internal", 500, "backendError", ErrTransient, true},
		{"bad gateway", 502, "", ErrTransient, true},
		{"unavailable", 503, "", ErrTransient, true},
		{"gateway timeout", 504, "", ErrTransient, true},
		{"empty response", 0, "emptyResponse", ErrTransient, true},
		{"other client error", 409, "", ErrInvalidRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewAPIError(tt.status, tt.reason, "boom", nil)
			assert.True(t, errors.Is(err, tt.kind), "expected %v, got %v", tt.kind, err.Kind)
			assert.Equal(t, tt.retriable, err.Retriable())
		})
	}
}

func TestAPIErrorUnwrapsUnderlying(t *testing.T) {
	underlying := errors.New("socket closed")
	err := NewAPIError(0, "transport", "", underlying)

	assert.ErrorIs(t, err, ErrTransient)
	assert.ErrorIs(t, err, underlying)
	assert.Contains(t, err.Error(), "socket closed")
	assert.False(t, err.RateLimited())
	assert.True(t, NewAPIError(429, "", "slow down", nil).RateLimited())
}

func TestStageError(t *testing.T) {
	assert.Equal(t, "", StageError(nil))
	assert.Equal(t, "boom", StageError(errors.New("boom")))
}
