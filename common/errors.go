package common

import (
	"errors"
	"fmt"
	"net/http"
)

// Error taxonomy for the collection pipeline. Every error returned by the
// collector packages unwraps to exactly one of these.
var (
	ErrInvalidChannelIdentifier = errors.New("invalid channel identifier")
	ErrNotFound                 = errors.New("not found")
	ErrQuotaExceeded            = errors.New("quota exceeded")
	ErrAuth                     = errors.New("authentication failed")
	ErrInvalidRequest           = errors.New("invalid request")
	ErrCommentsDisabled         = errors.New("comments disabled")
	ErrTransient                = errors.New("transient api failure")
	ErrValidation               = errors.New("validation failed")
	ErrPaginationInterrupted    = errors.New("pagination interrupted")
	ErrPersistence              = errors.New("persistence failed")
)

// APIError is a classified failure from the YouTube Data API.
type APIError struct {
	StatusCode int
	Reason     string
	Message    string
	Kind       error
	Err        error
}

// NewAPIError classifies a status code and reason into the error taxonomy.
func NewAPIError(statusCode int, reason, message string, err error) *APIError {
	return &APIError{
		StatusCode: statusCode,
		Reason:     reason,
		Message:    message,
		Kind:       classifyStatus(statusCode, reason),
		Err:        err,
	}
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Reason != "" {
		return fmt.Sprintf("%v (status %d, reason %s): %s", e.Kind, e.StatusCode, e.Reason, msg)
	}
	return fmt.Sprintf("%v (status %d): %s", e.Kind, e.StatusCode, msg)
}

// Unwrap exposes both the taxonomy sentinel and the underlying error.
func (e *APIError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Retriable reports whether the failure may succeed on a later attempt.
func (e *APIError) Retriable() bool {
	return errors.Is(e.Kind, ErrTransient)
}

// RateLimited reports whether the server asked us to slow down.
func (e *APIError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

func classifyStatus(code int, reason string) error {
	switch code {
	case http.StatusBadRequest:
		return ErrInvalidRequest
	case http.StatusUnauthorized:
		return ErrAuth
	case http.StatusForbidden:
		switch reason {
		case "quotaExceeded", "dailyLimitExceeded":
			return ErrQuotaExceeded
		case "commentsDisabled":
			return ErrCommentsDisabled
		case "rateLimitExceeded", "userRateLimitExceeded":
			return ErrTransient
		}
		return ErrAuth
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return ErrTransient
	}
	switch {
	case code == 0:
		// transport failures and malformed or empty responses
		return ErrTransient
	case code >= 500:
		return ErrTransient
	default:
		return ErrInvalidRequest
	}
}

// StageError renders err for a stage-scoped error_* field on a result.
func StageError(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
