package ingest

import (
	"errors"
	"fmt"
	"time"
)

// Machine-readable rejection codes surfaced to SDKs.
const (
	CodeInvalidRequestBody = "INVALID_REQUEST_BODY"
	CodeNoEvents           = "NO_EVENTS"
	CodeTooManyEvents      = "TOO_MANY_EVENTS"
	CodeInvalidEvent       = "INVALID_EVENT"
	CodeRateLimited        = "RATE_LIMITED"
	CodeProcessingError    = "PROCESSING_ERROR"
)

var ErrRateLimited = errors.New("rate limit exceeded")

// ValidationError rejects a whole batch. EventIndex is the zero-based index
// of the first offending event, or -1 when the batch itself is malformed.
type ValidationError struct {
	Code       string
	Message    string
	EventIndex int
	Field      string
}

func (e *ValidationError) Error() string {
	if e.EventIndex < 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: event %d: %s: %s", e.Code, e.EventIndex, e.Field, e.Message)
}

// RateLimitError is returned when admission control rejects a batch. Nothing
// was written.
type RateLimitError struct {
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit of %d exceeded, retry after %s", e.Limit, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}
