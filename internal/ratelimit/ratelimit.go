// Package ratelimit implements per-API-key fixed-window admission control.
package ratelimit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetAt is when the current window ends.
	ResetAt time.Time
	// RetryAfter is the time left in the current window. Only meaningful when
	// Allowed is false.
	RetryAfter time.Duration
}

// Limiter counts requests per API key. Allow increments the key's counter for
// the current window and reports whether the request fits under the ceiling.
// Implementations must be safe for concurrent use and must increment
// atomically.
type Limiter interface {
	Allow(ctx context.Context, key uuid.UUID) (Decision, error)
}

// windowBounds returns the start and end of the fixed window containing now.
func windowBounds(now time.Time, window time.Duration) (time.Time, time.Time) {
	start := now.Truncate(window)
	return start, start.Add(window)
}

func decide(count int64, limit int, now, reset time.Time) Decision {
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   reset,
	}
	if !d.Allowed {
		d.RetryAfter = reset.Sub(now)
	}
	return d
}
