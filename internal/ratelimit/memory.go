package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
)

type counter struct {
	start time.Time
	count int64
}

// MemoryLimiter is an in-process Limiter. Counters live in a map guarded by a
// mutex; expired windows are dropped lazily on access and by Sweep.
type MemoryLimiter struct {
	limit  int
	window time.Duration
	clock  quartz.Clock

	mu       sync.Mutex
	counters map[uuid.UUID]*counter
}

// NewMemoryLimiter creates a MemoryLimiter admitting limit requests per window.
func NewMemoryLimiter(limit int, window time.Duration, clock quartz.Clock) *MemoryLimiter {
	return &MemoryLimiter{
		limit:    limit,
		window:   window,
		clock:    clock,
		counters: make(map[uuid.UUID]*counter),
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key uuid.UUID) (Decision, error) {
	now := l.clock.Now()
	start, reset := windowBounds(now, l.window)

	l.mu.Lock()
	c, ok := l.counters[key]
	if !ok || !c.start.Equal(start) {
		c = &counter{start: start}
		l.counters[key] = c
	}
	c.count++
	count := c.count
	l.mu.Unlock()

	return decide(count, l.limit, now, reset), nil
}

// Sweep removes counters whose window has ended and returns how many were
// removed.
func (l *MemoryLimiter) Sweep() int {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, c := range l.counters {
		if !now.Before(c.start.Add(l.window)) {
			delete(l.counters, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of live counters.
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.counters)
}

// Run sweeps expired counters once per window until ctx is cancelled.
func (l *MemoryLimiter) Run(ctx context.Context) {
	w := l.clock.TickerFunc(ctx, l.window, func() error {
		if n := l.Sweep(); n > 0 {
			slog.Debug("rate limit counters swept", "removed", n)
		}
		return nil
	}, "ratelimit", "sweep")
	_ = w.Wait()
}

var _ Limiter = (*MemoryLimiter)(nil)
