package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/kiranshivaraju/issuehound/internal/cache"
)

// RedisLimiter keeps one counter per key and window in Redis, so every
// server process shares the same windows. Concurrent callers may briefly
// over-admit across processes; INCR itself is atomic.
type RedisLimiter struct {
	cache  cache.Cache
	limit  int
	window time.Duration
	clock  quartz.Clock
}

// NewRedisLimiter creates a RedisLimiter admitting limit requests per window.
func NewRedisLimiter(c cache.Cache, limit int, window time.Duration, clock quartz.Clock) *RedisLimiter {
	return &RedisLimiter{cache: c, limit: limit, window: window, clock: clock}
}

func (l *RedisLimiter) Allow(ctx context.Context, key uuid.UUID) (Decision, error) {
	now := l.clock.Now()
	start, reset := windowBounds(now, l.window)

	count, err := l.cache.IncrWithExpiry(ctx, cache.RateLimitKey(key, start.Unix()), l.window)
	if err != nil {
		return Decision{}, fmt.Errorf("increment rate limit counter: %w", err)
	}
	return decide(count, l.limit, now, reset), nil
}

var _ Limiter = (*RedisLimiter)(nil)
