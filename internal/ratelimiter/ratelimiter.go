package ratelimiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type RateLimiter struct {
	delay    time.Duration
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New returns a limiter that spaces calls sharing a key by delay. A zero or
// negative delay disables pacing.
func New(delay time.Duration) *RateLimiter {
	return &RateLimiter{
		delay:    delay,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Wait blocks until a call on key may proceed or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	if rl == nil || rl.delay <= 0 {
		return ctx.Err()
	}

	if err := rl.limiter(key).Wait(ctx); err != nil {
		return fmt.Errorf("wait for %s send slot: %w", key, err)
	}

	return nil
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, ok := rl.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(rl.delay), 1)
		rl.limiters[key] = l
	}

	return l
}
