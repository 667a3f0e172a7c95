package gateway

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Limiter paces authority calls: a token bucket bounds the request rate and a
// weighted semaphore bounds how many calls are in flight at once.
type Limiter struct {
	rate          *rate.Limiter
	slots         *semaphore.Weighted
	maxConcurrent int64

	active   atomic.Int64
	waiting  atomic.Int64
	acquired atomic.Int64
}

// NewLimiter creates a limiter. rps <= 0 disables rate limiting; burst defaults to 1.
func NewLimiter(rps float64, burst, maxConcurrent int) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &Limiter{
		rate:          rate.NewLimiter(limit, burst),
		slots:         semaphore.NewWeighted(int64(maxConcurrent)),
		maxConcurrent: int64(maxConcurrent),
	}
}

// Acquire waits for a rate token, then for a concurrency slot. The returned
// release func must be called once the call is complete.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	l.waiting.Add(1)
	defer l.waiting.Add(-1)

	if err := l.rate.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for rate limit: %w", err)
	}
	if err := l.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for concurrency slot: %w", err)
	}

	l.active.Add(1)
	l.acquired.Add(1)

	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			l.active.Add(-1)
			l.slots.Release(1)
		}
	}, nil
}

// LimiterStats is a snapshot for health reporting.
type LimiterStats struct {
	MaxConcurrent int64 `json:"max_concurrent"`
	Active        int64 `json:"active"`
	Waiting       int64 `json:"waiting"`
	TotalAcquired int64 `json:"total_acquired"`
}

// Stats returns current limiter counters.
func (l *Limiter) Stats() LimiterStats {
	return LimiterStats{
		MaxConcurrent: l.maxConcurrent,
		Active:        l.active.Load(),
		Waiting:       l.waiting.Load(),
		TotalAcquired: l.acquired.Load(),
	}
}
