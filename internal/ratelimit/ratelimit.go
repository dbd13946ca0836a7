// Package ratelimit admits requests per caller identity with a token bucket.
// Each bucket holds up to the caller's limit and refills continuously at
// limit/window tokens per second. Buckets live in memory for a single
// instance or in Redis when instances share admission state.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetAfter is the time until the bucket is full again.
	ResetAfter time.Duration
	// RetryAfter is the time until one token is available. Zero when allowed.
	RetryAfter time.Duration
}

// RateLimiter consumes one token for key. A limit <= 0 selects the
// limiter's default capacity.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int) (Decision, error)
}

type bucket struct {
	mu       sync.Mutex
	capacity float64
	tokens   float64
	last     time.Time
}

// InMemoryRateLimiter keeps one bucket per key. Keys never contend with each
// other: the map is a sync.Map and each bucket has its own lock.
type InMemoryRateLimiter struct {
	buckets      sync.Map
	window       time.Duration
	defaultLimit int
	now          func() time.Time
}

func NewInMemoryRateLimiter(defaultLimit int, window time.Duration) *InMemoryRateLimiter {
	return &InMemoryRateLimiter{
		window:       window,
		defaultLimit: defaultLimit,
		now:          time.Now,
	}
}

func (r *InMemoryRateLimiter) Allow(ctx context.Context, key string, limit int) (Decision, error) {
	if limit <= 0 {
		limit = r.defaultLimit
	}
	capacity := float64(limit)
	now := r.now()

	v, _ := r.buckets.LoadOrStore(key, &bucket{capacity: capacity, tokens: capacity, last: now})
	b := v.(*bucket)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.capacity != capacity {
		b.capacity = capacity
		b.tokens = math.Min(b.tokens, capacity)
	}

	if elapsed := now.Sub(b.last); elapsed > 0 {
		b.tokens = math.Min(capacity, b.tokens+elapsed.Seconds()*capacity/r.window.Seconds())
		b.last = now
	}

	allowed := b.tokens >= 1
	if allowed {
		b.tokens--
	}

	return decide(allowed, limit, b.tokens, r.window), nil
}

// Prune drops buckets that have been idle for a full window. Such buckets
// are full, so recreating them on the next request changes nothing.
func (r *InMemoryRateLimiter) Prune() int {
	cutoff := r.now().Add(-r.window)
	pruned := 0
	r.buckets.Range(func(k, v any) bool {
		b := v.(*bucket)
		b.mu.Lock()
		idle := b.last.Before(cutoff)
		b.mu.Unlock()
		if idle {
			r.buckets.Delete(k)
			pruned++
		}
		return true
	})
	return pruned
}

// RunPruner prunes idle buckets every interval until ctx is done.
func (r *InMemoryRateLimiter) RunPruner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Prune()
		}
	}
}

// decide converts a token deficit into time as deficit * window / limit.
func decide(allowed bool, limit int, tokens float64, window time.Duration) Decision {
	perToken := window.Seconds() / float64(limit)
	d := Decision{
		Allowed:    allowed,
		Limit:      limit,
		Remaining:  int(math.Floor(tokens)),
		ResetAfter: secondsToDuration((float64(limit) - tokens) * perToken),
	}
	if !allowed {
		d.RetryAfter = secondsToDuration((1 - tokens) * perToken)
	}
	return d
}

func secondsToDuration(s float64) time.Duration {
	if s <= 0 || math.IsNaN(s) || math.IsInf(s, 0) {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}
