// Package ratelimit implements a per-approver token bucket rate limiter for
// the decision API. Thread-safe. No background goroutines; tokens are
// refilled lazily on each Allow call.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"github.com/halcyonlabs/tradegate/internal/config"
)

// ErrRateLimited is returned when an approver has exhausted their token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Limiter is a per-approver token bucket rate limiter. Each approver gets an
// independent bucket; one approver cannot exhaust another's quota.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64 // tokens per second
	burst   float64 // max bucket capacity
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a rate limiter. If RequestsPerMinute is 0, Allow always
// succeeds (unlimited).
func NewLimiter(cfg config.RateLimitConfig) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1 // safety floor
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    float64(cfg.RequestsPerMinute) / 60.0,
		burst:   float64(burst),
	}
}

// Allow checks whether the approver has tokens remaining. Consumes one token
// on success. Returns ErrRateLimited if the bucket is empty.
func (l *Limiter) Allow(approverID string) error {
	// Unlimited mode.
	if l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[approverID]
	if !ok {
		// First request: start with a full bucket.
		b = &bucket{tokens: l.burst, lastFill: now}
		l.buckets[approverID] = b
	}

	// Refill tokens based on elapsed time.
	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens += elapsed * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now

	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}
