package telemetry

import (
	"sync"
	"time"
)

// RateLimiter is a minimal interval gate used to keep error logging from
// flooding when the collector is down. It is unrelated to the token-bucket
// platform limiter in the resilience package.
type RateLimiter struct {
	interval time.Duration
	lastTime time.Time
	mu       sync.Mutex
}

// NewRateLimiter creates a rate limiter allowing one event per interval.
func NewRateLimiter(interval time.Duration) *RateLimiter {
	return &RateLimiter{
		interval: interval,
	}
}

// Allow reports whether an event is allowed now.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.Sub(r.lastTime) >= r.interval {
		r.lastTime = now
		return true
	}
	return false
}
