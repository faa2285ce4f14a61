package resilience

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/actionplane/actionplane/core"
	"github.com/actionplane/actionplane/telemetry"
)

// RateLimiter is the token bucket guarding one platform. Capacity bounds the
// burst, RefillPerSec is the steady rate. Waiters are granted tokens in
// arrival order; a waiter whose projected wait would overrun its context
// deadline fails fast without consuming a token.
type RateLimiter struct {
	platform core.Platform
	limiter  *rate.Limiter
	logger   core.Logger

	waiting  atomic.Int32
	acquired atomic.Uint64
	timeouts atomic.Uint64
}

// RateLimiterStats is a point-in-time view of one bucket.
type RateLimiterStats struct {
	Platform     core.Platform `json:"platform"`
	Capacity     int           `json:"capacity"`
	RefillPerSec float64       `json:"refill_per_sec"`
	Tokens       float64       `json:"tokens"`
	Waiting      int32         `json:"waiting"`
	Acquired     uint64        `json:"acquired"`
	Timeouts     uint64        `json:"timeouts"`
}

// NewRateLimiter creates a bucket for one platform, initially full.
func NewRateLimiter(platform core.Platform, settings core.RateLimitSettings, logger core.Logger) *RateLimiter {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RateLimiter{
		platform: platform,
		limiter:  rate.NewLimiter(rate.Limit(settings.RefillPerSec), settings.Capacity),
		logger:   logger,
	}
}

// Acquire blocks until a token is available or the context expires. When the
// projected wait already exceeds the context deadline it returns immediately
// with a timeout-classified error and no token is consumed.
func (l *RateLimiter) Acquire(ctx context.Context) error {
	l.waiting.Add(1)
	defer l.waiting.Add(-1)

	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		l.timeouts.Add(1)
		telemetry.Counter("rate_limiter.timeouts",
			"platform", string(l.platform),
		)
		l.logger.Debug("Rate limiter acquire timed out", map[string]interface{}{
			"platform": string(l.platform),
			"error":    err.Error(),
		})
		return &core.OrchestrationError{
			Op:       "ratelimiter.Acquire",
			Kind:     core.KindTimeout,
			Platform: l.platform,
			Err:      core.ErrAcquireTimeout,
		}
	}

	l.acquired.Add(1)
	telemetry.Counter("rate_limiter.acquired",
		"platform", string(l.platform),
	)
	if wait := time.Since(start); wait > time.Millisecond {
		telemetry.Histogram("rate_limiter.wait_ms", float64(wait.Milliseconds()),
			"platform", string(l.platform),
		)
	}
	return nil
}

// TryAcquire consumes a token if one is immediately available.
func (l *RateLimiter) TryAcquire() bool {
	if l.limiter.Allow() {
		l.acquired.Add(1)
		telemetry.Counter("rate_limiter.acquired",
			"platform", string(l.platform),
		)
		return true
	}
	return false
}

// NextTokenDelay reports how long a caller arriving now would wait. The
// retry engine uses it to override the backoff after a rate_limit failure.
// The reservation is cancelled, so no token is consumed.
func (l *RateLimiter) NextTokenDelay() time.Duration {
	r := l.limiter.Reserve()
	delay := r.Delay()
	r.Cancel()
	return delay
}

// Stats reports bucket counters for the health surface.
func (l *RateLimiter) Stats() RateLimiterStats {
	return RateLimiterStats{
		Platform:     l.platform,
		Capacity:     l.limiter.Burst(),
		RefillPerSec: float64(l.limiter.Limit()),
		Tokens:       l.limiter.Tokens(),
		Waiting:      l.waiting.Load(),
		Acquired:     l.acquired.Load(),
		Timeouts:     l.timeouts.Load(),
	}
}
