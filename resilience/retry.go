package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/actionplane/actionplane/core"
)

// RetryPolicy drives the attempt loop for one platform. Delays follow
// bounded exponential backoff: the delay after attempt k is
// min(MaxDelay, InitialDelay * Multiplier^(k-1)), plus a uniform jitter
// drawn from [0, InitialDelay/2] when enabled.
type RetryPolicy struct {
	Settings core.RetrySettings

	// DelayOverride, when set, can replace the computed backoff for a
	// failure of the given kind. Used to align rate_limit retries with the
	// token bucket's next-token estimate. Return false to keep the
	// computed delay.
	DelayOverride func(kind core.ErrorKind) (time.Duration, bool)

	// OnRetry runs after a retriable failure, before the sleep, with the
	// upcoming attempt number and the delay about to be applied.
	OnRetry func(nextAttempt int, delay time.Duration, err error)
}

// Backoff computes the post-attempt delay for attempt k (1-based), without
// jitter.
func Backoff(settings core.RetrySettings, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(settings.InitialDelay) * math.Pow(settings.Multiplier, float64(attempt-1))
	if max := float64(settings.MaxDelay); settings.MaxDelay > 0 && d > max {
		d = max
	}
	return time.Duration(d)
}

// jitter draws the additive jitter from [0, InitialDelay/2].
func jitter(settings core.RetrySettings) time.Duration {
	half := int64(settings.InitialDelay / 2)
	if half <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(half + 1))
}

// Retry runs fn until it succeeds, fails permanently, or the attempt budget
// is exhausted. fn receives the 1-based attempt number. Errors whose kind is
// not retriable stop the loop immediately and are returned as-is; an
// exhausted budget returns the last error wrapped with
// core.ErrMaxRetriesExceeded.
func Retry(ctx context.Context, policy *RetryPolicy, fn func(attempt int) error) error {
	settings := policy.Settings
	maxAttempts := settings.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		kind := core.KindOf(err)
		if !kind.Retriable() {
			return err
		}
		if attempt == maxAttempts {
			break
		}

		delay := Backoff(settings, attempt)
		if settings.Jitter {
			delay += jitter(settings)
		}
		if policy.DelayOverride != nil {
			if override, ok := policy.DelayOverride(kind); ok {
				delay = override
			}
		}

		if policy.OnRetry != nil {
			policy.OnRetry(attempt+1, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", core.ErrMaxRetriesExceeded, maxAttempts, lastErr)
}
