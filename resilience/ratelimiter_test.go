package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/actionplane/actionplane/core"
)

func TestRateLimiterBurstThenBlocks(t *testing.T) {
	l := NewRateLimiter(core.PlatformSlack, core.RateLimitSettings{Capacity: 3, RefillPerSec: 100}, nil)

	for i := 0; i < 3; i++ {
		if !l.TryAcquire() {
			t.Fatalf("token %d should be available from the initial burst", i+1)
		}
	}
	if l.TryAcquire() {
		t.Fatal("bucket should be empty after draining the burst")
	}

	// At 100 tokens/sec the next token arrives within ~10ms
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("Acquire() should succeed once a token refills: %v", err)
	}

	stats := l.Stats()
	if stats.Acquired != 4 {
		t.Errorf("Acquired = %d, want 4", stats.Acquired)
	}
}

func TestRateLimiterFailsFastOnHopelessDeadline(t *testing.T) {
	// One token per minute: after the burst, any short deadline is hopeless
	l := NewRateLimiter(core.PlatformNotion, core.RateLimitSettings{Capacity: 1, RefillPerSec: 1.0 / 60}, nil)

	if !l.TryAcquire() {
		t.Fatal("initial token should be available")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := l.Acquire(ctx)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("Acquire() should fail when the wait exceeds the deadline")
	}
	if !errors.Is(err, core.ErrAcquireTimeout) {
		t.Errorf("error should wrap ErrAcquireTimeout, got %v", err)
	}
	if core.KindOf(err) != core.KindTimeout {
		t.Errorf("kind = %q, want timeout", core.KindOf(err))
	}
	// Fail-fast: no waiting out the 50ms deadline
	if elapsed > 40*time.Millisecond {
		t.Errorf("Acquire() took %v, should fail fast", elapsed)
	}
	if got := l.Stats().Timeouts; got != 1 {
		t.Errorf("Timeouts = %d, want 1", got)
	}
}

func TestRateLimiterNextTokenDelay(t *testing.T) {
	l := NewRateLimiter(core.PlatformSheets, core.RateLimitSettings{Capacity: 1, RefillPerSec: 2}, nil)

	if d := l.NextTokenDelay(); d != 0 {
		t.Errorf("full bucket delay = %v, want 0", d)
	}

	if !l.TryAcquire() {
		t.Fatal("token should be available")
	}

	d := l.NextTokenDelay()
	if d <= 0 || d > time.Second {
		t.Errorf("empty bucket delay = %v, want ~500ms", d)
	}

	// Probing must not consume the pending token
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Acquire(ctx); err != nil {
		t.Errorf("Acquire() after probe: %v", err)
	}
}

func TestRateLimiterStats(t *testing.T) {
	l := NewRateLimiter(core.PlatformDrive, core.RateLimitSettings{Capacity: 10, RefillPerSec: 5}, nil)

	stats := l.Stats()
	if stats.Platform != core.PlatformDrive {
		t.Errorf("platform = %s", stats.Platform)
	}
	if stats.Capacity != 10 {
		t.Errorf("capacity = %d, want 10", stats.Capacity)
	}
	if stats.RefillPerSec != 5 {
		t.Errorf("refill = %v, want 5", stats.RefillPerSec)
	}
	if stats.Tokens <= 0 {
		t.Errorf("fresh bucket should be full, tokens = %v", stats.Tokens)
	}
}
