package resilience

import (
	"sync"
	"testing"

	"github.com/actionplane/actionplane/core"
)

func managerConfig(t *testing.T) *core.Config {
	t.Helper()
	cfg, err := core.NewConfig(
		core.WithBreakerOverride(core.PlatformNotion, core.BreakerSettings{FailureThreshold: 2}),
		core.WithRetryOverride(core.PlatformNotion, core.RetrySettings{MaxAttempts: 7}),
	)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	return cfg
}

func TestManagerGuardIsStable(t *testing.T) {
	m := NewManager(managerConfig(t), nil, nil)

	g1 := m.Guard(core.PlatformSlack)
	g2 := m.Guard(core.PlatformSlack)
	if g1 != g2 {
		t.Error("Guard should return the same instance per platform")
	}
	if m.Guard(core.PlatformNotion) == g1 {
		t.Error("different platforms must get independent guards")
	}
}

func TestManagerAppliesOverrides(t *testing.T) {
	m := NewManager(managerConfig(t), nil, nil)

	notion := m.Guard(core.PlatformNotion)
	if notion.Retry.MaxAttempts != 7 {
		t.Errorf("notion retry attempts = %d, want override 7", notion.Retry.MaxAttempts)
	}

	// Two counted failures open notion (override), defaults need five
	notion.Breaker.OnFailure(core.KindTransient)
	notion.Breaker.OnFailure(core.KindTransient)
	if notion.Breaker.State() != StateOpen {
		t.Error("notion breaker should open at overridden threshold 2")
	}

	slack := m.Guard(core.PlatformSlack)
	slack.Breaker.OnFailure(core.KindTransient)
	slack.Breaker.OnFailure(core.KindTransient)
	if slack.Breaker.State() != StateClosed {
		t.Error("slack breaker should still be closed at default threshold 5")
	}
}

func TestManagerTransitionListenerPropagation(t *testing.T) {
	m := NewManager(managerConfig(t), nil, nil)

	var mu sync.Mutex
	seen := make(map[core.Platform]bool)
	record := func(platform core.Platform, from, to State, snap BreakerSnapshot) {
		mu.Lock()
		defer mu.Unlock()
		if to == StateOpen {
			seen[platform] = true
		}
	}

	// Existing guard before listener registration
	notion := m.Guard(core.PlatformNotion)
	m.OnTransition(record)
	// Guard created after registration
	trello := m.Guard(core.PlatformTrello)

	notion.Breaker.OnFailure(core.KindTransient)
	notion.Breaker.OnFailure(core.KindTransient)
	for i := 0; i < 5; i++ {
		trello.Breaker.OnFailure(core.KindTransient)
	}

	mu.Lock()
	defer mu.Unlock()
	if !seen[core.PlatformNotion] {
		t.Error("listener should fire for guards created before registration")
	}
	if !seen[core.PlatformTrello] {
		t.Error("listener should fire for guards created after registration")
	}
}

func TestManagerSnapshotsOrdered(t *testing.T) {
	m := NewManager(managerConfig(t), nil, nil)

	m.Guard(core.PlatformTrello)
	m.Guard(core.PlatformNotion)
	m.Guard(core.PlatformSlack)

	snaps := m.Snapshots()
	if len(snaps) != 3 {
		t.Fatalf("snapshots = %d, want 3", len(snaps))
	}
	for i := 1; i < len(snaps); i++ {
		if snaps[i-1].Platform > snaps[i].Platform {
			t.Errorf("snapshots out of order: %s before %s", snaps[i-1].Platform, snaps[i].Platform)
		}
	}

	stats := m.LimiterStats()
	if len(stats) != 3 {
		t.Fatalf("limiter stats = %d, want 3", len(stats))
	}
	for _, s := range stats {
		if s.Capacity != 10 {
			t.Errorf("%s capacity = %d, want default 10", s.Platform, s.Capacity)
		}
	}
}
