package resilience

import (
	"sort"
	"sync"

	"github.com/actionplane/actionplane/core"
)

// PlatformGuard bundles the protection layers for one platform. The executor
// pipeline acquires from Limiter, gates through Breaker, and retries per the
// Retry settings, in that order.
type PlatformGuard struct {
	Platform core.Platform
	Limiter  *RateLimiter
	Breaker  *Breaker
	Retry    core.RetrySettings
}

// Manager owns one PlatformGuard per platform, created lazily from the
// per-platform configuration the first time a platform is seen.
type Manager struct {
	cfg     *core.Config
	logger  core.Logger
	metrics MetricsCollector

	mu        sync.RWMutex
	guards    map[core.Platform]*PlatformGuard
	listeners []TransitionListener
}

// NewManager creates a manager over the given configuration.
func NewManager(cfg *core.Config, logger core.Logger, metrics MetricsCollector) *Manager {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if metrics == nil {
		metrics = &noopMetrics{}
	}
	return &Manager{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		guards:  make(map[core.Platform]*PlatformGuard),
	}
}

// OnTransition registers a breaker transition listener on every existing and
// future guard.
func (m *Manager) OnTransition(l TransitionListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
	for _, g := range m.guards {
		g.Breaker.OnTransition(l)
	}
}

// Guard returns the protection set for a platform, creating it on first use.
func (m *Manager) Guard(platform core.Platform) *PlatformGuard {
	m.mu.RLock()
	g, ok := m.guards[platform]
	m.mu.RUnlock()
	if ok {
		return g
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok = m.guards[platform]; ok {
		return g
	}

	g = &PlatformGuard{
		Platform: platform,
		Limiter:  NewRateLimiter(platform, m.cfg.RateLimit.For(platform), m.logger),
		Breaker:  NewBreaker(platform, m.cfg.Breaker.For(platform), m.logger, m.metrics),
		Retry:    m.cfg.Retry.For(platform),
	}
	for _, l := range m.listeners {
		g.Breaker.OnTransition(l)
	}
	m.guards[platform] = g

	m.logger.Debug("Platform guard created", map[string]interface{}{
		"platform":          string(platform),
		"bucket_capacity":   m.cfg.RateLimit.For(platform).Capacity,
		"failure_threshold": m.cfg.Breaker.For(platform).FailureThreshold,
		"max_attempts":      g.Retry.MaxAttempts,
	})
	return g
}

// Snapshots returns breaker snapshots for every guard, ordered by platform.
func (m *Manager) Snapshots() []BreakerSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]BreakerSnapshot, 0, len(m.guards))
	for _, g := range m.guards {
		out = append(out, g.Breaker.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out
}

// LimiterStats returns bucket stats for every guard, ordered by platform.
func (m *Manager) LimiterStats() []RateLimiterStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RateLimiterStats, 0, len(m.guards))
	for _, g := range m.guards {
		out = append(out, g.Limiter.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out
}
