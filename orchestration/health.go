package orchestration

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/actionplane/actionplane/core"
	"github.com/actionplane/actionplane/events"
	"github.com/actionplane/actionplane/resilience"
)

// Health statuses reported by the snapshot.
const (
	HealthStatusHealthy  = "healthy"
	HealthStatusDegraded = "degraded"
)

// healthCheckTimeout bounds each platform's reachability probe.
const healthCheckTimeout = 3 * time.Second

// HealthSnapshot is the plane's point-in-time operational state: queue and
// worker pressure, per-platform breaker and rate limiter counters, and the
// sizes of the pending surfaces.
type HealthSnapshot struct {
	Status           string           `json:"status"`
	Time             time.Time        `json:"time"`
	Queue            QueueStats       `json:"queue"`
	Workers          WorkerStats      `json:"workers"`
	Platforms        []PlatformHealth `json:"platforms"`
	PendingApprovals int              `json:"pending_approvals"`
	ActiveWorkflows  int              `json:"active_workflows"`
	Idempotency      IdempotencyStats `json:"idempotency"`
	Journal          *JournalStats    `json:"journal,omitempty"`
	Bus              events.BusStats  `json:"bus"`
}

// WorkerStats summarizes the pool for the health surface.
type WorkerStats struct {
	Configured int   `json:"configured"`
	Active     int   `json:"active"`
	Processed  int64 `json:"processed"`
}

// PlatformHealth is one platform's view: an out-of-band reachability probe
// plus the guard counters the execution path maintains.
type PlatformHealth struct {
	Platform  core.Platform               `json:"platform"`
	Reachable bool                        `json:"reachable"`
	Error     string                      `json:"error,omitempty"`
	Breaker   resilience.BreakerSnapshot  `json:"breaker"`
	RateLimit resilience.RateLimiterStats `json:"rate_limit"`
}

// Health collects the snapshot. Platform probes run concurrently, each
// bounded by healthCheckTimeout. Status degrades when any breaker is open or
// the queue is at capacity.
func (o *Orchestrator) Health(ctx context.Context) HealthSnapshot {
	platforms := o.adapters.Platforms()
	platformHealth := make([]PlatformHealth, len(platforms))

	var wg sync.WaitGroup
	for i, platform := range platforms {
		wg.Add(1)
		go func(i int, platform core.Platform) {
			defer wg.Done()
			platformHealth[i] = o.platformHealth(ctx, platform)
		}(i, platform)
	}
	wg.Wait()

	snap := HealthSnapshot{
		Status: HealthStatusHealthy,
		Time:   time.Now().UTC(),
		Queue:  o.queue.Stats(),
		Workers: WorkerStats{
			Configured: o.config.Workers.Count,
			Active:     o.workers.Active(),
			Processed:  o.workers.Processed(),
		},
		Platforms:       platformHealth,
		ActiveWorkflows: o.engine.ActiveRuns(),
		Idempotency:     o.idempotency.Stats(),
		Bus:             o.bus.Stats(),
	}

	pending, err := o.approvals.PendingCount(ctx)
	if err != nil {
		pending = -1
	}
	snap.PendingApprovals = pending

	if o.journal != nil {
		stats := o.journal.Stats()
		snap.Journal = &stats
	}

	for _, ph := range platformHealth {
		if ph.Breaker.State == resilience.StateOpen.String() {
			snap.Status = HealthStatusDegraded
			break
		}
	}
	if snap.Queue.Size >= snap.Queue.MaxSize {
		snap.Status = HealthStatusDegraded
	}
	return snap
}

func (o *Orchestrator) platformHealth(ctx context.Context, platform core.Platform) PlatformHealth {
	guard := o.guards.Guard(platform)
	ph := PlatformHealth{
		Platform:  platform,
		Breaker:   guard.Breaker.Snapshot(),
		RateLimit: guard.Limiter.Stats(),
	}

	client, err := o.adapters.Client(platform)
	if err != nil {
		ph.Error = err.Error()
		return ph
	}

	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	if err := client.HealthCheck(checkCtx); err != nil {
		ph.Error = err.Error()
		return ph
	}
	ph.Reachable = true
	return ph
}

// HealthHandler serves the snapshot as JSON: 200 when healthy, 503 when
// degraded.
func (o *Orchestrator) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := o.Health(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if snap.Status != HealthStatusHealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			o.logger.Warn("Health snapshot encoding failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}
