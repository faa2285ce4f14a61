package orchestration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/actionplane/actionplane/core"
	"github.com/actionplane/actionplane/events"
	"github.com/actionplane/actionplane/resilience"
)

// fastConfig returns a config tuned for tests: millisecond backoffs, no
// jitter, and buckets deep enough that rate limiting never interferes
// unless a test wants it to.
func fastConfig() *core.Config {
	cfg := core.DefaultConfig()
	cfg.Workers.Count = 2
	cfg.Workers.ShutdownTimeout = 2 * time.Second
	cfg.Retry.MaxAttempts = 3
	cfg.Retry.InitialDelay = 2 * time.Millisecond
	cfg.Retry.MaxDelay = 20 * time.Millisecond
	cfg.Retry.Multiplier = 2.0
	cfg.Retry.Jitter = false
	cfg.RateLimit.Capacity = 1000
	cfg.RateLimit.RefillPerSec = 10000
	cfg.Breaker.FailureThreshold = 3
	cfg.Breaker.FailureWindow = time.Minute
	cfg.Breaker.ResetTimeout = 50 * time.Millisecond
	cfg.Breaker.SuccessThreshold = 1
	cfg.Deadlines.DefaultAction = 5 * time.Second
	return cfg
}

// testRig bundles the executor pipeline pieces most tests need.
type testRig struct {
	cfg      *core.Config
	adapters *Registry
	guards   *resilience.Manager
	idem     *IdempotencyGuard
	bus      *events.Bus
	exec     *Executor
}

func newTestRig(t *testing.T, cfg *core.Config) *testRig {
	t.Helper()
	if cfg == nil {
		cfg = fastConfig()
	}
	logger := &core.NoOpLogger{}
	bus := events.NewBus(256, logger)
	t.Cleanup(bus.Close)

	rig := &testRig{
		cfg:      cfg,
		adapters: NewRegistry(logger),
		guards:   resilience.NewManager(cfg, logger, nil),
		idem:     NewIdempotencyGuard(cfg.Idempotency.TTL),
		bus:      bus,
	}
	rig.exec = NewExecutor(ExecutorOptions{
		Guards:          rig.guards,
		Adapters:        rig.adapters,
		Idempotency:     rig.idem,
		Bus:             rig.bus,
		Logger:          logger,
		DefaultDeadline: cfg.Deadlines.DefaultAction,
	})
	return rig
}

// sims registers one SimClient per platform and returns them keyed by
// platform for scripting and assertions.
func (r *testRig) sims(platforms ...core.Platform) map[core.Platform]*core.SimClient {
	out := make(map[core.Platform]*core.SimClient, len(platforms))
	for _, p := range platforms {
		sim := core.NewSimClient(p)
		r.adapters.Register(p, sim)
		out[p] = sim
	}
	return out
}

// execute runs one decision through the rig's executor and returns the
// terminal result.
func (r *testRig) execute(t *testing.T, decision *core.ActionDecision) *core.ActionResult {
	t.Helper()
	rec := core.NewActionRecord(decision, effectivePriority(decision.Priority))
	return r.exec.Execute(context.Background(), rec)
}

func effectivePriority(p core.Priority) core.Priority {
	if p == "" {
		return core.PriorityNormal
	}
	return p
}

// nextEvent pops one event from sub or fails the test after timeout.
func nextEvent(t *testing.T, sub *events.Subscription, timeout time.Duration) events.Event {
	t.Helper()
	select {
	case e, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed")
		}
		return e
	case <-time.After(timeout):
		t.Fatal("timed out waiting for event")
	}
	return events.Event{}
}

// waitForKind drains sub until an event of the given kind arrives.
func waitForKind(t *testing.T, sub *events.Subscription, kind events.Kind, timeout time.Duration) events.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscription closed while waiting for %s", kind)
			}
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

// expectNoKind asserts no event of the given kind shows up within the
// window. Used to prove cached results stay silent.
func expectNoKind(t *testing.T, sub *events.Subscription, kind events.Kind, window time.Duration) {
	t.Helper()
	deadline := time.After(window)
	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			if e.Kind == kind {
				t.Fatalf("unexpected %s event: %+v", kind, e.Payload)
			}
		case <-deadline:
			return
		}
	}
}

// panicClient blows up inside Execute to exercise worker recovery.
type panicClient struct{}

func (panicClient) Execute(ctx context.Context, actionType string, params map[string]interface{}) (*core.ExecuteResult, error) {
	panic("adapter exploded")
}

func (panicClient) HealthCheck(ctx context.Context) error { return nil }

// brokenCompensator wraps a SimClient so Execute works normally but every
// Compensate call fails with a permanent error.
type brokenCompensator struct {
	*core.SimClient
	platform core.Platform
}

func (b *brokenCompensator) Compensate(ctx context.Context, actionType, externalID string, params map[string]interface{}) (*core.ExecuteResult, error) {
	return nil, core.NewPlatformError(b.platform, core.KindClient, "compensation rejected")
}

// stubSubmitter records resubmitted decisions and completes each one
// immediately with a canned result.
type stubSubmitter struct {
	mu        sync.Mutex
	decisions []*core.ActionDecision
	result    *core.ActionResult
	err       error
}

func (s *stubSubmitter) Submit(ctx context.Context, d *core.ActionDecision) (*core.ActionRecord, error) {
	s.mu.Lock()
	s.decisions = append(s.decisions, d)
	res := s.result
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	rec := core.NewActionRecord(d, effectivePriority(d.Priority))
	out := core.ActionResult{ActionID: d.ID, OK: true, Platform: d.Platform, CompletedAt: time.Now()}
	if res != nil {
		out = *res
		out.ActionID = d.ID
	}
	rec.Deliver(&out)
	return rec, nil
}

func (s *stubSubmitter) submitted() []*core.ActionDecision {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*core.ActionDecision, len(s.decisions))
	copy(out, s.decisions)
	return out
}

// directSubmitter runs each decision straight through an executor on a
// background goroutine, standing in for the queue and worker pool.
type directSubmitter struct {
	exec *Executor
}

func (s *directSubmitter) Submit(ctx context.Context, d *core.ActionDecision) (*core.ActionRecord, error) {
	rec := core.NewActionRecord(d, effectivePriority(d.Priority))
	go func() {
		rec.Deliver(s.exec.Execute(context.Background(), rec))
	}()
	return rec, nil
}
