package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"
)

// resetGlobals returns the package to its pre-Initialize state. The dev
// profile uses the stdout trace exporter and a readerless meter provider,
// so tests never need a collector.
func resetGlobals() {
	initOnce = sync.Once{}
	globalRegistry.Store((*Registry)(nil))
	telemetryErrors.Store(0)
	telemetryDropped.Store(0)
}

func TestEmitBeforeInitializeIsNoOp(t *testing.T) {
	resetGlobals()

	// Must not panic and must not count anything
	Emit("orphan.metric", 1.0, "platform", "slack")
	Counter("orphan.counter")

	if got := GetInternalMetrics().Emitted; got != 0 {
		t.Errorf("expected 0 emitted before init, got %d", got)
	}
	if GetRegistry() != nil {
		t.Error("registry should be nil before Initialize")
	}
}

func TestThreadSafeInitialize(t *testing.T) {
	resetGlobals()

	var wg sync.WaitGroup
	errs := make([]error, 10)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			errs[idx] = Initialize(UseProfile(ProfileDevelopment))
		}(i)
	}

	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("initialization %d failed: %v", i, err)
		}
	}

	if GetRegistry() == nil {
		t.Error("registry not initialized")
	}
}

func TestConcurrentEmission(t *testing.T) {
	resetGlobals()

	if err := Initialize(UseProfile(ProfileDevelopment)); err != nil {
		t.Fatalf("failed to initialize telemetry: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 1000; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			Emit("executor.actions.total", float64(n), "platform", "notion")
		}(i)
	}
	wg.Wait()

	health := GetHealth()
	if health.Errors > 0 {
		t.Errorf("expected no errors, got %d", health.Errors)
	}
}

func TestCardinalityLimiter(t *testing.T) {
	limiter := NewCardinalityLimiter(map[string]int{
		"action_type": 3,
	})
	defer limiter.Stop()

	results := []string{
		limiter.CheckAndLimit("m", "action_type", "create_page"),
		limiter.CheckAndLimit("m", "action_type", "create_card"),
		limiter.CheckAndLimit("m", "action_type", "send_message"),
		limiter.CheckAndLimit("m", "action_type", "append_row"),  // Over limit
		limiter.CheckAndLimit("m", "action_type", "create_page"), // Existing, passes
	}

	expected := []string{"create_page", "create_card", "send_message", "other", "create_page"}
	for i, result := range results {
		if result != expected[i] {
			t.Errorf("call %d: expected %s, got %s", i, expected[i], result)
		}
	}

	// Unlimited labels pass through untouched
	if got := limiter.CheckAndLimit("m", "platform", "anything"); got != "anything" {
		t.Errorf("unlimited label should pass through, got %s", got)
	}
}

func TestTelemetryCircuitBreaker(t *testing.T) {
	cb := NewTelemetryCircuitBreaker(CircuitConfig{
		Enabled:      true,
		MaxFailures:  3,
		RecoveryTime: 100 * time.Millisecond,
		HalfOpenMax:  2,
	})

	if !cb.Allow() {
		t.Error("closed breaker should allow")
	}

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}

	if cb.Allow() {
		t.Error("circuit breaker should be open")
	}
	if cb.State() != "open" {
		t.Errorf("expected open, got %s", cb.State())
	}

	time.Sleep(150 * time.Millisecond)

	// Recovery window elapsed: transitions to half-open on next check
	if !cb.Allow() {
		t.Error("circuit breaker should allow test emission")
	}
	if cb.State() != "half-open" {
		t.Errorf("expected half-open, got %s", cb.State())
	}

	// Enough successes close the circuit
	cb.RecordSuccess()
	cb.RecordSuccess()
	if cb.State() != "closed" {
		t.Errorf("expected closed after recovery, got %s", cb.State())
	}
}

func TestNilCircuitBreakerIsDisabled(t *testing.T) {
	cb := NewTelemetryCircuitBreaker(CircuitConfig{Enabled: false})
	if cb != nil {
		t.Fatal("disabled config should produce nil breaker")
	}
	if !cb.Allow() {
		t.Error("nil breaker must allow everything")
	}
	cb.RecordFailure()
	cb.RecordSuccess()
	if cb.State() != "disabled" {
		t.Errorf("expected disabled, got %s", cb.State())
	}
}

func TestProgressiveAPI(t *testing.T) {
	resetGlobals()

	if err := Initialize(UseProfile(ProfileDevelopment)); err != nil {
		t.Fatalf("failed to initialize telemetry: %v", err)
	}

	// Level 1
	Counter("queue.enqueued", "priority", "high")
	Histogram("queue.wait_ms", 100.5, "priority", "high")
	Gauge("queue.depth", 42.0)

	start := time.Now()
	Duration("router.route.duration_ms", start, "platform", "trello")

	// Level 2
	RecordError("executor.errors", "timeout", "platform", "drive")
	RecordSuccess("executor.actions", "platform", "drive")
	RecordLatency("platform.call.latency", 150.0, "platform", "sheets")
	RecordBytes("journal.record_bytes", 1024, "backend", "file")
	TrackInFlight("executor.inflight", 1)
	TrackInFlight("executor.inflight", -1)

	// Level 3
	EmitWithOptions(context.Background(), "retry.backoff_ms", 99.0,
		WithLabel("platform", "notion"),
		WithUnit(UnitMilliseconds),
		WithSampleRate(1.0))

	health := GetHealth()
	if !health.Initialized {
		t.Error("telemetry not initialized")
	}
	if health.Errors > 0 {
		t.Errorf("expected no errors, got %d", health.Errors)
	}
}

func TestHealthLifecycle(t *testing.T) {
	resetGlobals()
	defer resetGlobals()

	health := GetHealth()
	if health.Initialized {
		t.Error("should not be initialized")
	}

	if err := Initialize(UseProfile(ProfileDevelopment)); err != nil {
		t.Fatalf("failed to initialize telemetry: %v", err)
	}

	ResetInternalMetrics()
	for i := 0; i < 10; i++ {
		Emit("executor.actions.total", float64(i))
	}

	health = GetHealth()
	if !health.Initialized {
		t.Error("should be initialized")
	}
	if health.MetricsEmitted != 10 {
		t.Errorf("expected 10 metrics emitted, got %d", health.MetricsEmitted)
	}
	if health.CircuitState != "disabled" {
		t.Errorf("dev profile has no circuit, got state %s", health.CircuitState)
	}
}

func TestShutdownMakesEmitNoOp(t *testing.T) {
	resetGlobals()
	defer resetGlobals()

	if err := Initialize(UseProfile(ProfileDevelopment)); err != nil {
		t.Fatalf("failed to initialize telemetry: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	if GetRegistry() != nil {
		t.Error("registry should be nil after shutdown")
	}

	// Safe no-ops after shutdown
	Emit("late.metric", 1.0)
	if err := Shutdown(ctx); err != nil {
		t.Errorf("second shutdown should be nil, got %v", err)
	}
}

func TestParseLabels(t *testing.T) {
	m := parseLabels("platform", "slack", "status", "success")
	if len(m) != 2 || m["platform"] != "slack" || m["status"] != "success" {
		t.Errorf("unexpected map: %v", m)
	}

	// Trailing key without value is dropped
	m = parseLabels("platform", "slack", "dangling")
	if len(m) != 1 {
		t.Errorf("dangling key should be dropped: %v", m)
	}

	if len(parseLabels()) != 0 {
		t.Error("empty labels should produce empty map")
	}
}

func TestGetLatencyBucket(t *testing.T) {
	cases := []struct {
		ms   float64
		want string
	}{
		{0.5, "<1ms"},
		{5, "1-10ms"},
		{50, "10-100ms"},
		{500, "100ms-1s"},
		{5000, "1-10s"},
		{50000, ">10s"},
	}
	for _, tc := range cases {
		if got := getLatencyBucket(tc.ms); got != tc.want {
			t.Errorf("getLatencyBucket(%v) = %s, want %s", tc.ms, got, tc.want)
		}
	}
}

func BenchmarkEmit(b *testing.B) {
	resetGlobals()
	_ = Initialize(UseProfile(ProfileDevelopment))

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			Emit("bench.metric", 1.0, "platform", "slack")
		}
	})
}
