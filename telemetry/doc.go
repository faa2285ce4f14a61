/*
Package telemetry provides production-grade observability for the action
orchestration plane.

Architecture Overview:

The telemetry package is designed with a three-layer architecture:

 1. Simple API Layer - Developer-facing functions (Emit, Counter, Histogram, Gauge)
 2. Registry Layer - Thread-safe global registry with lifecycle management
 3. Provider Layer - OpenTelemetry integration for metric and trace export

Thread Safety:

All public functions in this package are thread-safe and can be called
concurrently from multiple goroutines:
  - atomic.Value for lock-free reads of the global registry
  - sync.Once for one-time initialization
  - sync.Map for concurrent metric declaration
  - sync.Pool for label slice reuse

Usage:

Initialize once in main, before the orchestrator starts:

	telemetry.Initialize(telemetry.UseProfile(telemetry.ProfileDevelopment))
	defer telemetry.Shutdown(context.Background())

Then emit metrics from anywhere:

	telemetry.Counter("executor.actions.total", "platform", "slack", "status", "success")
	telemetry.Histogram("queue.wait_ms", 12.5, "priority", "high")

For request-scoped correlation, attach baggage once and every emission in
that context carries it:

	ctx = telemetry.WithBaggage(ctx, "correlation_id", corrID)
	telemetry.EmitWithContext(ctx, "retry.backoff_ms", 400)

Safety Features:

  - Cardinality limiting: unbounded label values collapse into "other"
  - Circuit breaker: stops exporting when the collector is down
  - Rate limiting: prevents error log spam during outages
  - Graceful degradation: emission is a no-op before Initialize and after
    Shutdown, so instrumented code never guards its call sites

Configuration Profiles:

  - ProfileDevelopment: stdout traces, full sampling, no limits
  - ProfileStaging: moderate sampling, safety features enabled
  - ProfileProduction: low sampling, strict limits, maximum safety
*/
package telemetry
