package telemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/actionplane/actionplane/core"
)

var (
	// globalRegistry holds the singleton Registry instance.
	// atomic.Value gives lock-free reads on the hot path (metric emission).
	// It is written once during Initialize() and read on every Emit().
	globalRegistry atomic.Value // *Registry

	// initOnce ensures Initialize() can only succeed once.
	// Later calls return the first call's result.
	initOnce sync.Once

	// declaredMetrics stores metric declarations made from init() functions.
	// Packages declare their metrics before the telemetry system is
	// initialized, which sidesteps the init() ordering problem.
	declaredMetrics sync.Map // map[string]ModuleConfig

	// Internal health counters, tracked atomically.
	telemetryErrors  atomic.Int64 // Total emission errors
	telemetryDropped atomic.Int64 // Metrics dropped by the circuit breaker
)

// ModuleConfig carries the metric declarations of one module.
type ModuleConfig struct {
	Metrics []MetricDefinition
}

// MetricDefinition declares a metric's metadata upfront so the registry can
// pre-create the right instrument type and validate emissions.
type MetricDefinition struct {
	Name    string
	Type    string // counter, histogram, gauge, updowncounter
	Help    string
	Labels  []string
	Unit    string    // optional: ms, bytes, etc.
	Buckets []float64 // optional: histogram bucket boundaries
}

// Registry coordinates the telemetry subsystems (OTel provider, circuit
// breaker, cardinality limiter) behind a single emission interface.
// Concurrently accessed fields use atomics or are immutable after creation.
type Registry struct {
	config   Config
	provider *OTelProvider            // OpenTelemetry export pipelines
	limiter  *CardinalityLimiter      // Prevents label-value explosion
	circuit  *TelemetryCircuitBreaker // Protects the backend from overload
	metrics  *MetricInstruments       // Cached metric instruments
	logger   *TelemetryLogger         // Self-contained logger

	// Observability of the telemetry system itself
	emitted   atomic.Int64 // Metrics successfully emitted
	startTime time.Time
	lastError atomic.Value // string

	// errorLimiter keeps a broken backend from flooding the logs
	errorLimiter *RateLimiter
}

// DeclareMetrics registers metric definitions for a module. Safe to call
// from init() before Initialize(); declarations are held and processed when
// Initialize() runs.
//
//	func init() {
//	    telemetry.DeclareMetrics("executor", telemetry.ModuleConfig{
//	        Metrics: []telemetry.MetricDefinition{
//	            {Name: "executor.actions.total", Type: "counter"},
//	        },
//	    })
//	}
func DeclareMetrics(module string, config ModuleConfig) {
	declaredMetrics.Store(module, config)
}

// Initialize activates the telemetry system. Call once from main() before
// the orchestrator starts; later calls are no-ops returning the first result.
//
// Initialize performs:
//  1. OTel provider and exporter creation (traces and metrics)
//  2. Circuit breaker setup (if configured)
//  3. Cardinality limiter setup
//  4. Registration of all previously declared metrics
//  5. Framework integration so core components can emit through the hook
//
// If initialization fails the Emit functions stay safe no-ops, so callers
// never need to guard emission sites.
func Initialize(config Config) error {
	var initErr error
	initOnce.Do(func() {
		logger := NewTelemetryLogger(config.ServiceName)

		logger.Info("Telemetry initialization starting", map[string]interface{}{
			"service_name":      config.ServiceName,
			"endpoint":          config.Endpoint,
			"cardinality_limit": config.CardinalityLimit,
			"circuit_enabled":   config.CircuitBreaker.Enabled,
		})

		registry, err := newRegistry(config)
		if err != nil {
			initErr = err
			logger.Error("Telemetry initialization failed", map[string]interface{}{
				"error":    err.Error(),
				"endpoint": config.Endpoint,
				"action":   "Check OTEL collector is running at endpoint",
				"impact":   "No metrics will be sent",
			})
			return
		}

		registry.logger = logger

		// Process everything declared via DeclareMetrics() in init() funcs.
		declaredCount := 0
		declaredMetrics.Range(func(key, value interface{}) bool {
			module := key.(string)
			moduleConfig := value.(ModuleConfig)
			registry.registerModule(module, moduleConfig)
			declaredCount++
			logger.Debug("Registered module metrics", map[string]interface{}{
				"module":       module,
				"metric_count": len(moduleConfig.Metrics),
			})
			return true
		})

		globalRegistry.Store(registry)

		// The logger can emit its own metrics now that the registry exists.
		logger.EnableMetrics()

		// Register with core so core components emit through telemetry.
		EnableFrameworkIntegration(logger)

		logger.Info("Telemetry system initialized", map[string]interface{}{
			"declared_modules":  declaredCount,
			"circuit_enabled":   registry.circuit != nil,
			"limiter_enabled":   registry.limiter != nil,
			"initialization_ms": time.Since(registry.startTime).Milliseconds(),
		})
	})
	return initErr
}

// newRegistry creates a telemetry registry with its subsystems.
func newRegistry(config Config) (*Registry, error) {
	startTime := time.Now()

	if config.Endpoint == "" {
		config.Endpoint = "localhost:4318"
	}
	if config.ServiceName == "" {
		config.ServiceName = "actionplane"
	}
	if config.CardinalityLimit == 0 {
		config.CardinalityLimit = 10000
	}

	provider, err := NewOTelProvider(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTel provider: %w", err)
	}

	limits := config.CardinalityLimits
	if limits == nil {
		limits = map[string]int{
			"platform":    16,
			"action_type": 100,
			"error_kind":  16,
			"reason":      32,
		}
	}

	r := &Registry{
		config:       config,
		provider:     provider,
		limiter:      NewCardinalityLimiter(limits),
		circuit:      NewTelemetryCircuitBreaker(config.CircuitBreaker),
		metrics:      provider.metrics,
		startTime:    startTime,
		errorLimiter: NewRateLimiter(1 * time.Second),
	}

	r.lastError.Store("")

	return r, nil
}

// registerModule pre-creates instruments for a module's declared metrics and
// records each metric's type so emission dispatches to the right instrument.
func (r *Registry) registerModule(_ string, config ModuleConfig) {
	ctx := context.Background()
	for _, m := range config.Metrics {
		r.provider.DefineMetric(m.Name, m.Type)
		switch m.Type {
		case "counter":
			_ = r.metrics.RecordCounter(ctx, m.Name, 0)
		case "updowncounter":
			_ = r.metrics.RecordUpDownCounter(ctx, m.Name, 0)
		case "histogram":
			_ = r.metrics.RecordHistogram(ctx, m.Name, 0)
		case "gauge":
			// Observable gauges need callbacks; created on first use.
		}
	}
}

// emit records one metric with all safety checks applied.
func (r *Registry) emit(name string, value float64, labels map[string]string) error {
	if r.circuit != nil && !r.circuit.Allow() {
		telemetryDropped.Add(1)
		return fmt.Errorf("telemetry circuit breaker open")
	}

	if r.limiter != nil {
		for key, val := range labels {
			limited := r.limiter.CheckAndLimit(name, key, val)
			if limited != val {
				labels[key] = limited
			}
		}
	}

	if r.provider != nil {
		r.provider.RecordMetric(name, value, labels)
		r.emitted.Add(1)

		if r.circuit != nil {
			r.circuit.RecordSuccess()
		}
	}

	return nil
}

// Emit records a metric. Thread-safe; a silent no-op before Initialize().
func Emit(name string, value float64, labels ...string) {
	r := loadRegistry()
	if r == nil {
		return
	}

	if err := r.emit(name, value, parseLabels(labels...)); err != nil {
		telemetryErrors.Add(1)
		r.lastError.Store(err.Error())

		if r.logger != nil && r.errorLimiter != nil && r.errorLimiter.Allow() {
			r.logger.Error("Failed to emit metric", map[string]interface{}{
				"metric": name,
				"value":  value,
				"error":  err.Error(),
			})
		}

		if r.circuit != nil {
			r.circuit.RecordFailure()
		}
	}
}

// EmitWithContext records a metric with the request-scoped baggage labels
// carried in ctx appended automatically.
func EmitWithContext(ctx context.Context, name string, value float64, labels ...string) {
	allLabels := appendBaggageToLabels(ctx, labels)
	defer returnLabelSlice(allLabels)

	Emit(name, value, allLabels...)
}

// loadRegistry returns the active registry, or nil before Initialize() and
// after Shutdown(). Shutdown stores a typed nil, which both paths handle.
func loadRegistry() *Registry {
	r, _ := globalRegistry.Load().(*Registry)
	return r
}

// parseLabels converts alternating key-value strings to a map.
// "k1", "v1", "k2", "v2" -> map[k1:v1 k2:v2]. A trailing key with no value
// is dropped.
func parseLabels(labels ...string) map[string]string {
	m := make(map[string]string)
	for i := 0; i+1 < len(labels); i += 2 {
		m[labels[i]] = labels[i+1]
	}
	return m
}

// Shutdown flushes and stops the telemetry system. Emit functions become
// no-ops once it returns.
func Shutdown(ctx context.Context) error {
	r := loadRegistry()
	if r == nil {
		return nil
	}

	if r.logger != nil {
		r.logger.Info("Shutting down telemetry system", map[string]interface{}{
			"total_emitted": r.emitted.Load(),
			"uptime_ms":     time.Since(r.startTime).Milliseconds(),
		})
	}

	if r.limiter != nil {
		r.limiter.Stop()
	}

	// Uninstall the core hook first so nothing emits mid-teardown.
	core.SetMetricsRegistry(nil)
	globalRegistry.Store((*Registry)(nil))

	if r.provider != nil {
		if err := r.provider.Shutdown(ctx); err != nil {
			if r.logger != nil {
				r.logger.Error("Error during provider shutdown", map[string]interface{}{
					"error": err.Error(),
				})
			}
			return err
		}
	}

	if r.logger != nil {
		r.logger.Info("Telemetry system shut down", nil)
	}

	return nil
}

// GetRegistry returns the current registry, or nil when uninitialized.
func GetRegistry() *Registry {
	return loadRegistry()
}

// GetTelemetryProvider returns the OTel provider as a core.Telemetry, for
// injecting span creation into components such as the orchestrator.
//
//	if provider := telemetry.GetTelemetryProvider(); provider != nil {
//	    orch.SetTelemetry(provider)
//	}
//
// Returns nil if telemetry is not initialized.
func GetTelemetryProvider() core.Telemetry {
	r := loadRegistry()
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider
}
