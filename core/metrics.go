package core

import (
	"context"
	"sync/atomic"
)

// MetricsRegistry is the hook through which core components emit metrics
// without importing the telemetry package. The telemetry package installs
// an implementation during its Initialize, and removes it on Shutdown.
//
// Labels are passed as alternating key-value pairs:
//
//	registry.Counter("redis.operations", "operation", "get", "status", "error")
type MetricsRegistry interface {
	// Counter increments a counter metric by 1.
	Counter(name string, labels ...string)

	// EmitWithContext records a metric with context correlation. Request
	// scoped labels carried in the context (baggage) are appended.
	EmitWithContext(ctx context.Context, name string, value float64, labels ...string)

	// GetBaggage returns the request-scoped labels carried in ctx, or nil.
	GetBaggage(ctx context.Context) map[string]string
}

// metricsRegistry holds the installed sink. A small box struct keeps the
// stored concrete type stable so atomic.Value accepts both real
// implementations and nil (uninstall).
var metricsRegistry atomic.Value // metricsRegistryBox

type metricsRegistryBox struct {
	registry MetricsRegistry
}

// SetMetricsRegistry installs the process-wide metrics sink. Passing nil
// uninstalls it, turning core metric emission into a no-op.
func SetMetricsRegistry(r MetricsRegistry) {
	metricsRegistry.Store(metricsRegistryBox{registry: r})
}

// GetMetricsRegistry returns the installed metrics sink, or nil when
// telemetry has not been initialized.
func GetMetricsRegistry() MetricsRegistry {
	if v := metricsRegistry.Load(); v != nil {
		return v.(metricsRegistryBox).registry
	}
	return nil
}

// emitMetric is the internal helper core components use. Safe to call at
// any time; it is a no-op until a registry is installed.
func emitMetric(name string, labels ...string) {
	if r := GetMetricsRegistry(); r != nil {
		r.Counter(name, labels...)
	}
}
