package telemetry

import (
	"context"

	"github.com/actionplane/actionplane/core"
)

// FrameworkMetricsRegistry implements core.MetricsRegistry, letting core
// components (the Redis client, stores) emit metrics without importing this
// package.
type FrameworkMetricsRegistry struct {
	logger *TelemetryLogger
}

// NewFrameworkMetricsRegistry creates a new framework metrics registry.
func NewFrameworkMetricsRegistry(logger *TelemetryLogger) *FrameworkMetricsRegistry {
	return &FrameworkMetricsRegistry{
		logger: logger,
	}
}

// Counter implements core.MetricsRegistry.
func (f *FrameworkMetricsRegistry) Counter(name string, labels ...string) {
	if f.logger != nil && f.logger.debug {
		f.logger.Debug("Core metric emission", map[string]interface{}{
			"metric_name": name,
			"type":        "counter",
			"label_count": len(labels) / 2,
			"source":      "core",
		})
	}

	Emit(name, 1.0, labels...)
}

// EmitWithContext implements core.MetricsRegistry.
func (f *FrameworkMetricsRegistry) EmitWithContext(ctx context.Context, name string, value float64, labels ...string) {
	if f.logger != nil && f.logger.debug {
		bag := GetBaggage(ctx)
		correlationID := ""
		if bag != nil {
			correlationID = bag["correlation_id"]
		}

		f.logger.Debug("Core context-aware emission", map[string]interface{}{
			"metric_name":    name,
			"value":          value,
			"has_baggage":    len(bag) > 0,
			"correlation_id": correlationID,
			"label_count":    len(labels) / 2,
			"source":         "core",
		})
	}

	EmitWithContext(ctx, name, value, labels...)
}

// GetBaggage implements core.MetricsRegistry.
func (f *FrameworkMetricsRegistry) GetBaggage(ctx context.Context) map[string]string {
	return GetBaggage(ctx)
}

// EnableFrameworkIntegration registers the telemetry sink with core.
// Called by Initialize once the registry is live.
func EnableFrameworkIntegration(logger *TelemetryLogger) {
	registry := NewFrameworkMetricsRegistry(logger)

	core.SetMetricsRegistry(registry)

	if logger != nil {
		logger.Info("Framework integration enabled", map[string]interface{}{
			"integration": "core.MetricsRegistry",
			"impact":      "Core components can now emit metrics",
		})
	}
}
