// Package telemetry provides simple, production-ready metrics emission.
// The API is designed with progressive disclosure:
// Level 1 (this file) covers 90% of use cases with simple functions.
// Level 2 adds type-specific helpers.
// Level 3 (EmitWithOptions) provides full control when needed.
package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrNotInitialized is returned by operations that need a live registry
// before Initialize() has been called.
var ErrNotInitialized = errors.New("telemetry not initialized")

// Level 1: Dead simple API (90% of usage)

// Counter increments a counter metric by 1.
// Use for counting events: executions, rejections, retries, etc.
// Labels are key-value pairs.
// Example: Counter("executor.actions.total", "platform", "slack", "status", "success")
func Counter(name string, labels ...string) {
	Emit(name, 1, labels...)
}

// Histogram records a value in a distribution.
// Use for latencies, backoff delays, queue wait times, etc.
// The telemetry backend calculates percentiles automatically.
// Example: Histogram("executor.duration_ms", 125.3, "platform", "notion")
func Histogram(name string, value float64, labels ...string) {
	Emit(name, value, labels...)
}

// Gauge records a current-value metric: queue depth, pending reviews,
// tokens remaining. Declare the metric with Type "gauge" and it records
// through the histogram pipeline, which avoids the callback ceremony
// OpenTelemetry observable gauges require. For sampled-at-collection
// gauges use RegisterGauge instead.
func Gauge(name string, value float64, labels ...string) {
	Emit(name, value, labels...)
}

// Duration records elapsed time since startTime in milliseconds.
// Example:
//
//	start := time.Now()
//	defer Duration("workflow.step.duration_ms", start, "step", step.Name)
func Duration(name string, startTime time.Time, labels ...string) {
	ms := float64(time.Since(startTime).Milliseconds())
	Emit(name, ms, labels...)
}

// Level 2: Type-specific helpers (9% of usage)

// RecordError records an error occurrence with kind classification.
func RecordError(name string, errorKind string, labels ...string) {
	allLabels := append(labels, "error_kind", errorKind)
	Counter(name, allLabels...)
}

// RecordSuccess records a successful operation.
func RecordSuccess(name string, labels ...string) {
	allLabels := append(labels, "status", "success")
	Counter(name, allLabels...)
}

// RecordLatency records operation latency with a coarse bucket label for
// cheap aggregation.
func RecordLatency(name string, milliseconds float64, labels ...string) {
	bucket := getLatencyBucket(milliseconds)
	allLabels := append(labels, "latency_bucket", bucket)
	Histogram(name, milliseconds, allLabels...)
}

// RecordBytes records byte counts, such as journal record sizes.
func RecordBytes(name string, bytes int64, labels ...string) {
	Emit(name, float64(bytes), labels...)
}

// TrackInFlight adjusts an up-down counter tracking concurrent work, such
// as actions currently executing. Pass positive delta on start, negative
// on completion.
func TrackInFlight(name string, delta int, labels ...string) {
	r := loadRegistry()
	if r == nil {
		return
	}
	_ = r.metrics.RecordUpDownCounter(context.Background(), name, int64(delta),
		metric.WithAttributes(labelAttrs(labels...)...))
}

// RegisterGauge registers an observable gauge sampled at collection time.
// Use for values that are cheap to read on demand, like queue depth:
//
//	telemetry.RegisterGauge("queue.depth", func(ctx context.Context, o metric.Observer) error {
//	    o.ObserveFloat64(gauge, float64(q.Len()))
//	    return nil
//	})
//
// Returns an error if telemetry is not initialized or the name is taken.
func RegisterGauge(name string, callback metric.Callback, opts ...metric.Float64ObservableGaugeOption) error {
	r := loadRegistry()
	if r == nil {
		return ErrNotInitialized
	}
	return r.metrics.RegisterGauge(name, callback, opts...)
}

// UnregisterGauge removes a previously registered observable gauge.
func UnregisterGauge(name string) error {
	r := loadRegistry()
	if r == nil {
		return ErrNotInitialized
	}
	return r.metrics.UnregisterGauge(name)
}

// Level 3: Full control API (1% of usage)

// EmitOption configures advanced emission options.
type EmitOption func(*emitConfig)

// emitConfig holds advanced emission configuration.
type emitConfig struct {
	labels     map[string]string
	unit       Unit
	sampleRate float64
}

// Unit represents a metric unit.
type Unit string

const (
	UnitMilliseconds Unit = "ms"
	UnitBytes        Unit = "bytes"
	UnitPercent      Unit = "percent"
	UnitCount        Unit = "count"
)

// EmitWithOptions provides full control over metric emission, including
// client-side sampling for very hot paths.
func EmitWithOptions(ctx context.Context, name string, value float64, opts ...EmitOption) {
	cfg := &emitConfig{
		labels:     make(map[string]string),
		sampleRate: 1.0,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.sampleRate < 1.0 && !shouldSample(cfg.sampleRate) {
		return
	}

	var labelPairs []string
	for k, v := range cfg.labels {
		labelPairs = append(labelPairs, k, v)
	}

	EmitWithContext(ctx, name, value, labelPairs...)
}

// WithUnit sets the metric unit.
func WithUnit(u Unit) EmitOption {
	return func(c *emitConfig) { c.unit = u }
}

// WithLabels adds multiple labels at once.
func WithLabels(labels map[string]string) EmitOption {
	return func(c *emitConfig) {
		for k, v := range labels {
			c.labels[k] = v
		}
	}
}

// WithLabel adds a single label.
func WithLabel(key, value string) EmitOption {
	return func(c *emitConfig) {
		c.labels[key] = value
	}
}

// WithSampleRate sets a client-side sample rate (0.0-1.0).
func WithSampleRate(rate float64) EmitOption {
	return func(c *emitConfig) { c.sampleRate = rate }
}

// Helper functions

// getLatencyBucket returns a human-readable latency bucket.
func getLatencyBucket(ms float64) string {
	switch {
	case ms < 1:
		return "<1ms"
	case ms < 10:
		return "1-10ms"
	case ms < 100:
		return "10-100ms"
	case ms < 1000:
		return "100ms-1s"
	case ms < 10000:
		return "1-10s"
	default:
		return ">10s"
	}
}

// shouldSample determines if a metric should be kept at the given rate.
func shouldSample(rate float64) bool {
	if rate >= 1.0 {
		return true
	}
	if rate <= 0.0 {
		return false
	}
	return time.Now().UnixNano()%100 < int64(rate*100)
}

// labelAttrs converts alternating key-value strings to OTel attributes.
func labelAttrs(labels ...string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}

// TimeOperation times an operation and records its duration on completion.
//
//	defer telemetry.TimeOperation("router.route.duration_ms", "platform", string(p))()
func TimeOperation(name string, labels ...string) func() {
	start := time.Now()
	return func() {
		Duration(name, start, labels...)
	}
}
