// This file provides trace context extraction for log correlation, plus
// helpers for span events and error recording.
//
// Log correlation:
//
//	tc := telemetry.GetTraceContext(ctx)
//	logger.Info("Executing action", map[string]interface{}{
//	    "action_id": act.ID,
//	    "trace_id":  tc.TraceID,
//	    "span_id":   tc.SpanID,
//	})
//
// Span events mark points in time within the execution pipeline:
//
//	telemetry.AddSpanEvent(ctx, "rate_token_acquired")
//	telemetry.AddSpanEvent(ctx, "fallback_dispatched",
//	    attribute.String("fallback_platform", "slack"),
//	)
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TraceContext holds trace and span identifiers for log correlation.
type TraceContext struct {
	// TraceID is the 32-character hex trace identifier
	TraceID string

	// SpanID is the 16-character hex span identifier
	SpanID string

	// Sampled indicates whether this trace is being recorded
	Sampled bool
}

// GetTraceContext extracts OpenTelemetry trace context from the context.
// Returns zero values if no valid trace context exists. This is the bridge
// between spans and structured logging: the extracted identifiers let log
// lines be joined to distributed traces.
func GetTraceContext(ctx context.Context) TraceContext {
	if ctx == nil {
		return TraceContext{}
	}

	span := trace.SpanFromContext(ctx)
	sc := span.SpanContext()

	if !sc.IsValid() {
		return TraceContext{}
	}

	return TraceContext{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
		Sampled: sc.IsSampled(),
	}
}

// HasTraceContext returns true if the context contains valid trace
// information.
func HasTraceContext(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	span := trace.SpanFromContext(ctx)
	return span.SpanContext().IsValid()
}

// AddSpanEvent adds a named event to the current span. Events mark
// meaningful points in time, such as "breaker_allowed" or
// "approval_requested". Safe to call when no span exists.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// RecordSpanError records an error on the current span and sets its status
// to Error. Safe to call when ctx is nil or err is nil.
func RecordSpanError(ctx context.Context, err error) {
	if ctx == nil || err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanAttributes adds attributes to the current span. Use for execution
// context that aids debugging:
//
//	telemetry.SetSpanAttributes(ctx,
//	    attribute.String("actionplane.platform", string(act.Platform)),
//	    attribute.String("actionplane.action_type", act.Type),
//	    attribute.Int("actionplane.attempt", attempt),
//	)
//
// Avoid high-cardinality values and never include credentials or redacted
// parameter values.
func SetSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	if ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// SetSpanStatus sets the status of the current span.
func SetSpanStatus(ctx context.Context, code codes.Code, description string) {
	if ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetStatus(code, description)
	}
}
