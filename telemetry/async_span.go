// This file provides linked-span creation for trace continuity across async
// boundaries. Actions are enqueued by the router and executed later by a
// worker; without explicit propagation the worker's spans would start a
// fresh trace and the original request journey would be lost.
//
// The router stores the TraceID and SpanID alongside the queued action. When
// a worker dequeues it, StartLinkedSpan creates a span linked back to the
// originating trace:
//
//	ctx, endSpan := telemetry.StartLinkedSpan(
//	    context.Background(),
//	    "action.execute",
//	    act.TraceID,
//	    act.ParentSpanID,
//	    map[string]string{"action_id": act.ID},
//	)
//	defer endSpan()
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// StartLinkedSpan creates a span linked to a stored trace context.
//
// Parameters:
//   - ctx: base context (typically context.Background() in workers)
//   - name: span name, e.g. "action.execute"
//   - traceID: W3C trace ID (32 hex chars) captured at enqueue time
//   - parentSpanID: span ID (16 hex chars) captured at enqueue time
//   - attributes: key-value pairs to attach to the span
//
// Returns the context carrying the new span and a func to end it. If the
// stored identifiers are empty or invalid the span is still created, just
// without the link, so trace loss degrades gracefully.
func StartLinkedSpan(
	ctx context.Context,
	name string,
	traceID string,
	parentSpanID string,
	attributes map[string]string,
) (context.Context, func()) {
	if ctx == nil {
		ctx = context.Background()
	}

	tracer := otel.Tracer(instrumentationName)

	opts := []trace.SpanStartOption{}

	if traceID != "" && parentSpanID != "" {
		tid, tidErr := trace.TraceIDFromHex(traceID)
		sid, sidErr := trace.SpanIDFromHex(parentSpanID)

		if tidErr == nil && sidErr == nil {
			parentSC := trace.NewSpanContext(trace.SpanContextConfig{
				TraceID: tid,
				SpanID:  sid,
				Remote:  true,
			})
			opts = append(opts, trace.WithLinks(trace.Link{
				SpanContext: parentSC,
				Attributes: []attribute.KeyValue{
					attribute.String("link.type", "queued_action"),
				},
			}))
		}
	}

	ctx, span := tracer.Start(ctx, name, opts...)

	for k, v := range attributes {
		span.SetAttributes(attribute.String(k, v))
	}

	return ctx, func() { span.End() }
}

// StartLinkedSpanWithKind is StartLinkedSpan with an explicit span kind.
// Workers consuming from the queue should pass trace.SpanKindConsumer so
// trace tooling renders the queue hop correctly.
func StartLinkedSpanWithKind(
	ctx context.Context,
	name string,
	traceID string,
	parentSpanID string,
	attributes map[string]string,
	spanKind trace.SpanKind,
) (context.Context, func()) {
	if ctx == nil {
		ctx = context.Background()
	}

	tracer := otel.Tracer(instrumentationName)

	opts := []trace.SpanStartOption{
		trace.WithSpanKind(spanKind),
	}

	if traceID != "" && parentSpanID != "" {
		tid, tidErr := trace.TraceIDFromHex(traceID)
		sid, sidErr := trace.SpanIDFromHex(parentSpanID)

		if tidErr == nil && sidErr == nil {
			parentSC := trace.NewSpanContext(trace.SpanContextConfig{
				TraceID: tid,
				SpanID:  sid,
				Remote:  true,
			})
			opts = append(opts, trace.WithLinks(trace.Link{
				SpanContext: parentSC,
				Attributes: []attribute.KeyValue{
					attribute.String("link.type", "queued_action"),
				},
			}))
		}
	}

	ctx, span := tracer.Start(ctx, name, opts...)

	for k, v := range attributes {
		span.SetAttributes(attribute.String(k, v))
	}

	return ctx, func() { span.End() }
}
