package core

import (
	"context"
)

// Logger interface - minimal logging interface
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// Telemetry interface - optional telemetry support
type Telemetry interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	RecordMetric(name string, value float64, labels map[string]string)
}

// Span represents a telemetry span
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// PlatformClient is the uniform adapter surface for an external platform.
// One implementation exists per platform tag; the orchestration layer
// addresses them through a registry keyed by Platform.
//
// Contract requirements for implementations:
//   - Translate every transport-level failure into the ErrorKind taxonomy
//     (return an *OrchestrationError or wrap a sentinel) so upstream layers
//     never inspect vendor-specific errors.
//   - Never retry internally. Retry policy belongs to the executor pipeline.
//   - Honor ctx cancellation and deadline; a deadline overrun must surface
//     as a timeout-kind error.
type PlatformClient interface {
	// Execute performs one external side effect of the given action type.
	Execute(ctx context.Context, actionType string, params map[string]interface{}) (*ExecuteResult, error)

	// HealthCheck reports whether the platform is currently reachable.
	HealthCheck(ctx context.Context) error
}

// Compensator is an optional capability of a PlatformClient. Clients that
// implement it can reverse a previously executed action, which the workflow
// engine uses for transactional rollback. Detected by type assertion.
type Compensator interface {
	Compensate(ctx context.Context, actionType string, externalID string, params map[string]interface{}) (*ExecuteResult, error)
}

// FieldMasker is an optional capability of a PlatformClient. Clients declare
// parameter keys whose values must be redacted from logs, events, and journal
// records. Detected by type assertion.
type FieldMasker interface {
	MaskedFields() []string
}

// Default no-op implementations

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// NoOpTelemetry provides a no-op telemetry implementation
type NoOpTelemetry struct{}

func (n *NoOpTelemetry) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, &NoOpSpan{}
}

func (n *NoOpTelemetry) RecordMetric(name string, value float64, labels map[string]string) {}

// NoOpSpan provides a no-op span implementation
type NoOpSpan struct{}

func (n *NoOpSpan) End()                                       {}
func (n *NoOpSpan) SetAttribute(key string, value interface{}) {}
func (n *NoOpSpan) RecordError(err error)                      {}
