package resilience

import "github.com/actionplane/actionplane/telemetry"

// OTelMetricsCollector implements MetricsCollector through the telemetry
// package, recording the circuit_breaker.* series declared in
// instrumentation.go. The composition root passes it to NewManager; tests
// and bare setups run with the no-op default instead.
type OTelMetricsCollector struct{}

// NewOTelMetricsCollector creates the telemetry-backed collector.
func NewOTelMetricsCollector() *OTelMetricsCollector {
	return &OTelMetricsCollector{}
}

// RecordSuccess records a counted success.
func (o *OTelMetricsCollector) RecordSuccess(platform string) {
	telemetry.Counter("circuit_breaker.successes",
		"platform", platform,
	)
}

// RecordFailure records a counted failure.
func (o *OTelMetricsCollector) RecordFailure(platform string, errorKind string) {
	telemetry.Counter("circuit_breaker.failures",
		"platform", platform,
		"error_kind", errorKind,
	)
}

// RecordStateChange records a state transition and the resulting state
// value (0=closed, 0.5=half-open, 1=open).
func (o *OTelMetricsCollector) RecordStateChange(platform string, from, to string) {
	telemetry.Counter("circuit_breaker.state_changes",
		"platform", platform,
		"from_state", from,
		"to_state", to,
	)

	stateValue := 0.0
	switch to {
	case StateOpen.String():
		stateValue = 1.0
	case StateHalfOpen.String():
		stateValue = 0.5
	}
	telemetry.Gauge("circuit_breaker.current_state", stateValue,
		"platform", platform,
	)
}

// RecordRejection records an attempt refused by an open circuit.
func (o *OTelMetricsCollector) RecordRejection(platform string) {
	telemetry.Counter("circuit_breaker.rejected",
		"platform", platform,
	)
}

var _ MetricsCollector = (*OTelMetricsCollector)(nil)
