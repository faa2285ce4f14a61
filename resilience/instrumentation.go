package resilience

import "github.com/actionplane/actionplane/telemetry"

func init() {
	// ONLY declare metrics, don't initialize
	telemetry.DeclareMetrics("circuit_breaker", telemetry.ModuleConfig{
		Metrics: []telemetry.MetricDefinition{
			{
				Name:   "circuit_breaker.successes",
				Type:   "counter",
				Help:   "Counted successes per platform",
				Labels: []string{"platform"},
			},
			{
				Name:   "circuit_breaker.failures",
				Type:   "counter",
				Help:   "Counted failures per platform",
				Labels: []string{"platform", "error_kind"},
			},
			{
				Name:   "circuit_breaker.state_changes",
				Type:   "counter",
				Help:   "Circuit breaker state transitions",
				Labels: []string{"platform", "from_state", "to_state"},
			},
			{
				Name:   "circuit_breaker.current_state",
				Type:   "gauge",
				Help:   "Current circuit breaker state (0=closed, 0.5=half-open, 1=open)",
				Labels: []string{"platform"},
			},
			{
				Name:   "circuit_breaker.rejected",
				Type:   "counter",
				Help:   "Attempts rejected by an open circuit",
				Labels: []string{"platform"},
			},
		},
	})

	telemetry.DeclareMetrics("rate_limiter", telemetry.ModuleConfig{
		Metrics: []telemetry.MetricDefinition{
			{
				Name:   "rate_limiter.acquired",
				Type:   "counter",
				Help:   "Tokens granted per platform",
				Labels: []string{"platform"},
			},
			{
				Name:   "rate_limiter.timeouts",
				Type:   "counter",
				Help:   "Acquires abandoned because the deadline preceded the next token",
				Labels: []string{"platform"},
			},
			{
				Name:    "rate_limiter.wait_ms",
				Type:    "histogram",
				Help:    "Time spent waiting for a token",
				Labels:  []string{"platform"},
				Unit:    "ms",
				Buckets: []float64{1, 10, 100, 1000, 10000},
			},
		},
	})
}
