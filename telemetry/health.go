package telemetry

import (
	"encoding/json"
	"net/http"
	"time"
)

// Health reports the health of the telemetry system itself, so operators
// can distinguish "the orchestrator is failing" from "we lost the metrics
// pipeline watching it".
type Health struct {
	Enabled         bool   `json:"enabled"`
	MetricsEmitted  int64  `json:"metrics_emitted"`
	MetricsDropped  int64  `json:"metrics_dropped"`
	Errors          int64  `json:"errors"`
	LastError       string `json:"last_error,omitempty"`
	CircuitState    string `json:"circuit_state"`
	Uptime          string `json:"uptime"`
	CardinalityUsed int    `json:"cardinality_used"`
	CardinalityMax  int    `json:"cardinality_max"`
	Initialized     bool   `json:"initialized"`
}

// GetHealth returns the current health status of the telemetry system.
func GetHealth() Health {
	r := loadRegistry()
	if r == nil {
		return Health{
			Enabled:     false,
			Initialized: false,
		}
	}

	lastErr := ""
	if errVal := r.lastError.Load(); errVal != nil {
		if errStr, ok := errVal.(string); ok && errStr != "" {
			lastErr = errStr
		}
	}

	circuitState := "disabled"
	if r.circuit != nil {
		circuitState = r.circuit.State()
	}

	cardinalityUsed := 0
	cardinalityMax := 0
	if r.limiter != nil {
		cardinalityUsed = r.limiter.CurrentCardinality()
		cardinalityMax = r.limiter.MaxCardinality()
	}

	return Health{
		Enabled:         r.config.Enabled,
		MetricsEmitted:  r.emitted.Load(),
		MetricsDropped:  telemetryDropped.Load(),
		Errors:          telemetryErrors.Load(),
		LastError:       lastErr,
		CircuitState:    circuitState,
		Uptime:          time.Since(r.startTime).String(),
		CardinalityUsed: cardinalityUsed,
		CardinalityMax:  cardinalityMax,
		Initialized:     true,
	}
}

// HealthHandler is an http.HandlerFunc the host process can mount to expose
// telemetry health.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	health := GetHealth()
	w.Header().Set("Content-Type", "application/json")

	if !health.Enabled || !health.Initialized {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else if health.CircuitState == "open" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else if health.Errors > 0 && health.MetricsEmitted == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else if float64(health.Errors)/float64(health.MetricsEmitted+1) > 0.1 {
		// More than 10% error rate
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	_ = json.NewEncoder(w).Encode(health)
}

// InternalMetrics summarizes the telemetry system's own counters.
type InternalMetrics struct {
	Errors  int64 `json:"errors"`
	Dropped int64 `json:"dropped"`
	Emitted int64 `json:"emitted"`
}

// GetInternalMetrics returns internal telemetry counters.
func GetInternalMetrics() InternalMetrics {
	emitted := int64(0)
	if r := loadRegistry(); r != nil {
		emitted = r.emitted.Load()
	}

	return InternalMetrics{
		Errors:  telemetryErrors.Load(),
		Dropped: telemetryDropped.Load(),
		Emitted: emitted,
	}
}

// ResetInternalMetrics resets internal counters (useful for testing).
func ResetInternalMetrics() {
	telemetryErrors.Store(0)
	telemetryDropped.Store(0)

	if r := loadRegistry(); r != nil {
		r.emitted.Store(0)
	}
}
