// This file defines the unified action-execution metrics contract. The
// executor, fallback dispatcher, and approval coordinator all emit through
// these helpers so dashboards see one consistent metric family regardless
// of which component handled the action.
package telemetry

// Unified metric names. Emit through the Record* helpers below rather than
// using these directly so the label sets stay consistent.
const (
	MetricActionDuration = "action.execution.duration_ms"
	MetricActionTotal    = "action.execution.total"
	MetricActionErrors   = "action.execution.errors"

	MetricPlatformCallDuration = "platform.call.duration_ms"
	MetricPlatformCallTotal    = "platform.call.total"
	MetricPlatformCallErrors   = "platform.call.errors"

	MetricFallbackAttempts = "fallback.attempts"
	MetricFallbackUsed     = "fallback.used"

	MetricApprovalDecisions = "approval.decisions"
	MetricApprovalPending   = "approval.pending"
)

// RecordActionExecution records the end-to-end outcome of one action
// through the pipeline, including retries and fallback.
//
//	start := time.Now()
//	res, err := exec.Execute(ctx, act)
//	status := "success"
//	if err != nil { status = "error" }
//	telemetry.RecordActionExecution(string(act.Platform), act.Type,
//	    float64(time.Since(start).Milliseconds()), status)
func RecordActionExecution(platform, actionType string, durationMs float64, status string) {
	Histogram(MetricActionDuration, durationMs,
		"platform", platform,
		"action_type", actionType,
		"status", status,
	)
	Counter(MetricActionTotal,
		"platform", platform,
		"action_type", actionType,
		"status", status,
	)
}

// RecordActionError records a failed action with its classified kind.
func RecordActionError(platform, actionType, errorKind string) {
	Counter(MetricActionErrors,
		"platform", platform,
		"action_type", actionType,
		"error_kind", errorKind,
	)
}

// RecordPlatformCall records one adapter invocation (a single attempt, not
// the whole retry budget).
func RecordPlatformCall(platform string, durationMs float64, status string) {
	Histogram(MetricPlatformCallDuration, durationMs,
		"platform", platform,
		"status", status,
	)
	Counter(MetricPlatformCallTotal,
		"platform", platform,
		"status", status,
	)
}

// RecordPlatformCallError records a failed adapter invocation by kind.
func RecordPlatformCallError(platform, errorKind string) {
	Counter(MetricPlatformCallErrors,
		"platform", platform,
		"error_kind", errorKind,
	)
}

// RecordFallbackAttempt records one step through a fallback chain.
func RecordFallbackAttempt(fromPlatform, toPlatform, status string) {
	Counter(MetricFallbackAttempts,
		"from_platform", fromPlatform,
		"to_platform", toPlatform,
		"status", status,
	)
}

// RecordFallbackUsed records an action that ultimately completed on a
// fallback platform.
func RecordFallbackUsed(fromPlatform, toPlatform string) {
	Counter(MetricFallbackUsed,
		"from_platform", fromPlatform,
		"to_platform", toPlatform,
	)
}

// RecordApprovalDecision records the resolution of a pending review.
// source is "reviewer" or "system" (timeout policies).
func RecordApprovalDecision(decision, source string) {
	Counter(MetricApprovalDecisions,
		"decision", decision,
		"source", source,
	)
}

// RecordApprovalPending adjusts the pending-review gauge. Pass +1 on
// enqueue, -1 on resolution.
func RecordApprovalPending(delta int) {
	TrackInFlight(MetricApprovalPending, delta)
}

// init declares the unified metrics with types and buckets.
func init() {
	DeclareMetrics("actions", ModuleConfig{
		Metrics: []MetricDefinition{
			{
				Name:    MetricActionDuration,
				Type:    "histogram",
				Help:    "End-to-end action execution duration in milliseconds",
				Labels:  []string{"platform", "action_type", "status"},
				Unit:    "ms",
				Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000, 30000},
			},
			{
				Name:   MetricActionTotal,
				Type:   "counter",
				Help:   "Total actions executed",
				Labels: []string{"platform", "action_type", "status"},
			},
			{
				Name:   MetricActionErrors,
				Type:   "counter",
				Help:   "Action failures by error kind",
				Labels: []string{"platform", "action_type", "error_kind"},
			},

			{
				Name:    MetricPlatformCallDuration,
				Type:    "histogram",
				Help:    "Single adapter call duration in milliseconds",
				Labels:  []string{"platform", "status"},
				Unit:    "ms",
				Buckets: []float64{10, 50, 100, 500, 1000, 5000},
			},
			{
				Name:   MetricPlatformCallTotal,
				Type:   "counter",
				Help:   "Total adapter calls",
				Labels: []string{"platform", "status"},
			},
			{
				Name:   MetricPlatformCallErrors,
				Type:   "counter",
				Help:   "Adapter call failures by error kind",
				Labels: []string{"platform", "error_kind"},
			},

			{
				Name:   MetricFallbackAttempts,
				Type:   "counter",
				Help:   "Fallback chain steps attempted",
				Labels: []string{"from_platform", "to_platform", "status"},
			},
			{
				Name:   MetricFallbackUsed,
				Type:   "counter",
				Help:   "Actions completed on a fallback platform",
				Labels: []string{"from_platform", "to_platform"},
			},

			{
				Name:   MetricApprovalDecisions,
				Type:   "counter",
				Help:   "Review resolutions by decision and source",
				Labels: []string{"decision", "source"},
			},
			{
				Name:   MetricApprovalPending,
				Type:   "updowncounter",
				Help:   "Reviews currently awaiting a decision",
			},
		},
	})
}
