package orchestration

import "github.com/actionplane/actionplane/telemetry"

func init() {
	// ONLY declare metrics, don't initialize
	telemetry.DeclareMetrics("orchestration", telemetry.ModuleConfig{
		Metrics: []telemetry.MetricDefinition{
			{
				Name:   "orchestration.actions.queued",
				Type:   "counter",
				Help:   "Actions admitted to the work queue",
				Labels: []string{"platform", "priority"},
			},
			{
				Name:   "orchestration.actions.rejected",
				Type:   "counter",
				Help:   "Actions refused at admission or evicted",
				Labels: []string{"reason"},
			},
			{
				Name:   "orchestration.actions.inflight",
				Type:   "updowncounter",
				Help:   "Actions currently held by workers",
				Labels: []string{"platform"},
			},
			{
				Name:    "orchestration.queue.wait_ms",
				Type:    "histogram",
				Help:    "Time from enqueue to dequeue in milliseconds",
				Labels:  []string{"priority"},
				Unit:    "ms",
				Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000, 30000},
			},
			{
				Name:   "orchestration.attempts.started",
				Type:   "counter",
				Help:   "Platform attempts begun, including retries",
				Labels: []string{"platform"},
			},
			{
				Name:   "orchestration.attempts.retries",
				Type:   "counter",
				Help:   "Retries scheduled by error kind",
				Labels: []string{"platform", "error_kind"},
			},
			{
				Name:    "orchestration.retry.delay_ms",
				Type:    "histogram",
				Help:    "Backoff delay before a retry in milliseconds",
				Labels:  []string{"platform"},
				Unit:    "ms",
				Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
			},
			{
				Name:   "orchestration.idempotency.hits",
				Type:   "counter",
				Help:   "Duplicate submissions answered from cache",
				Labels: []string{"platform"},
			},
			{
				Name:   "orchestration.idempotency.joins",
				Type:   "counter",
				Help:   "Duplicate submissions joined to an in-flight execution",
				Labels: []string{"platform"},
			},
			{
				Name: "orchestration.approvals.requested",
				Type: "counter",
				Help: "Actions detoured to human review",
			},
			{
				Name:   "orchestration.workers.started",
				Type:   "counter",
				Help:   "Worker goroutines started",
				Labels: []string{"worker_id"},
			},
			{
				Name:   "orchestration.workers.stopped",
				Type:   "counter",
				Help:   "Worker goroutines stopped",
				Labels: []string{"worker_id"},
			},
			{
				Name: "orchestration.workers.active",
				Type: "gauge",
				Help: "Workers currently running",
			},
			{
				Name: "orchestration.workers.panics",
				Type: "counter",
				Help: "Panics recovered from action execution",
			},
			{
				Name: "orchestration.workflows.submitted",
				Type: "counter",
				Help: "Workflow runs started",
			},
			{
				Name: "orchestration.workflows.deduplicated",
				Type: "counter",
				Help: "Workflow submissions answered by an existing run",
			},
			{
				Name:   "orchestration.workflows.steps_completed",
				Type:   "counter",
				Help:   "Workflow steps finished successfully",
				Labels: []string{"platform"},
			},
			{
				Name:   "orchestration.workflows.steps_failed",
				Type:   "counter",
				Help:   "Workflow steps failed terminally",
				Labels: []string{"error_kind"},
			},
			{
				Name:   "orchestration.workflows.finished",
				Type:   "counter",
				Help:   "Workflow runs by terminal status",
				Labels: []string{"status"},
			},
			{
				Name:    "orchestration.workflows.duration_ms",
				Type:    "histogram",
				Help:    "Workflow run duration in milliseconds",
				Labels:  []string{"status"},
				Unit:    "ms",
				Buckets: []float64{100, 500, 1000, 5000, 10000, 30000, 60000, 300000},
			},
			{
				Name: "orchestration.rollbacks.started",
				Type: "counter",
				Help: "Transactional rollbacks begun",
			},
			{
				Name:   "orchestration.rollbacks.steps",
				Type:   "counter",
				Help:   "Compensator invocations by outcome",
				Labels: []string{"platform", "status"},
			},
			{
				Name:   "orchestration.rollbacks.finished",
				Type:   "counter",
				Help:   "Rollbacks by terminal status",
				Labels: []string{"status"},
			},
			{
				Name:   "orchestration.journal.appends",
				Type:   "counter",
				Help:   "Journal records appended",
				Labels: []string{"backend", "kind"},
			},
			{
				Name:   "orchestration.journal.bytes",
				Type:   "counter",
				Help:   "Journal bytes written",
				Labels: []string{"backend"},
				Unit:   "bytes",
			},
			{
				Name: "orchestration.journal.replays",
				Type: "counter",
				Help: "Recovery replays performed",
			},
			{
				Name:    "orchestration.journal.replay_ms",
				Type:    "histogram",
				Help:    "Recovery replay duration in milliseconds",
				Unit:    "ms",
				Buckets: []float64{10, 50, 100, 500, 1000, 5000, 30000},
			},
		},
	})
}
