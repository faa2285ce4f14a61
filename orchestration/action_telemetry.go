// Telemetry helpers for the action pipeline.
//
// Every lifecycle transition emits through one of these functions so the
// metric names, label sets, and span event attributes stay consistent across
// the router, workers, approval coordinator, and workflow engine.
package orchestration

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/actionplane/actionplane/core"
	"github.com/actionplane/actionplane/telemetry"
)

// ═══════════════════════════════════════════════════════════════════════════
// Admission
// ═══════════════════════════════════════════════════════════════════════════

// EmitActionQueued emits span event and metric when an action is admitted.
func EmitActionQueued(ctx context.Context, actionID, platform, priority string) {
	telemetry.Counter("orchestration.actions.queued",
		"platform", platform,
		"priority", priority,
	)

	telemetry.AddSpanEvent(ctx, "action.queued",
		attribute.String("action_id", actionID),
		attribute.String("platform", platform),
		attribute.String("priority", priority),
	)
}

// EmitActionRejected emits span event and metric when the router or queue
// refuses an action.
func EmitActionRejected(ctx context.Context, actionID, reason string) {
	telemetry.Counter("orchestration.actions.rejected",
		"reason", reason,
	)

	telemetry.AddSpanEvent(ctx, "action.rejected",
		attribute.String("action_id", actionID),
		attribute.String("reason", reason),
	)
}

// EmitQueueWait emits how long an action sat queued before a worker picked
// it up.
func EmitQueueWait(ctx context.Context, priority string, wait time.Duration) {
	telemetry.Histogram("orchestration.queue.wait_ms", float64(wait.Milliseconds()),
		"priority", priority,
	)

	telemetry.AddSpanEvent(ctx, "action.queue_wait",
		attribute.String("priority", priority),
		attribute.Int64("wait_ms", wait.Milliseconds()),
	)
}

// ═══════════════════════════════════════════════════════════════════════════
// Execution Attempts
// ═══════════════════════════════════════════════════════════════════════════

// EmitAttemptStarted emits span event and metric when one attempt against
// one platform begins.
func EmitAttemptStarted(ctx context.Context, actionID, platform string, attempt int) {
	telemetry.Counter("orchestration.attempts.started",
		"platform", platform,
	)

	telemetry.AddSpanEvent(ctx, "action.attempt_started",
		attribute.String("action_id", actionID),
		attribute.String("platform", platform),
		attribute.Int("attempt", attempt),
	)
}

// EmitActionRetrying emits span event and metrics before a backoff sleep.
// Attempt is the upcoming attempt number.
func EmitActionRetrying(ctx context.Context, actionID, platform string, attempt int, delay time.Duration, errorKind string) {
	telemetry.Counter("orchestration.attempts.retries",
		"platform", platform,
		"error_kind", errorKind,
	)
	telemetry.Histogram("orchestration.retry.delay_ms", float64(delay.Milliseconds()),
		"platform", platform,
	)

	telemetry.AddSpanEvent(ctx, "action.retrying",
		attribute.String("action_id", actionID),
		attribute.String("platform", platform),
		attribute.Int("attempt", attempt),
		attribute.Int64("delay_ms", delay.Milliseconds()),
		attribute.String("error_kind", errorKind),
	)
}

// EmitFallbackSkipped emits span event when a fallback chain entry is
// bypassed because its breaker is open. The attempt counter lives in the
// unified fallback metrics.
func EmitFallbackSkipped(ctx context.Context, actionID, platform string) {
	telemetry.AddSpanEvent(ctx, "action.fallback_skipped",
		attribute.String("action_id", actionID),
		attribute.String("platform", platform),
		attribute.String("cause", "breaker_open"),
	)
}

// ═══════════════════════════════════════════════════════════════════════════
// Terminal Outcomes
// ═══════════════════════════════════════════════════════════════════════════

// EmitActionCompleted emits span event and the unified execution metrics
// when an action succeeds.
func EmitActionCompleted(ctx context.Context, actionID, platform, actionType string, usedFallback bool, startedAt time.Time) {
	durationMs := float64(0)
	if !startedAt.IsZero() {
		durationMs = float64(time.Since(startedAt).Milliseconds())
	}
	telemetry.RecordActionExecution(platform, actionType, durationMs, "success")

	telemetry.AddSpanEvent(ctx, "action.completed",
		attribute.String("action_id", actionID),
		attribute.String("platform", platform),
		attribute.Bool("used_fallback", usedFallback),
		attribute.Float64("duration_ms", durationMs),
	)
}

// EmitActionFailed emits span event and the unified execution metrics when
// an action exhausts its options.
func EmitActionFailed(ctx context.Context, actionID, platform, actionType, errorKind string, fallbackAttempted bool, startedAt time.Time) {
	durationMs := float64(0)
	if !startedAt.IsZero() {
		durationMs = float64(time.Since(startedAt).Milliseconds())
	}
	telemetry.RecordActionExecution(platform, actionType, durationMs, "error")
	telemetry.RecordActionError(platform, actionType, errorKind)

	telemetry.AddSpanEvent(ctx, "action.failed",
		attribute.String("action_id", actionID),
		attribute.String("platform", platform),
		attribute.String("error_kind", errorKind),
		attribute.Bool("fallback_attempted", fallbackAttempted),
	)
}

// ═══════════════════════════════════════════════════════════════════════════
// Idempotency
// ═══════════════════════════════════════════════════════════════════════════

// EmitIdempotencyHit emits span event and metric when a duplicate submission
// is answered from the result cache.
func EmitIdempotencyHit(ctx context.Context, actionID, platform string) {
	telemetry.Counter("orchestration.idempotency.hits",
		"platform", platform,
	)

	telemetry.AddSpanEvent(ctx, "action.idempotency_hit",
		attribute.String("action_id", actionID),
		attribute.String("platform", platform),
	)
}

// EmitIdempotencyJoin emits span event and metric when a duplicate blocks on
// an in-flight execution instead of starting its own.
func EmitIdempotencyJoin(ctx context.Context, actionID, platform string) {
	telemetry.Counter("orchestration.idempotency.joins",
		"platform", platform,
	)

	telemetry.AddSpanEvent(ctx, "action.idempotency_join",
		attribute.String("action_id", actionID),
		attribute.String("platform", platform),
	)
}

// ═══════════════════════════════════════════════════════════════════════════
// Approvals
// ═══════════════════════════════════════════════════════════════════════════

// EmitApprovalRequested emits span event and metric when an action detours
// to human review.
func EmitApprovalRequested(ctx context.Context, actionID, reviewID, reason string) {
	telemetry.Counter("orchestration.approvals.requested")

	telemetry.AddSpanEvent(ctx, "approval.requested",
		attribute.String("action_id", actionID),
		attribute.String("review_id", reviewID),
		attribute.String("reason", reason),
	)
}

// EmitApprovalDecided emits span event when a review reaches a terminal
// status. The decision counter lives in the unified approval metrics.
func EmitApprovalDecided(ctx context.Context, reviewID, status, source string) {
	telemetry.AddSpanEvent(ctx, "approval.decided",
		attribute.String("review_id", reviewID),
		attribute.String("status", status),
		attribute.String("source", source),
	)
}

// ═══════════════════════════════════════════════════════════════════════════
// Workers
// ═══════════════════════════════════════════════════════════════════════════

// EmitWorkerStarted emits event when a worker starts.
func EmitWorkerStarted(workerID string, workerCount int) {
	telemetry.Counter("orchestration.workers.started",
		"worker_id", workerID,
	)
	telemetry.Gauge("orchestration.workers.active", float64(workerCount))
}

// EmitWorkerStopped emits event when a worker stops.
func EmitWorkerStopped(workerID string, workerCount int) {
	telemetry.Counter("orchestration.workers.stopped",
		"worker_id", workerID,
	)
	telemetry.Gauge("orchestration.workers.active", float64(workerCount))
}

// EmitWorkerPanic emits event when a worker recovers a panic out of an
// action execution.
func EmitWorkerPanic(ctx context.Context, actionID string, panicValue interface{}) {
	telemetry.Counter("orchestration.workers.panics")

	telemetry.AddSpanEvent(ctx, "worker.panic",
		attribute.String("action_id", actionID),
		attribute.String("panic", fmt.Sprintf("%v", panicValue)),
	)
}

// ═══════════════════════════════════════════════════════════════════════════
// Workflows
// ═══════════════════════════════════════════════════════════════════════════

// EmitWorkflowSubmitted emits span event and metric when a workflow run
// starts.
func EmitWorkflowSubmitted(ctx context.Context, workflowID, runID string, steps int) {
	telemetry.Counter("orchestration.workflows.submitted")

	telemetry.AddSpanEvent(ctx, "workflow.submitted",
		attribute.String("workflow_id", workflowID),
		attribute.String("run_id", runID),
		attribute.Int("steps", steps),
	)
}

// EmitWorkflowDuplicate emits span event and metric when a submission joins
// an in-flight run or returns a cached one.
func EmitWorkflowDuplicate(ctx context.Context, workflowID string) {
	telemetry.Counter("orchestration.workflows.deduplicated")

	telemetry.AddSpanEvent(ctx, "workflow.deduplicated",
		attribute.String("workflow_id", workflowID),
	)
}

// EmitWorkflowStepCompleted emits span event and metric when a step
// finishes successfully.
func EmitWorkflowStepCompleted(ctx context.Context, workflowID, stepName string, platform core.Platform) {
	telemetry.Counter("orchestration.workflows.steps_completed",
		"platform", string(platform),
	)

	telemetry.AddSpanEvent(ctx, "workflow.step_completed",
		attribute.String("workflow_id", workflowID),
		attribute.String("step", stepName),
		attribute.String("platform", string(platform)),
	)
}

// EmitWorkflowStepFailed emits span event and metric when a step fails
// terminally.
func EmitWorkflowStepFailed(ctx context.Context, workflowID, stepName, errorKind string) {
	telemetry.Counter("orchestration.workflows.steps_failed",
		"error_kind", errorKind,
	)

	telemetry.AddSpanEvent(ctx, "workflow.step_failed",
		attribute.String("workflow_id", workflowID),
		attribute.String("step", stepName),
		attribute.String("error_kind", errorKind),
	)
}

// EmitWorkflowFinished emits span event and metrics when a run reaches a
// terminal status.
func EmitWorkflowFinished(ctx context.Context, workflowID, status string, duration time.Duration) {
	telemetry.Counter("orchestration.workflows.finished",
		"status", status,
	)
	telemetry.Histogram("orchestration.workflows.duration_ms", float64(duration.Milliseconds()),
		"status", status,
	)

	telemetry.AddSpanEvent(ctx, "workflow.finished",
		attribute.String("workflow_id", workflowID),
		attribute.String("status", status),
		attribute.Int64("duration_ms", duration.Milliseconds()),
	)
}

// ═══════════════════════════════════════════════════════════════════════════
// Rollback
// ═══════════════════════════════════════════════════════════════════════════

// EmitRollbackStarted emits span event and metric when a transactional run
// begins unwinding.
func EmitRollbackStarted(ctx context.Context, workflowID string) {
	telemetry.Counter("orchestration.rollbacks.started")

	telemetry.AddSpanEvent(ctx, "workflow.rollback_started",
		attribute.String("workflow_id", workflowID),
	)
}

// EmitRollbackStep emits span event and metric for one compensator outcome.
func EmitRollbackStep(ctx context.Context, workflowID string, platform core.Platform, status string) {
	telemetry.Counter("orchestration.rollbacks.steps",
		"platform", string(platform),
		"status", status,
	)

	telemetry.AddSpanEvent(ctx, "workflow.rollback_step",
		attribute.String("workflow_id", workflowID),
		attribute.String("platform", string(platform)),
		attribute.String("status", status),
	)
}

// EmitRollbackFinished emits span event and metric when the unwind ends.
func EmitRollbackFinished(ctx context.Context, workflowID, status string, compensated int) {
	telemetry.Counter("orchestration.rollbacks.finished",
		"status", status,
	)

	telemetry.AddSpanEvent(ctx, "workflow.rollback_finished",
		attribute.String("workflow_id", workflowID),
		attribute.String("status", status),
		attribute.Int("compensated", compensated),
	)
}

// ═══════════════════════════════════════════════════════════════════════════
// Journal
// ═══════════════════════════════════════════════════════════════════════════

// EmitJournalReplay emits span event and metrics after a recovery replay.
func EmitJournalReplay(ctx context.Context, records, restored int, duration time.Duration) {
	telemetry.Counter("orchestration.journal.replays")
	telemetry.Histogram("orchestration.journal.replay_ms", float64(duration.Milliseconds()))

	telemetry.AddSpanEvent(ctx, "journal.replay",
		attribute.Int("records", records),
		attribute.Int("restored", restored),
		attribute.Int64("duration_ms", duration.Milliseconds()),
	)
}
