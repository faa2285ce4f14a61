// Package events implements the in-process typed pub/sub plane the
// orchestrator communicates through. The decision producer publishes
// action:ready and workflow:submit events inbound; the orchestrator emits
// lifecycle events outbound. Consumers subscribe to the kinds they care
// about and receive envelopes on buffered channels.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/actionplane/actionplane/core"
)

// Kind names one event type on the bus.
type Kind string

// Inbound events published by the decision producer.
const (
	// ActionReady carries one core.ActionDecision to execute.
	ActionReady Kind = "action:ready"

	// WorkflowSubmit carries one workflow spec to run.
	WorkflowSubmit Kind = "workflow:submit"
)

// Outbound action lifecycle events.
const (
	ActionQueued           Kind = "action:queued"
	ActionStarted          Kind = "action:started"
	ActionRetrying         Kind = "action:retrying"
	ActionCompleted        Kind = "action:completed"
	ActionFailed           Kind = "action:failed"
	ActionRequiresApproval Kind = "action:requires_approval"
	ActionRejected         Kind = "action:rejected"
)

// Outbound circuit breaker transition events.
const (
	CircuitOpened   Kind = "circuit:opened"
	CircuitClosed   Kind = "circuit:closed"
	CircuitHalfOpen Kind = "circuit:half-open"
)

// Outbound workflow lifecycle events.
const (
	WorkflowStepCompleted   Kind = "workflow:step_completed"
	WorkflowRollbackStarted Kind = "workflow:rollback_started"
	WorkflowRollbackFailed  Kind = "workflow:rollback_failed"
	WorkflowRolledBack      Kind = "workflow:rolled_back"
)

// Rejection reasons carried by ActionRejected payloads.
const (
	ReasonQueueFull        = "queue_full"
	ReasonQueueFullEvicted = "queue_full_evicted"
	ReasonValidationFailed = "validation_failed"
	ReasonApprovalRejected = "approval_rejected"
	ReasonApprovalTimeout  = "approval_timeout"
)

// Source is the source tag stamped on every outbound event.
const Source = "orchestrator"

// Event is the envelope every bus message travels in. Payload holds one of
// the typed payload structs below, or a *core.ActionDecision for inbound
// action:ready events.
type Event struct {
	ID            string      `json:"id"`
	Kind          Kind        `json:"kind"`
	Timestamp     time.Time   `json:"timestamp"`
	Source        string      `json:"source"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	Priority      string      `json:"priority"`
	Payload       interface{} `json:"payload,omitempty"`
}

// New builds an envelope for kind, stamping the ID, timestamp, source, and
// the kind's delivery priority.
func New(kind Kind, correlationID string, payload interface{}) Event {
	return Event{
		ID:            uuid.NewString(),
		Kind:          kind,
		Timestamp:     time.Now().UTC(),
		Source:        Source,
		CorrelationID: correlationID,
		Priority:      kindPriority(kind),
		Payload:       payload,
	}
}

// kindPriority maps each kind to its delivery priority tag. The tag is
// advisory metadata for consumers; the bus itself delivers in publish order.
func kindPriority(kind Kind) string {
	switch kind {
	case ActionRetrying:
		return "low"
	case ActionFailed, ActionRequiresApproval,
		CircuitOpened, CircuitClosed, CircuitHalfOpen,
		WorkflowRollbackStarted, WorkflowRollbackFailed, WorkflowRolledBack:
		return "high"
	default:
		return "normal"
	}
}

// ActionQueuedPayload accompanies ActionQueued.
type ActionQueuedPayload struct {
	ActionID      string        `json:"action_id"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Priority      core.Priority `json:"priority"`
}

// ActionStartedPayload accompanies ActionStarted. Attempt restarts at 1 for
// each platform the action runs against, so a fallback dispatch emits a
// second started event with attempt=1.
type ActionStartedPayload struct {
	ActionID string        `json:"action_id"`
	Platform core.Platform `json:"platform"`
	Attempt  int           `json:"attempt"`
}

// ActionRetryingPayload accompanies ActionRetrying. Attempt is the upcoming
// attempt number; DelayMs is the computed backoff before it runs.
type ActionRetryingPayload struct {
	ActionID  string         `json:"action_id"`
	Platform  core.Platform  `json:"platform"`
	Attempt   int            `json:"attempt"`
	DelayMs   int64          `json:"delay_ms"`
	ErrorKind core.ErrorKind `json:"error_kind"`
}

// ActionCompletedPayload accompanies ActionCompleted.
type ActionCompletedPayload struct {
	ActionID         string             `json:"action_id"`
	Result           *core.ActionResult `json:"result"`
	UsedFallback     bool               `json:"used_fallback"`
	FallbackPlatform core.Platform      `json:"fallback_platform,omitempty"`
}

// ActionFailedPayload accompanies ActionFailed. Platform is the last
// platform attempted; FallbackAttempted reports whether any chain entry ran.
type ActionFailedPayload struct {
	ActionID          string         `json:"action_id"`
	ErrorKind         core.ErrorKind `json:"error_kind"`
	Message           string         `json:"message"`
	Platform          core.Platform  `json:"platform,omitempty"`
	FallbackAttempted bool           `json:"fallback_attempted"`
}

// ActionRequiresApprovalPayload accompanies ActionRequiresApproval.
type ActionRequiresApprovalPayload struct {
	ActionID  string    `json:"action_id"`
	ReviewID  string    `json:"review_id"`
	Reason    string    `json:"reason,omitempty"`
	TimeoutAt time.Time `json:"timeout_at"`
}

// ActionRejectedPayload accompanies ActionRejected.
type ActionRejectedPayload struct {
	ActionID string `json:"action_id"`
	Reason   string `json:"reason"`
	Detail   string `json:"detail,omitempty"`
}

// CircuitTransitionPayload accompanies the circuit:* events with the
// breaker's counters at transition time.
type CircuitTransitionPayload struct {
	Platform         core.Platform `json:"platform"`
	State            string        `json:"state"`
	WindowFailures   int           `json:"window_failures"`
	ProbeSuccesses   int           `json:"probe_successes"`
	ConsecutiveOpens int           `json:"consecutive_opens"`
}

// WorkflowStepCompletedPayload accompanies WorkflowStepCompleted.
type WorkflowStepCompletedPayload struct {
	WorkflowID string             `json:"workflow_id"`
	StepName   string             `json:"step_name"`
	Result     *core.ActionResult `json:"result,omitempty"`
}

// WorkflowRollbackPayload accompanies the workflow:rollback_* and
// workflow:rolled_back events.
type WorkflowRollbackPayload struct {
	WorkflowID  string `json:"workflow_id"`
	FailedStep  string `json:"failed_step,omitempty"`
	Compensated int    `json:"compensated"`
	Status      string `json:"status,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// Decision extracts the inbound decision from an action:ready event.
func (e Event) Decision() (*core.ActionDecision, bool) {
	d, ok := e.Payload.(*core.ActionDecision)
	return d, ok
}
