package core

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"
)

// Platform identifies one of the external services an action can target.
// The set is closed: the router rejects decisions naming a platform that has
// no registered client.
type Platform string

const (
	PlatformNotion Platform = "notion"
	PlatformTrello Platform = "trello"
	PlatformSlack  Platform = "slack"
	PlatformDrive  Platform = "drive"
	PlatformSheets Platform = "sheets"
)

// Priority orders actions in the work queue. Critical drains first.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Priorities lists all priorities from most to least urgent.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// Rank returns the numeric urgency of p; lower is more urgent. Unknown
// priorities rank below low so malformed input never jumps the queue.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// Valid reports whether p is one of the four defined priorities.
func (p Priority) Valid() bool {
	return p.Rank() < 4
}

// Well-known action types. The set is open; the router validates whatever
// types have registered validation rules.
const (
	ActionCreateTask   = "create_task"
	ActionUpdateTask   = "update_task"
	ActionNotify       = "notify"
	ActionFileDocument = "file_document"
	ActionAppendRow    = "append_row"
	ActionLog          = "log"
)

// ActionDecision is the unit of work produced by the upstream decision
// producer. The orchestrator treats Params opaquely except for the keys the
// router needs for validation; the platform client interprets the rest.
type ActionDecision struct {
	ID               string                 `json:"id"`
	CorrelationID    string                 `json:"correlation_id"`
	Type             string                 `json:"type"`
	Platform         Platform               `json:"platform"`
	Priority         Priority               `json:"priority"`
	Params           map[string]interface{} `json:"params"`
	RequiresApproval bool                   `json:"requires_approval"`
	IdempotencyKey   string                 `json:"idempotency_key,omitempty"`
	FallbackChain    []Platform             `json:"fallback_chain,omitempty"`
	TimeoutMs        int64                  `json:"timeout_ms,omitempty"`

	// ApprovedBy is set when the approval coordinator re-submits the
	// decision after a positive review. Empty on first submission.
	ApprovedBy string `json:"approved_by,omitempty"`
}

// EffectiveIdempotencyKey returns the decision's idempotency key, deriving
// type+platform+hash(params) when the producer supplied none. The derivation
// is stable: map keys marshal in sorted order.
func (d *ActionDecision) EffectiveIdempotencyKey() string {
	if d.IdempotencyKey != "" {
		return d.IdempotencyKey
	}
	h := fnv.New64a()
	if raw, err := json.Marshal(d.Params); err == nil {
		_, _ = h.Write(raw)
	}
	return fmt.Sprintf("%s:%s:%x", d.Type, d.Platform, h.Sum64())
}

// Deadline converts the decision's per-action timeout into a duration,
// falling back to def when unset or non-positive.
func (d *ActionDecision) Deadline(def time.Duration) time.Duration {
	if d.TimeoutMs > 0 {
		return time.Duration(d.TimeoutMs) * time.Millisecond
	}
	return def
}

// ActionState tracks an action through its lifecycle.
//
//	accepted -> queued -> running -> {succeeded | failed | pending_approval}
//	pending_approval -> queued (on approve) | rejected (on reject/timeout)
//
// Retrying is internal to the running state and never re-enqueues.
type ActionState string

const (
	StateAccepted        ActionState = "accepted"
	StateQueued          ActionState = "queued"
	StateRunning         ActionState = "running"
	StateSucceeded       ActionState = "succeeded"
	StateFailed          ActionState = "failed"
	StatePendingApproval ActionState = "pending_approval"
	StateRejected        ActionState = "rejected"
)

// Terminal reports whether no further transitions can follow s.
func (s ActionState) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateRejected:
		return true
	default:
		return false
	}
}

// AttemptOutcome classifies one attempt against one platform.
type AttemptOutcome string

const (
	OutcomeSuccess         AttemptOutcome = "success"
	OutcomeTransient       AttemptOutcome = "transient"
	OutcomePermanent       AttemptOutcome = "permanent"
	OutcomeTimeout         AttemptOutcome = "timeout"
	OutcomeBreakerRejected AttemptOutcome = "rejected-by-breaker"
)

// ActionAttempt records a single attempt made by the executor pipeline.
type ActionAttempt struct {
	Number    int            `json:"number"`
	Platform  Platform       `json:"platform"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at,omitempty"`
	Outcome   AttemptOutcome `json:"outcome"`
	ErrorKind ErrorKind      `json:"error_kind,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// ExecuteResult is what a PlatformClient returns on success.
type ExecuteResult struct {
	ExternalID string                 `json:"external_id,omitempty"`
	Value      map[string]interface{} `json:"value,omitempty"`
}

// ActionResult is the terminal outcome of one action as produced by the
// executor pipeline.
type ActionResult struct {
	ActionID         string                 `json:"action_id"`
	OK               bool                   `json:"ok"`
	ExternalID       string                 `json:"external_id,omitempty"`
	Value            map[string]interface{} `json:"value,omitempty"`
	ErrorKind        ErrorKind              `json:"error_kind,omitempty"`
	Error            string                 `json:"error,omitempty"`
	Platform         Platform               `json:"platform,omitempty"`
	UsedFallback     bool                   `json:"used_fallback"`
	FallbackPlatform Platform               `json:"fallback_platform,omitempty"`
	Attempts         int                    `json:"attempts"`
	PendingApproval  bool                   `json:"pending_approval,omitempty"`
	ReviewID         string                 `json:"review_id,omitempty"`
	FromCache        bool                   `json:"from_cache,omitempty"`
	CompletedAt      time.Time              `json:"completed_at"`
}

// ActionRecord is the canonical per-action state. The router creates it on
// admission; after dequeue exactly one worker owns and mutates it. It is
// destroyed after the terminal event is published.
type ActionRecord struct {
	Decision        *ActionDecision `json:"decision"`
	State           ActionState     `json:"state"`
	Priority        Priority        `json:"priority"`
	IdempotencyKey  string          `json:"idempotency_key"`
	Attempts        []ActionAttempt `json:"attempts,omitempty"`
	QueueEnqueuedAt time.Time       `json:"queue_enqueued_at,omitempty"`
	FirstStartedAt  time.Time       `json:"first_started_at,omitempty"`
	CompletedAt     time.Time       `json:"completed_at,omitempty"`
	Result          *ActionResult   `json:"result,omitempty"`
	LastError       string          `json:"last_error,omitempty"`

	resultCh chan *ActionResult
}

// NewActionRecord builds a record for an admitted decision. The effective
// priority may be lower than the decision claims (router downgrades), never
// higher.
func NewActionRecord(decision *ActionDecision, effective Priority) *ActionRecord {
	return &ActionRecord{
		Decision:       decision,
		State:          StateAccepted,
		Priority:       effective,
		IdempotencyKey: decision.EffectiveIdempotencyKey(),
		resultCh:       make(chan *ActionResult, 1),
	}
}

// Deliver hands the terminal result to anyone blocked in Wait. Safe to call
// once; later calls are dropped.
func (r *ActionRecord) Deliver(res *ActionResult) {
	select {
	case r.resultCh <- res:
	default:
	}
}

// Wait blocks until the record reaches a terminal result or ctx expires.
func (r *ActionRecord) Wait(ctx context.Context) (*ActionResult, error) {
	select {
	case res := <-r.resultCh:
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RedactParams returns a copy of params with the masked keys replaced, for
// safe inclusion in logs, events, and journal records.
func RedactParams(params map[string]interface{}, masked []string) map[string]interface{} {
	if len(masked) == 0 || len(params) == 0 {
		return params
	}
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = v
	}
	for _, k := range masked {
		if _, ok := out[k]; ok {
			out[k] = "[redacted]"
		}
	}
	return out
}
