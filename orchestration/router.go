package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/actionplane/actionplane/core"
	"github.com/actionplane/actionplane/events"
	"github.com/actionplane/actionplane/telemetry"
)

// RouterConfig carries the router's admission policy.
type RouterConfig struct {
	// MaxPriority caps the effective priority of admitted actions. A
	// decision claiming a higher priority is downgraded to the cap; claims
	// at or below the cap stand. Empty disables the cap. The router never
	// upgrades a claim.
	MaxPriority core.Priority
}

// Router validates incoming decisions and admits them to the queue. It is
// the single producer side of the queue and the component that turns an
// ActionDecision into an owned ActionRecord.
type Router struct {
	queue    *ActionQueue
	adapters AdapterRegistry
	bus      Publisher
	journal  Journal
	logger   core.Logger
	cfg      RouterConfig

	mu    sync.RWMutex
	rules map[string][]string
}

// NewRouter wires a router over the queue and adapter registry.
func NewRouter(queue *ActionQueue, adapters AdapterRegistry, bus Publisher, journal Journal, logger core.Logger, cfg RouterConfig) *Router {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if bus == nil {
		bus = nopPublisher{}
	}
	return &Router{
		queue:    queue,
		adapters: adapters,
		bus:      bus,
		journal:  journal,
		logger:   logger,
		cfg:      cfg,
		rules:    defaultValidationRules(),
	}
}

// defaultValidationRules lists the parameter keys each well-known action
// type must carry to be routable. The adapter interprets everything else.
func defaultValidationRules() map[string][]string {
	return map[string][]string{
		core.ActionCreateTask:   {"title"},
		core.ActionUpdateTask:   {"task_id"},
		core.ActionNotify:       {"message"},
		core.ActionFileDocument: {"name"},
		core.ActionAppendRow:    {"values"},
		core.ActionLog:          {"message"},
	}
}

// RegisterValidation installs or replaces the required parameter keys for an
// action type. Types without a rule are admitted with their params unchecked.
func (r *Router) RegisterValidation(actionType string, requiredKeys ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[actionType] = requiredKeys
}

// Submit validates the decision, clamps its priority, and admits it to the
// queue. The returned record's Wait method yields the terminal result. A
// rejected decision returns a validation-kind error and never enters the
// queue; a full queue returns a service_unavailable-kind error after the
// eviction rule has been applied.
func (r *Router) Submit(ctx context.Context, decision *core.ActionDecision) (*core.ActionRecord, error) {
	if decision == nil {
		return nil, core.NewOrchestrationError("route", core.KindValidation, errors.New("nil decision"))
	}
	if decision.ID == "" {
		decision.ID = uuid.NewString()
	}

	if err := r.validate(decision); err != nil {
		r.logger.Warn("Action rejected by validation", map[string]interface{}{
			"operation": "route",
			"action_id": decision.ID,
			"type":      decision.Type,
			"platform":  string(decision.Platform),
			"error":     err.Error(),
		})
		r.bus.Publish(events.New(events.ActionRejected, decision.CorrelationID, events.ActionRejectedPayload{
			ActionID: decision.ID,
			Reason:   events.ReasonValidationFailed,
			Detail:   err.Error(),
		}))
		EmitActionRejected(ctx, decision.ID, events.ReasonValidationFailed)
		return nil, err
	}

	effective := r.effectivePriority(decision.Priority)
	rec := core.NewActionRecord(decision, effective)

	tc := telemetry.GetTraceContext(ctx)
	evicted, err := r.queue.Enqueue(&queuedAction{record: rec, traceID: tc.TraceID, spanID: tc.SpanID})
	if err != nil {
		if errors.Is(err, core.ErrQueueFull) {
			r.logger.Warn("Action rejected, queue full", map[string]interface{}{
				"operation": "enqueue",
				"action_id": decision.ID,
				"priority":  string(effective),
				"action":    "Raise queue.maxSize or add workers",
				"impact":    "Action dropped without execution",
			})
			r.bus.Publish(events.New(events.ActionRejected, decision.CorrelationID, events.ActionRejectedPayload{
				ActionID: decision.ID,
				Reason:   events.ReasonQueueFull,
			}))
			EmitActionRejected(ctx, decision.ID, events.ReasonQueueFull)
		}
		return nil, &core.OrchestrationError{
			Op:       "enqueue",
			Kind:     core.KindServiceUnavailable,
			Platform: decision.Platform,
			ActionID: decision.ID,
			Err:      err,
		}
	}
	if evicted != nil {
		r.dropEvicted(ctx, evicted)
	}

	journalAppend(ctx, r.journal, r.logger, JournalRecord{
		Kind: JournalActionAdmitted,
		ID:   decision.ID,
		Body: map[string]interface{}{
			"type":            decision.Type,
			"platform":        string(decision.Platform),
			"priority":        string(effective),
			"correlation_id":  decision.CorrelationID,
			"idempotency_key": rec.IdempotencyKey,
		},
	})
	r.bus.Publish(events.New(events.ActionQueued, decision.CorrelationID, events.ActionQueuedPayload{
		ActionID:      decision.ID,
		CorrelationID: decision.CorrelationID,
		Priority:      effective,
	}))
	EmitActionQueued(ctx, decision.ID, string(decision.Platform), string(effective))

	r.logger.Debug("Action admitted", map[string]interface{}{
		"operation": "route",
		"action_id": decision.ID,
		"type":      decision.Type,
		"platform":  string(decision.Platform),
		"priority":  string(effective),
	})
	return rec, nil
}

// validate applies the routing shape checks: a known platform, a non-empty
// type, a well-formed priority claim, and the type's required parameter keys.
func (r *Router) validate(d *core.ActionDecision) error {
	if d.Type == "" {
		return &core.OrchestrationError{
			Op:       "validate",
			Kind:     core.KindValidation,
			ActionID: d.ID,
			Err:      fmt.Errorf("%w: empty action type", core.ErrUnknownActionType),
		}
	}
	if _, err := r.adapters.Client(d.Platform); err != nil {
		return &core.OrchestrationError{
			Op:       "validate",
			Kind:     core.KindValidation,
			Platform: d.Platform,
			ActionID: d.ID,
			Err:      err,
		}
	}
	if d.Priority != "" && !d.Priority.Valid() {
		return &core.OrchestrationError{
			Op:       "validate",
			Kind:     core.KindValidation,
			Platform: d.Platform,
			ActionID: d.ID,
			Message:  fmt.Sprintf("unknown priority %q", d.Priority),
		}
	}

	r.mu.RLock()
	required := r.rules[d.Type]
	r.mu.RUnlock()
	for _, key := range required {
		if v, ok := d.Params[key]; !ok || v == nil {
			return &core.OrchestrationError{
				Op:       "validate",
				Kind:     core.KindValidation,
				Platform: d.Platform,
				ActionID: d.ID,
				Message:  fmt.Sprintf("action type %q requires param %q", d.Type, key),
			}
		}
	}
	return nil
}

// effectivePriority resolves the admitted priority: empty claims default to
// normal, claims above the configured cap are downgraded to it.
func (r *Router) effectivePriority(claimed core.Priority) core.Priority {
	if claimed == "" {
		claimed = core.PriorityNormal
	}
	if !r.cfg.MaxPriority.Valid() {
		return claimed
	}
	if claimed.Rank() < r.cfg.MaxPriority.Rank() {
		return r.cfg.MaxPriority
	}
	return claimed
}

// dropEvicted finalizes a record pushed out by the queue's overflow rule.
// The victim's waiter, if any, observes a terminal unavailable result.
func (r *Router) dropEvicted(ctx context.Context, victim *queuedAction) {
	rec := victim.record
	rec.State = core.StateRejected
	now := time.Now()
	res := &core.ActionResult{
		ActionID:    rec.Decision.ID,
		OK:          false,
		ErrorKind:   core.KindServiceUnavailable,
		Error:       "evicted from queue by higher-priority work",
		Platform:    rec.Decision.Platform,
		CompletedAt: now,
	}
	rec.Result = res
	rec.CompletedAt = now
	rec.Deliver(res)

	r.bus.Publish(events.New(events.ActionRejected, rec.Decision.CorrelationID, events.ActionRejectedPayload{
		ActionID: rec.Decision.ID,
		Reason:   events.ReasonQueueFullEvicted,
	}))
	EmitActionRejected(ctx, rec.Decision.ID, events.ReasonQueueFullEvicted)

	r.logger.Warn("Queued action evicted under pressure", map[string]interface{}{
		"operation": "enqueue",
		"action_id": rec.Decision.ID,
		"priority":  string(rec.Priority),
		"impact":    "Action dropped without execution",
	})
}

var _ Submitter = (*Router)(nil)
