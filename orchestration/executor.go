package orchestration

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/actionplane/actionplane/core"
	"github.com/actionplane/actionplane/events"
	"github.com/actionplane/actionplane/resilience"
	"github.com/actionplane/actionplane/telemetry"
)

// ApprovalRequester is the executor's view of the approval coordinator: park
// the record, arm the timeout, return the review id. The coordinator owns the
// record from that point until a decision re-submits or rejects it.
type ApprovalRequester interface {
	RequestApproval(ctx context.Context, rec *core.ActionRecord, reason string) (reviewID string, err error)
}

// ExecutorOptions wires an executor pipeline.
type ExecutorOptions struct {
	Guards      *resilience.Manager
	Adapters    AdapterRegistry
	Idempotency *IdempotencyGuard
	Approvals   ApprovalRequester
	Bus         Publisher
	Journal     Journal
	Logger      core.Logger

	// DefaultDeadline bounds actions whose decision carries no timeout.
	DefaultDeadline time.Duration
}

// Executor runs one action through the reliability pipeline: approval detour,
// idempotency guard, breaker gate, token acquisition, the adapter call,
// classification, retry, and finally the fallback chain. It absorbs every
// retriable failure and only ever returns terminal outcomes.
type Executor struct {
	guards      *resilience.Manager
	adapters    AdapterRegistry
	idempotency *IdempotencyGuard
	approvals   ApprovalRequester
	bus         Publisher
	journal     Journal
	logger      core.Logger

	defaultDeadline time.Duration
}

// NewExecutor builds the pipeline. Guards, Adapters, and Idempotency are
// required; the rest default to no-ops.
func NewExecutor(opts ExecutorOptions) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	bus := opts.Bus
	if bus == nil {
		bus = nopPublisher{}
	}
	deadline := opts.DefaultDeadline
	if deadline <= 0 {
		deadline = core.DefaultActionDeadline
	}
	return &Executor{
		guards:          opts.Guards,
		adapters:        opts.Adapters,
		idempotency:     opts.Idempotency,
		approvals:       opts.Approvals,
		bus:             bus,
		journal:         opts.Journal,
		logger:          logger,
		defaultDeadline: deadline,
	}
}

// Execute runs the record's decision to a terminal result. The caller owns
// the record; no other goroutine touches it while Execute runs. Results are
// shared through the idempotency cache and must be treated as read-only.
func (e *Executor) Execute(ctx context.Context, rec *core.ActionRecord) *core.ActionResult {
	decision := rec.Decision

	if decision.RequiresApproval {
		return e.detourForApproval(ctx, rec)
	}

	ctx, cancel := context.WithTimeout(ctx, decision.Deadline(e.defaultDeadline))
	defer cancel()

	key := rec.IdempotencyKey
	for {
		begin := e.idempotency.Begin(key)
		if begin.Proceed {
			break
		}
		if begin.Result != nil {
			EmitIdempotencyHit(ctx, decision.ID, string(decision.Platform))
			e.logger.Debug("Duplicate action, returning cached result", map[string]interface{}{
				"operation":       "idempotency",
				"action_id":       decision.ID,
				"idempotency_key": key,
			})
			return cachedCopy(begin.Result, decision.ID)
		}
		EmitIdempotencyJoin(ctx, decision.ID, string(decision.Platform))
		select {
		case <-begin.Ready:
			// First caller finished or abandoned; loop to pick up its result
			// or claim the key ourselves.
		case <-ctx.Done():
			return &core.ActionResult{
				ActionID:    decision.ID,
				OK:          false,
				ErrorKind:   core.KindTimeout,
				Error:       "timed out waiting on in-flight duplicate",
				Platform:    decision.Platform,
				CompletedAt: time.Now(),
			}
		}
	}

	// The key is claimed in-flight. A panic past this point would strand
	// joined waiters, so the abort path caches a terminal failure; the
	// attempt may already have touched the platform.
	completed := false
	defer func() {
		if !completed {
			e.idempotency.Complete(key, &core.ActionResult{
				ActionID:    decision.ID,
				OK:          false,
				ErrorKind:   core.KindClient,
				Error:       "execution aborted",
				Platform:    decision.Platform,
				CompletedAt: time.Now(),
			})
		}
	}()

	res := e.run(ctx, rec)
	if res.CompletedAt.IsZero() {
		res.CompletedAt = time.Now()
	}
	e.idempotency.Complete(key, res)
	completed = true

	journalAppend(ctx, e.journal, e.logger, JournalRecord{
		Kind: JournalIdempotencyDone,
		ID:   key,
		Body: map[string]interface{}{
			"action_id": decision.ID,
			"result":    res,
		},
	})
	return res
}

// detourForApproval parks the record with the coordinator. The returned
// result is non-terminal: the worker must not deliver it to waiters.
func (e *Executor) detourForApproval(ctx context.Context, rec *core.ActionRecord) *core.ActionResult {
	decision := rec.Decision
	if e.approvals == nil {
		return &core.ActionResult{
			ActionID:    decision.ID,
			OK:          false,
			ErrorKind:   core.KindValidation,
			Error:       "approval required but no coordinator configured",
			Platform:    decision.Platform,
			CompletedAt: time.Now(),
		}
	}

	reason := fmt.Sprintf("%s on %s requires approval", decision.Type, decision.Platform)
	reviewID, err := e.approvals.RequestApproval(ctx, rec, reason)
	if err != nil {
		return &core.ActionResult{
			ActionID:    decision.ID,
			OK:          false,
			ErrorKind:   core.KindOf(err),
			Error:       err.Error(),
			Platform:    decision.Platform,
			CompletedAt: time.Now(),
		}
	}
	return &core.ActionResult{
		ActionID:        decision.ID,
		OK:              false,
		Platform:        decision.Platform,
		PendingApproval: true,
		ReviewID:        reviewID,
	}
}

// run executes against the primary platform, then walks the fallback chain
// on terminal failure.
func (e *Executor) run(ctx context.Context, rec *core.ActionRecord) *core.ActionResult {
	decision := rec.Decision

	res := e.runPlatform(ctx, rec, decision.Platform, decision.Params)
	if res.OK || len(decision.FallbackChain) == 0 || ctx.Err() != nil {
		return res
	}
	return e.dispatchFallback(ctx, rec, res)
}

// runPlatform drives the retry loop for one platform. The returned result is
// terminal for that platform: success, a permanent failure, an exhausted
// attempt budget, or a breaker rejection.
func (e *Executor) runPlatform(ctx context.Context, rec *core.ActionRecord, platform core.Platform, params map[string]interface{}) *core.ActionResult {
	decision := rec.Decision

	client, err := e.adapters.Client(platform)
	if err != nil {
		return e.failureResult(rec, platform, err)
	}
	guard := e.guards.Guard(platform)

	policy := &resilience.RetryPolicy{
		Settings:      guard.Retry,
		DelayOverride: rateLimitDelayOverride(guard),
		OnRetry: func(nextAttempt int, delay time.Duration, err error) {
			kind := core.KindOf(err)
			e.bus.Publish(events.New(events.ActionRetrying, decision.CorrelationID, events.ActionRetryingPayload{
				ActionID:  decision.ID,
				Platform:  platform,
				Attempt:   nextAttempt,
				DelayMs:   delay.Milliseconds(),
				ErrorKind: kind,
			}))
			EmitActionRetrying(ctx, decision.ID, string(platform), nextAttempt, delay, string(kind))
			e.logger.Debug("Retrying action", map[string]interface{}{
				"operation":  "retry",
				"action_id":  decision.ID,
				"platform":   string(platform),
				"attempt":    nextAttempt,
				"delay_ms":   delay.Milliseconds(),
				"error_kind": string(kind),
			})
		},
	}

	var out *core.ExecuteResult
	err = resilience.Retry(ctx, policy, func(attempt int) error {
		return e.attempt(ctx, rec, guard, client, platform, params, attempt, &out)
	})
	if err != nil {
		return e.failureResult(rec, platform, err)
	}

	return &core.ActionResult{
		ActionID:   decision.ID,
		OK:         true,
		ExternalID: out.ExternalID,
		Value:      out.Value,
		Platform:   platform,
		Attempts:   len(rec.Attempts),
	}
}

// attempt makes one gated call: breaker gate, token acquisition, adapter
// call, classification. Every attempt is appended to the record and the
// journal regardless of outcome.
func (e *Executor) attempt(ctx context.Context, rec *core.ActionRecord, guard *resilience.PlatformGuard, client core.PlatformClient, platform core.Platform, params map[string]interface{}, attempt int, out **core.ExecuteResult) error {
	decision := rec.Decision

	e.bus.Publish(events.New(events.ActionStarted, decision.CorrelationID, events.ActionStartedPayload{
		ActionID: decision.ID,
		Platform: platform,
		Attempt:  attempt,
	}))
	EmitAttemptStarted(ctx, decision.ID, string(platform), attempt)

	att := core.ActionAttempt{Number: attempt, Platform: platform, StartedAt: time.Now()}
	if rec.FirstStartedAt.IsZero() {
		rec.FirstStartedAt = att.StartedAt
	}

	if guard.Breaker.Allow() != nil {
		att.EndedAt = time.Now()
		att.Outcome = core.OutcomeBreakerRejected
		att.ErrorKind = core.KindBreakerOpen
		att.Error = core.ErrBreakerOpen.Error()
		e.recordAttempt(ctx, rec, att)
		return &core.OrchestrationError{
			Op:       "breaker_gate",
			Kind:     core.KindBreakerOpen,
			Platform: platform,
			ActionID: decision.ID,
			Err:      core.ErrBreakerOpen,
		}
	}

	if err := guard.Limiter.Acquire(ctx); err != nil {
		// Releases the probe slot the gate may have granted; rate_limit never
		// accumulates in the failure window.
		guard.Breaker.OnFailure(core.KindRateLimit)
		kind := core.KindOf(err)
		att.EndedAt = time.Now()
		att.Outcome = core.OutcomeTimeout
		att.ErrorKind = kind
		att.Error = err.Error()
		e.recordAttempt(ctx, rec, att)
		return &core.OrchestrationError{
			Op:       "rate_acquire",
			Kind:     kind,
			Platform: platform,
			ActionID: decision.ID,
			Err:      err,
		}
	}

	result, err := client.Execute(ctx, decision.Type, params)
	att.EndedAt = time.Now()
	durationMs := float64(att.EndedAt.Sub(att.StartedAt).Milliseconds())

	if err == nil {
		guard.Breaker.OnSuccess()
		att.Outcome = core.OutcomeSuccess
		e.recordAttempt(ctx, rec, att)
		telemetry.RecordPlatformCall(string(platform), durationMs, "success")
		*out = result
		return nil
	}

	kind := core.KindOf(err)
	guard.Breaker.OnFailure(kind)
	att.Outcome = outcomeForKind(kind)
	att.ErrorKind = kind
	att.Error = err.Error()
	e.recordAttempt(ctx, rec, att)
	telemetry.RecordPlatformCall(string(platform), durationMs, "error")
	telemetry.RecordPlatformCallError(string(platform), string(kind))
	return err
}

func (e *Executor) recordAttempt(ctx context.Context, rec *core.ActionRecord, att core.ActionAttempt) {
	rec.Attempts = append(rec.Attempts, att)
	journalAppend(ctx, e.journal, e.logger, JournalRecord{
		Kind: JournalActionAttempt,
		ID:   rec.Decision.ID,
		Body: map[string]interface{}{
			"attempt":    att.Number,
			"platform":   string(att.Platform),
			"outcome":    string(att.Outcome),
			"error_kind": string(att.ErrorKind),
		},
	})
}

// failureResult folds a terminal error into an ActionResult. Attempts counts
// every attempt made so far, across platforms.
func (e *Executor) failureResult(rec *core.ActionRecord, platform core.Platform, err error) *core.ActionResult {
	return &core.ActionResult{
		ActionID:    rec.Decision.ID,
		OK:          false,
		ErrorKind:   core.KindOf(err),
		Error:       err.Error(),
		Platform:    platform,
		Attempts:    len(rec.Attempts),
		CompletedAt: time.Now(),
	}
}

// cachedCopy re-labels a cached result for the duplicate submission that
// received it.
func cachedCopy(cached *core.ActionResult, actionID string) *core.ActionResult {
	res := *cached
	res.ActionID = actionID
	res.FromCache = true
	return &res
}

// outcomeForKind maps an error category onto the attempt outcome recorded in
// the action's history.
func outcomeForKind(kind core.ErrorKind) core.AttemptOutcome {
	switch kind {
	case core.KindTimeout:
		return core.OutcomeTimeout
	case core.KindBreakerOpen:
		return core.OutcomeBreakerRejected
	default:
		if kind.Retriable() {
			return core.OutcomeTransient
		}
		return core.OutcomePermanent
	}
}

// rateLimitDelayOverride aligns rate_limit retries with the bucket's
// next-token estimate instead of exponential backoff.
func rateLimitDelayOverride(guard *resilience.PlatformGuard) func(core.ErrorKind) (time.Duration, bool) {
	return func(kind core.ErrorKind) (time.Duration, bool) {
		if kind != core.KindRateLimit {
			return 0, false
		}
		d := guard.Limiter.NextTokenDelay()
		if d <= 0 {
			return 0, false
		}
		if guard.Retry.Jitter {
			if half := guard.Retry.InitialDelay / 2; half > 0 {
				d += rand.N(half + 1)
			}
		}
		return d, true
	}
}
