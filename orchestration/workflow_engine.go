package orchestration

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/actionplane/actionplane/core"
	"github.com/actionplane/actionplane/events"
	"github.com/actionplane/actionplane/resilience"
)

// defaultWorkflowCacheTTL bounds how long a finished run answers repeat
// submissions with the same idempotency key.
const defaultWorkflowCacheTTL = time.Hour

// WorkflowEngineOptions wires the engine's collaborators.
type WorkflowEngineOptions struct {
	Submitter Submitter
	Adapters  AdapterRegistry
	Guards    *resilience.Manager
	Bus       Publisher
	Journal   Journal
	Logger    core.Logger
	Config    core.WorkflowConfig

	// CacheTTL bounds the completed-run cache. Zero means one hour.
	CacheTTL time.Duration
}

// completedWorkflow is one completed-run cache entry.
type completedWorkflow struct {
	run       *WorkflowRun
	expiresAt time.Time
}

// WorkflowEngine executes multi-step workflows. Steps travel through the
// same admission and execution pipeline as standalone actions; the engine
// adds dependency ordering, transactional rollback, and run-level
// idempotency on top.
type WorkflowEngine struct {
	submitter Submitter
	adapters  AdapterRegistry
	guards    *resilience.Manager
	bus       Publisher
	journal   Journal
	logger    core.Logger
	config    core.WorkflowConfig
	cacheTTL  time.Duration

	lifeCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.Mutex
	inflight  map[string]*WorkflowRun
	completed map[string]completedWorkflow
	runs      map[string]*WorkflowRun
}

// NewWorkflowEngine creates an engine. Runs execute on the engine's own
// lifecycle context so a submitted workflow outlives the submitter's request
// context; Stop cancels them.
func NewWorkflowEngine(opts WorkflowEngineOptions) *WorkflowEngine {
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	bus := opts.Bus
	if bus == nil {
		bus = nopPublisher{}
	}
	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultWorkflowCacheTTL
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkflowEngine{
		submitter: opts.Submitter,
		adapters:  opts.Adapters,
		guards:    opts.Guards,
		bus:       bus,
		journal:   opts.Journal,
		logger:    logger,
		config:    opts.Config,
		cacheTTL:  cacheTTL,
		lifeCtx:   ctx,
		cancel:    cancel,
		inflight:  make(map[string]*WorkflowRun),
		completed: make(map[string]completedWorkflow),
		runs:      make(map[string]*WorkflowRun),
	}
}

// Submit validates the spec and starts (or joins) a run. A key already in
// flight returns the live run; a key completed within the cache TTL returns
// the finished run without re-executing anything.
func (e *WorkflowEngine) Submit(ctx context.Context, spec *WorkflowSpec) (*WorkflowRun, error) {
	if spec == nil {
		return nil, &core.OrchestrationError{
			Op:      "workflow_submit",
			Kind:    core.KindValidation,
			Message: "nil workflow spec",
		}
	}
	if spec.WorkflowID == "" {
		spec.WorkflowID = uuid.NewString()
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	graph, err := buildStepGraph(spec)
	if err != nil {
		return nil, err
	}

	key := spec.EffectiveIdempotencyKey()

	e.mu.Lock()
	if entry, ok := e.completed[key]; ok {
		if time.Now().Before(entry.expiresAt) {
			e.mu.Unlock()
			EmitWorkflowDuplicate(ctx, spec.WorkflowID)
			e.logger.Debug("Workflow submission deduplicated", map[string]interface{}{
				"workflow_id":     spec.WorkflowID,
				"idempotency_key": key,
				"status":          string(entry.run.Status()),
			})
			return entry.run, nil
		}
		delete(e.completed, key)
	}
	if run, ok := e.inflight[key]; ok {
		e.mu.Unlock()
		EmitWorkflowDuplicate(ctx, spec.WorkflowID)
		return run, nil
	}
	run := newWorkflowRun(uuid.NewString(), spec)
	e.inflight[key] = run
	e.runs[run.ID] = run
	e.mu.Unlock()

	journalAppend(ctx, e.journal, e.logger, JournalRecord{
		Kind: JournalWorkflowStep,
		ID:   key,
		Body: map[string]interface{}{
			"event":       "submitted",
			"run_id":      run.ID,
			"workflow_id": spec.WorkflowID,
			"spec":        spec,
		},
	})
	EmitWorkflowSubmitted(ctx, spec.WorkflowID, run.ID, len(spec.Steps))
	e.logger.Info("Workflow submitted", map[string]interface{}{
		"workflow_id":   spec.WorkflowID,
		"run_id":        run.ID,
		"steps":         len(spec.Steps),
		"transactional": spec.Transactional,
	})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(run, graph, key)
	}()
	return run, nil
}

// Run returns a run by id.
func (e *WorkflowEngine) Run(runID string) (*WorkflowRun, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.runs[runID]
	if !ok {
		return nil, fmt.Errorf("workflow run %s: %w", runID, core.ErrUnknownWorkflow)
	}
	return run, nil
}

// CancelRun flags a run so no further steps launch. In-flight steps finish;
// transactional runs then roll back what completed.
func (e *WorkflowEngine) CancelRun(runID string) error {
	run, err := e.Run(runID)
	if err != nil {
		return err
	}
	run.Cancel()
	e.logger.Info("Workflow cancellation requested", map[string]interface{}{
		"workflow_id": run.Spec.WorkflowID,
		"run_id":      runID,
	})
	return nil
}

// ActiveRuns reports how many runs are currently executing.
func (e *WorkflowEngine) ActiveRuns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}

// Stop cancels all in-flight runs and waits for them to wind down or ctx to
// expire.
func (e *WorkflowEngine) Stop(ctx context.Context) error {
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type stepOutcome struct {
	step *WorkflowStep
	res  *core.ActionResult
}

// execute drives one run: launch ready steps up to the concurrency cap,
// collect outcomes, and settle the terminal status. On the first failure it
// stops launching, drains what is in flight, then applies the rollback
// policy.
func (e *WorkflowEngine) execute(run *WorkflowRun, graph *stepGraph, key string) {
	ctx := e.lifeCtx
	run.markRunning()

	maxParallel := e.config.ConcurrencyPerRun
	if maxParallel <= 0 {
		maxParallel = 1
	}

	remaining := graph.remainingDeps()
	launched := make(map[string]bool, len(graph.order))
	results := make(chan stepOutcome)
	inflight := 0
	failed := false

	for {
		if !failed && !run.cancelled.Load() {
			for _, name := range graph.order {
				if inflight >= maxParallel {
					break
				}
				if launched[name] || remaining[name] > 0 {
					continue
				}
				launched[name] = true
				inflight++
				step := graph.steps[name]
				go func() {
					results <- stepOutcome{step: step, res: e.runStep(ctx, run, step)}
				}()
			}
		}
		if inflight == 0 {
			break
		}

		out := <-results
		inflight--
		run.recordStepResult(out.step, out.res)

		if !out.res.OK {
			failed = true
			run.markFailed(out.step.Name, fmt.Errorf("step %s: %s", out.step.Name, out.res.Error))
			EmitWorkflowStepFailed(ctx, run.Spec.WorkflowID, out.step.Name, string(out.res.ErrorKind))
			journalAppend(context.Background(), e.journal, e.logger, JournalRecord{
				Kind: JournalWorkflowStep,
				ID:   key,
				Body: map[string]interface{}{
					"event":      "step_failed",
					"run_id":     run.ID,
					"step":       out.step.Name,
					"error_kind": string(out.res.ErrorKind),
				},
			})
			e.logger.Warn("Workflow step failed", map[string]interface{}{
				"workflow_id": run.Spec.WorkflowID,
				"run_id":      run.ID,
				"step":        out.step.Name,
				"error_kind":  string(out.res.ErrorKind),
				"error":       out.res.Error,
			})
			continue
		}

		if out.step.OnCompensate != nil {
			run.pushCompensation(e.compensationFor(run, out.step, out.res))
		}
		for _, next := range graph.dependents[out.step.Name] {
			remaining[next]--
		}
		e.bus.Publish(events.New(events.WorkflowStepCompleted, e.correlationID(run), &events.WorkflowStepCompletedPayload{
			WorkflowID: run.Spec.WorkflowID,
			StepName:   out.step.Name,
			Result:     out.res,
		}))
		EmitWorkflowStepCompleted(ctx, run.Spec.WorkflowID, out.step.Name, out.res.Platform)
		journalAppend(context.Background(), e.journal, e.logger, JournalRecord{
			Kind: JournalWorkflowStep,
			ID:   key,
			Body: map[string]interface{}{
				"event":       "step_completed",
				"run_id":      run.ID,
				"step":        out.step.Name,
				"platform":    string(out.res.Platform),
				"external_id": out.res.ExternalID,
			},
		})
		e.logger.Debug("Workflow step completed", map[string]interface{}{
			"workflow_id": run.Spec.WorkflowID,
			"run_id":      run.ID,
			"step":        out.step.Name,
			"platform":    string(out.res.Platform),
		})
	}

	if run.cancelled.Load() {
		run.markFailed("", core.ErrWorkflowCancelled)
		failed = true
	}

	var result *WorkflowResult
	switch {
	case !failed:
		result = run.finish(WorkflowCompleted, nil)
	case run.Spec.Transactional:
		result = e.rollback(ctx, run)
	default:
		result = run.finish(WorkflowFailed, nil)
	}

	e.mu.Lock()
	delete(e.inflight, key)
	e.completed[key] = completedWorkflow{run: run, expiresAt: time.Now().Add(e.cacheTTL)}
	e.mu.Unlock()

	journalAppend(context.Background(), e.journal, e.logger, JournalRecord{
		Kind: JournalWorkflowStep,
		ID:   key,
		Body: map[string]interface{}{
			"event":       "finished",
			"run_id":      run.ID,
			"workflow_id": run.Spec.WorkflowID,
			"status":      string(result.Status),
		},
	})
	EmitWorkflowFinished(ctx, run.Spec.WorkflowID, string(result.Status), time.Since(run.startedAt))
	e.logger.Info("Workflow finished", map[string]interface{}{
		"workflow_id":     run.Spec.WorkflowID,
		"run_id":          run.ID,
		"status":          string(result.Status),
		"completed_steps": len(result.CompletedSteps),
		"failed_step":     result.FailedStep,
	})
}

// runStep pushes one step through the action pipeline and waits for its
// terminal result. Failures are folded into a result so the scheduler has a
// single shape to handle.
func (e *WorkflowEngine) runStep(ctx context.Context, run *WorkflowRun, step *WorkflowStep) *core.ActionResult {
	decision := &core.ActionDecision{
		ID:               fmt.Sprintf("%s:%s", run.ID, step.Name),
		CorrelationID:    e.correlationID(run),
		Type:             step.Type,
		Platform:         step.Platform,
		Priority:         step.Priority,
		Params:           e.resolveParams(run, step.Params),
		RequiresApproval: step.RequiresApproval,
		IdempotencyKey:   run.Spec.StepIdempotencyKey(step.Name),
		FallbackChain:    step.FallbackChain,
		TimeoutMs:        step.TimeoutMs,
	}

	rec, err := e.submitter.Submit(ctx, decision)
	if err != nil {
		return &core.ActionResult{
			ActionID:    decision.ID,
			OK:          false,
			ErrorKind:   core.KindOf(err),
			Error:       err.Error(),
			Platform:    step.Platform,
			CompletedAt: time.Now(),
		}
	}
	res, err := rec.Wait(ctx)
	if err != nil {
		return &core.ActionResult{
			ActionID:    decision.ID,
			OK:          false,
			ErrorKind:   core.KindTimeout,
			Error:       "orchestrator stopped before step finished",
			Platform:    step.Platform,
			CompletedAt: time.Now(),
		}
	}
	return res
}

// compensationFor captures a step's rollback entry. The platform is taken
// from the result so a step that landed on a fallback is undone there, not
// on the platform the spec named.
func (e *WorkflowEngine) compensationFor(run *WorkflowRun, step *WorkflowStep, res *core.ActionResult) compensation {
	comp := compensation{
		stepName:   step.Name,
		platform:   res.Platform,
		actionType: step.OnCompensate.Type,
		externalID: res.ExternalID,
		params:     e.resolveParams(run, step.OnCompensate.Params),
	}
	if comp.actionType == "" {
		comp.actionType = step.Type
	}
	if comp.platform == "" {
		comp.platform = step.Platform
	}
	return comp
}

// rollback unwinds the run's completed steps LIFO. Compensator failures do
// not stop the unwind: the rest of the stack still gets its chance, and the
// run lands on partially-rolled-back.
func (e *WorkflowEngine) rollback(ctx context.Context, run *WorkflowRun) *WorkflowResult {
	workflowID := run.Spec.WorkflowID
	corr := e.correlationID(run)
	failedStep, _ := run.failure()

	e.bus.Publish(events.New(events.WorkflowRollbackStarted, corr, &events.WorkflowRollbackPayload{
		WorkflowID: workflowID,
		FailedStep: failedStep,
	}))
	EmitRollbackStarted(ctx, workflowID)
	journalAppend(context.Background(), e.journal, e.logger, JournalRecord{
		Kind: JournalWorkflowStep,
		ID:   run.Spec.EffectiveIdempotencyKey(),
		Body: map[string]interface{}{
			"event":       "rollback_started",
			"run_id":      run.ID,
			"failed_step": failedStep,
		},
	})
	e.logger.Warn("Workflow rollback started", map[string]interface{}{
		"workflow_id": workflowID,
		"run_id":      run.ID,
		"failed_step": failedStep,
	})

	var compensated []string
	rollbackFailed := false
	for {
		comp, ok := run.popCompensation()
		if !ok {
			break
		}
		if err := e.compensate(ctx, comp); err != nil {
			rollbackFailed = true
			e.bus.Publish(events.New(events.WorkflowRollbackFailed, corr, &events.WorkflowRollbackPayload{
				WorkflowID:  workflowID,
				FailedStep:  comp.stepName,
				Compensated: len(compensated),
				Status:      string(WorkflowPartiallyRolledBack),
				Detail:      err.Error(),
			}))
			EmitRollbackStep(ctx, workflowID, comp.platform, "error")
			e.logger.Error("Workflow compensation failed", map[string]interface{}{
				"workflow_id": workflowID,
				"run_id":      run.ID,
				"step":        comp.stepName,
				"platform":    string(comp.platform),
				"error":       err.Error(),
			})
			continue
		}
		compensated = append(compensated, comp.stepName)
		EmitRollbackStep(ctx, workflowID, comp.platform, "success")
		e.logger.Info("Workflow step compensated", map[string]interface{}{
			"workflow_id": workflowID,
			"run_id":      run.ID,
			"step":        comp.stepName,
			"platform":    string(comp.platform),
		})
	}

	status := WorkflowRolledBack
	if rollbackFailed {
		status = WorkflowPartiallyRolledBack
	}
	result := run.finish(status, compensated)
	if !rollbackFailed {
		e.bus.Publish(events.New(events.WorkflowRolledBack, corr, &events.WorkflowRollbackPayload{
			WorkflowID:  workflowID,
			FailedStep:  failedStep,
			Compensated: len(compensated),
			Status:      string(status),
		}))
	}
	EmitRollbackFinished(ctx, workflowID, string(status), len(compensated))
	return result
}

// compensate invokes one compensator behind the platform's guard set: the
// breaker gates the call, the limiter paces it, and transient failures
// retry with the platform's backoff settings.
func (e *WorkflowEngine) compensate(ctx context.Context, comp compensation) error {
	compensator, ok := e.adapters.Compensator(comp.platform)
	if !ok {
		return &core.OrchestrationError{
			Op:       "compensate",
			Kind:     core.KindValidation,
			Platform: comp.platform,
			Message:  fmt.Sprintf("platform %s has no compensator", comp.platform),
		}
	}

	guard := e.guards.Guard(comp.platform)
	policy := &resilience.RetryPolicy{
		Settings:      guard.Retry,
		DelayOverride: rateLimitDelayOverride(guard),
	}
	return resilience.Retry(ctx, policy, func(attempt int) error {
		if guard.Breaker.Allow() != nil {
			return &core.OrchestrationError{
				Op:       "breaker_gate",
				Kind:     core.KindBreakerOpen,
				Platform: comp.platform,
				Err:      core.ErrBreakerOpen,
			}
		}
		if err := guard.Limiter.Acquire(ctx); err != nil {
			guard.Breaker.OnFailure(core.KindRateLimit)
			return &core.OrchestrationError{
				Op:       "rate_acquire",
				Kind:     core.KindOf(err),
				Platform: comp.platform,
				Err:      err,
			}
		}
		if _, err := compensator.Compensate(ctx, comp.actionType, comp.externalID, comp.params); err != nil {
			guard.Breaker.OnFailure(core.KindOf(err))
			return err
		}
		guard.Breaker.OnSuccess()
		return nil
	})
}

// resolveParams expands ${steps.NAME.external_id} and
// ${steps.NAME.value.KEY} references against earlier step results. Only
// whole-string placeholders are expanded; anything unresolved passes through
// for the platform client to reject.
func (e *WorkflowEngine) resolveParams(run *WorkflowRun, params map[string]interface{}) map[string]interface{} {
	if len(params) == 0 {
		return params
	}
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = e.resolveValue(run, v)
	}
	return out
}

func (e *WorkflowEngine) resolveValue(run *WorkflowRun, v interface{}) interface{} {
	switch tv := v.(type) {
	case string:
		return e.resolveRef(run, tv)
	case map[string]interface{}:
		return e.resolveParams(run, tv)
	case []interface{}:
		out := make([]interface{}, len(tv))
		for i, item := range tv {
			out[i] = e.resolveValue(run, item)
		}
		return out
	default:
		return v
	}
}

func (e *WorkflowEngine) resolveRef(run *WorkflowRun, s string) interface{} {
	if !strings.HasPrefix(s, "${steps.") || !strings.HasSuffix(s, "}") {
		return s
	}
	path := strings.TrimSuffix(strings.TrimPrefix(s, "${steps."), "}")
	parts := strings.SplitN(path, ".", 3)
	if len(parts) < 2 {
		return s
	}
	res, ok := run.stepResult(parts[0])
	if !ok || res == nil {
		return s
	}
	switch parts[1] {
	case "external_id":
		return res.ExternalID
	case "value":
		if len(parts) == 3 && res.Value != nil {
			if v, ok := res.Value[parts[2]]; ok {
				return v
			}
		}
	}
	return s
}

func (e *WorkflowEngine) correlationID(run *WorkflowRun) string {
	if run.Spec.CorrelationID != "" {
		return run.Spec.CorrelationID
	}
	return run.Spec.WorkflowID
}
