package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/actionplane/actionplane/core"
	"github.com/actionplane/actionplane/events"
	"github.com/actionplane/actionplane/resilience"
)

// idempotencyPurgeInterval paces the background sweep that drops expired
// idempotency entries.
const idempotencyPurgeInterval = time.Minute

// Orchestrator is the composition root of the execution plane. It owns the
// adapter registry, the per-platform guards, the priority queue, the router,
// the worker pool, the approval coordinator, the workflow engine, the
// journal, and the event bus, and it sequences their lifecycles.
//
// Decisions enter either through SubmitAction / SubmitWorkflow or through
// the bus (action:ready, workflow:submit). Terminal results come back on
// the record returned by Submit and as action:completed / action:failed
// events.
type Orchestrator struct {
	config   *core.Config
	logger   core.Logger
	bus      *events.Bus
	adapters *Registry

	guards      *resilience.Manager
	queue       *ActionQueue
	idempotency *IdempotencyGuard
	router      *Router
	executor    *Executor
	workers     *WorkerPool
	approvals   *ApprovalCoordinator
	engine      *WorkflowEngine

	journal       Journal // nil when journaling is disabled
	approvalStore ApprovalStore

	running atomic.Bool
	lifeCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	subs    []*events.Subscription
}

// NewOrchestrator assembles the plane from one configuration. A nil
// adapters registry starts empty; platforms register through Adapters() or
// RegisterPlatform before Start. The journal and the approval store are
// opened here so configuration problems surface before anything runs.
func NewOrchestrator(cfg *core.Config, logger core.Logger, adapters *Registry) (*Orchestrator, error) {
	if cfg == nil {
		cfg = core.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if adapters == nil {
		adapters = NewRegistry(logger)
	}

	bus := events.NewBus(events.DefaultBufferSize, logger)

	var journal Journal
	if cfg.Journal.Enabled {
		var err error
		switch cfg.Journal.Backend {
		case "file":
			journal, err = NewFileJournal(cfg.Journal.Path, cfg.Journal.FlushEvery, logger)
		case "redis":
			journal, err = NewRedisJournal(cfg.Redis.URL, cfg.Journal.MaxEntries, logger)
		default:
			err = fmt.Errorf("%w: journal backend %q", core.ErrInvalidConfiguration, cfg.Journal.Backend)
		}
		if err != nil {
			bus.Close()
			return nil, fmt.Errorf("journal: %w", err)
		}
	}

	var store ApprovalStore
	if cfg.Approval.Store == "redis" {
		redisStore, err := NewRedisApprovalStore(cfg.Redis.URL, 0, logger)
		if err != nil {
			if journal != nil {
				journal.Close()
			}
			bus.Close()
			return nil, fmt.Errorf("approval store: %w", err)
		}
		store = redisStore
	} else {
		store = NewMemoryApprovalStore()
	}

	guards := resilience.NewManager(cfg, logger, resilience.NewOTelMetricsCollector())
	queue := NewActionQueue(cfg.Queue.MaxSize, cfg.Queue.StarvationGuardK)
	idempotency := NewIdempotencyGuard(cfg.Idempotency.TTL)
	router := NewRouter(queue, adapters, bus, journal, logger, RouterConfig{})
	approvals := NewApprovalCoordinator(store, router, bus, journal, logger, cfg.Approval)
	executor := NewExecutor(ExecutorOptions{
		Guards:          guards,
		Adapters:        adapters,
		Idempotency:     idempotency,
		Approvals:       approvals,
		Bus:             bus,
		Journal:         journal,
		Logger:          logger,
		DefaultDeadline: cfg.Deadlines.DefaultAction,
	})
	workers := NewWorkerPool(queue, executor, adapters, bus, journal, logger, &WorkerPoolConfig{
		WorkerCount:     cfg.Workers.Count,
		ShutdownTimeout: cfg.Workers.ShutdownTimeout,
	})
	engine := NewWorkflowEngine(WorkflowEngineOptions{
		Submitter: router,
		Adapters:  adapters,
		Guards:    guards,
		Bus:       bus,
		Journal:   journal,
		Logger:    logger,
		Config:    cfg.Workflow,
		CacheTTL:  cfg.Idempotency.TTL,
	})

	o := &Orchestrator{
		config:        cfg,
		logger:        logger,
		bus:           bus,
		adapters:      adapters,
		guards:        guards,
		queue:         queue,
		idempotency:   idempotency,
		router:        router,
		executor:      executor,
		workers:       workers,
		approvals:     approvals,
		engine:        engine,
		journal:       journal,
		approvalStore: store,
	}
	guards.OnTransition(o.publishBreakerTransition)
	return o, nil
}

// Start brings the plane up: journal replay, approval timer re-arm, the
// worker pool, resumed workflows, the inbound pumps, and the idempotency
// sweep, in that order.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.running.Swap(true) {
		return core.ErrAlreadyStarted
	}
	o.lifeCtx, o.cancel = context.WithCancel(context.Background())

	var resume []*WorkflowSpec
	if o.journal != nil {
		resume = o.recoverFromJournal(ctx)
	}

	if err := o.approvals.Start(ctx); err != nil {
		o.cancel()
		o.running.Store(false)
		return fmt.Errorf("approval coordinator: %w", err)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.workers.Start(o.lifeCtx)
	}()

	// Interrupted workflows re-enter through the normal path. Steps that
	// already completed short-circuit on their restored idempotency entries,
	// so only the unfinished tail executes again.
	for _, spec := range resume {
		if _, err := o.engine.Submit(o.lifeCtx, spec); err != nil {
			o.logger.Error("Workflow resumption failed", map[string]interface{}{
				"operation":   "journal_replay",
				"workflow_id": spec.WorkflowID,
				"error":       err.Error(),
			})
		}
	}

	o.subscribeInbound()

	o.wg.Add(1)
	go o.purgeLoop()

	o.logger.Info("Orchestrator started", map[string]interface{}{
		"service":           o.config.ServiceName,
		"workers":           o.config.Workers.Count,
		"platforms":         len(o.adapters.Platforms()),
		"journal":           o.journal != nil,
		"resumed_workflows": len(resume),
		"queue_max":         o.config.Queue.MaxSize,
	})
	return nil
}

// Stop shuts the plane down: intake first, then workflows, the queue and
// workers, approvals, and finally the journal and bus. In-flight work is
// cancelled rather than drained; the journal keeps the interrupted actions
// visible for the next start.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if !o.running.Swap(false) {
		return nil
	}
	o.logger.Info("Stopping orchestrator", map[string]interface{}{
		"queued":           o.queue.Len(),
		"active_workflows": o.engine.ActiveRuns(),
	})

	for _, sub := range o.subs {
		sub.Unsubscribe()
	}
	o.subs = nil

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	keep(o.engine.Stop(ctx))
	o.queue.Close()
	keep(o.workers.Stop(ctx))
	keep(o.approvals.Stop(ctx))

	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()

	if o.journal != nil {
		keep(o.journal.Close())
	}
	keep(o.approvalStore.Close())
	o.bus.Close()

	o.logger.Info("Orchestrator stopped", nil)
	return firstErr
}

// SubmitAction validates and admits one decision. The returned record's
// Wait yields the terminal result.
func (o *Orchestrator) SubmitAction(ctx context.Context, decision *core.ActionDecision) (*core.ActionRecord, error) {
	return o.router.Submit(ctx, decision)
}

// ExecuteAction is the synchronous convenience: submit, then wait for the
// terminal result.
func (o *Orchestrator) ExecuteAction(ctx context.Context, decision *core.ActionDecision) (*core.ActionResult, error) {
	rec, err := o.router.Submit(ctx, decision)
	if err != nil {
		return nil, err
	}
	return rec.Wait(ctx)
}

// SubmitWorkflow validates and admits one workflow. Resubmissions with the
// same effective idempotency key return the existing run.
func (o *Orchestrator) SubmitWorkflow(ctx context.Context, spec *WorkflowSpec) (*WorkflowRun, error) {
	return o.engine.Submit(ctx, spec)
}

// WorkflowRun looks up an active or cached run by its run id.
func (o *Orchestrator) WorkflowRun(runID string) (*WorkflowRun, error) {
	return o.engine.Run(runID)
}

// CancelWorkflow requests cancellation of an active run.
func (o *Orchestrator) CancelWorkflow(runID string) error {
	return o.engine.CancelRun(runID)
}

// Approve records a human approval for a pending review.
func (o *Orchestrator) Approve(ctx context.Context, reviewID, reviewer, notes string) error {
	return o.approvals.Approve(ctx, reviewID, reviewer, notes)
}

// Reject records a human rejection for a pending review.
func (o *Orchestrator) Reject(ctx context.Context, reviewID, reviewer, notes string) error {
	return o.approvals.Reject(ctx, reviewID, reviewer, notes)
}

// Review returns the stored review, decided or pending.
func (o *Orchestrator) Review(ctx context.Context, reviewID string) (*PendingReview, error) {
	return o.approvals.Get(ctx, reviewID)
}

// Subscribe attaches a consumer to the outbound event stream.
func (o *Orchestrator) Subscribe(kinds ...events.Kind) *events.Subscription {
	return o.bus.Subscribe(kinds...)
}

// Bus exposes the event plane for publishers that feed the inbound kinds.
func (o *Orchestrator) Bus() *events.Bus {
	return o.bus
}

// Adapters exposes the platform registry.
func (o *Orchestrator) Adapters() *Registry {
	return o.adapters
}

// RegisterPlatform registers a platform client. Call before Start.
func (o *Orchestrator) RegisterPlatform(platform core.Platform, client core.PlatformClient) {
	o.adapters.Register(platform, client)
}

// RegisterParamMapper registers a cross-platform parameter mapping used
// during fallback dispatch.
func (o *Orchestrator) RegisterParamMapper(actionType string, from, to core.Platform, fn ParamMapper) {
	o.adapters.RegisterParamMapper(actionType, from, to, fn)
}

// subscribeInbound attaches the pumps that bridge bus submissions into the
// router and the workflow engine.
func (o *Orchestrator) subscribeInbound() {
	actions := o.bus.Subscribe(events.ActionReady)
	workflows := o.bus.Subscribe(events.WorkflowSubmit)
	o.subs = append(o.subs, actions, workflows)

	o.wg.Add(2)
	go o.pumpActions(actions)
	go o.pumpWorkflows(workflows)
}

func (o *Orchestrator) pumpActions(sub *events.Subscription) {
	defer o.wg.Done()
	for {
		select {
		case <-o.lifeCtx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			decision, ok := e.Decision()
			if !ok {
				o.logger.Warn("Dropping action:ready event without a decision payload", map[string]interface{}{
					"event_id": e.ID,
				})
				continue
			}
			if _, err := o.router.Submit(o.lifeCtx, decision); err != nil {
				o.logger.Warn("Inbound action not admitted", map[string]interface{}{
					"action_id": decision.ID,
					"error":     err.Error(),
				})
			}
		}
	}
}

func (o *Orchestrator) pumpWorkflows(sub *events.Subscription) {
	defer o.wg.Done()
	for {
		select {
		case <-o.lifeCtx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			spec := workflowSpecFromPayload(e.Payload)
			if spec == nil {
				o.logger.Warn("Dropping workflow:submit event without a spec payload", map[string]interface{}{
					"event_id": e.ID,
				})
				continue
			}
			if _, err := o.engine.Submit(o.lifeCtx, spec); err != nil {
				o.logger.Warn("Inbound workflow not admitted", map[string]interface{}{
					"workflow_id": spec.WorkflowID,
					"error":       err.Error(),
				})
			}
		}
	}
}

// workflowSpecFromPayload accepts the forms a workflow:submit payload takes
// in practice: an in-process *WorkflowSpec, a value copy, or raw YAML/JSON
// bytes.
func workflowSpecFromPayload(payload interface{}) *WorkflowSpec {
	switch p := payload.(type) {
	case *WorkflowSpec:
		return p
	case WorkflowSpec:
		return &p
	case []byte:
		spec, err := ParseWorkflowSpec(p)
		if err != nil {
			return nil
		}
		return spec
	case string:
		spec, err := ParseWorkflowSpec([]byte(p))
		if err != nil {
			return nil
		}
		return spec
	default:
		return nil
	}
}

// purgeLoop drops expired idempotency entries on a fixed cadence.
func (o *Orchestrator) purgeLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(idempotencyPurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.lifeCtx.Done():
			return
		case <-ticker.C:
			if purged := o.idempotency.PurgeExpired(); purged > 0 {
				o.logger.Debug("Idempotency entries purged", map[string]interface{}{
					"operation": "idempotency",
					"purged":    purged,
				})
			}
		}
	}
}

// publishBreakerTransition forwards breaker state changes onto the bus as
// circuit:* events.
func (o *Orchestrator) publishBreakerTransition(platform core.Platform, _, to resilience.State, snap resilience.BreakerSnapshot) {
	var kind events.Kind
	switch to {
	case resilience.StateOpen:
		kind = events.CircuitOpened
	case resilience.StateHalfOpen:
		kind = events.CircuitHalfOpen
	default:
		kind = events.CircuitClosed
	}
	o.bus.Publish(events.New(kind, "", events.CircuitTransitionPayload{
		Platform:         platform,
		State:            snap.State,
		WindowFailures:   snap.WindowFailures,
		ProbeSuccesses:   snap.ProbeSuccesses,
		ConsecutiveOpens: snap.ConsecutiveOpens,
	}))
}

// recoverFromJournal replays the journal into warm state: idempotency done
// entries re-seed the guard, and workflows with a submitted record but no
// finished record come back for resubmission. Replay is best-effort; a
// broken journal degrades to a cold start.
func (o *Orchestrator) recoverFromJournal(ctx context.Context) []*WorkflowSpec {
	start := time.Now()

	type workflowTrace struct {
		spec     *WorkflowSpec
		finished bool
	}
	var records, restored int
	workflows := make(map[string]*workflowTrace)

	err := o.journal.Replay(ctx, func(rec JournalRecord) error {
		records++
		switch rec.Kind {
		case JournalIdempotencyDone:
			var res core.ActionResult
			if !decodeJournalField(rec.Body, "result", &res) {
				return nil
			}
			if o.idempotency.Restore(rec.ID, &res, rec.TS) {
				restored++
			}
		case JournalWorkflowStep:
			event, _ := rec.Body["event"].(string)
			switch event {
			case "submitted":
				var spec WorkflowSpec
				if !decodeJournalField(rec.Body, "spec", &spec) {
					return nil
				}
				workflows[rec.ID] = &workflowTrace{spec: &spec}
			case "finished":
				if trace, ok := workflows[rec.ID]; ok {
					trace.finished = true
				} else {
					workflows[rec.ID] = &workflowTrace{finished: true}
				}
			}
		}
		return nil
	})
	if err != nil {
		o.logger.Warn("Journal replay stopped early", map[string]interface{}{
			"operation": "journal_replay",
			"error":     err.Error(),
		})
	}

	var resume []*WorkflowSpec
	for _, trace := range workflows {
		if trace.spec != nil && !trace.finished {
			resume = append(resume, trace.spec)
		}
	}

	EmitJournalReplay(ctx, records, restored, time.Since(start))
	o.logger.Info("Journal replay finished", map[string]interface{}{
		"operation":            "journal_replay",
		"records":              records,
		"idempotency_restored": restored,
		"workflows_to_resume":  len(resume),
	})
	return resume
}

// decodeJournalField round-trips one journal body field through JSON into a
// typed value. Replayed bodies arrive as generic maps.
func decodeJournalField(body map[string]interface{}, field string, out interface{}) bool {
	v, ok := body[field]
	if !ok || v == nil {
		return false
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}
