package orchestration

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/actionplane/actionplane/core"
	"github.com/actionplane/actionplane/events"
	"github.com/actionplane/actionplane/telemetry"
)

// WorkerPoolConfig configures the worker pool.
type WorkerPoolConfig struct {
	// WorkerCount is the number of concurrent workers.
	// Default: 5
	WorkerCount int `json:"worker_count"`

	// DequeueTimeout is how long each worker waits for an action before
	// rechecking its context.
	// Default: 30s
	DequeueTimeout time.Duration `json:"dequeue_timeout"`

	// ShutdownTimeout is how long Stop waits for in-flight actions.
	// Default: 30s
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// DefaultWorkerPoolConfig returns default configuration.
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		WorkerCount:     core.DefaultWorkerCount,
		DequeueTimeout:  30 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// WorkerPool drains the action queue with N cooperative workers. Each worker
// owns exactly one record at a time: dequeue, run the executor pipeline,
// publish the terminal event, deliver the result, release. Trace context
// captured at admission is restored around each action.
type WorkerPool struct {
	queue    *ActionQueue
	executor *Executor
	adapters AdapterRegistry
	bus      Publisher
	journal  Journal
	logger   core.Logger
	config   WorkerPoolConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup

	running     atomic.Bool
	activeCount atomic.Int32
	processed   atomic.Int64

	workerIDCounter atomic.Int32
}

// NewWorkerPool creates a worker pool over the queue and executor.
func NewWorkerPool(queue *ActionQueue, executor *Executor, adapters AdapterRegistry, bus Publisher, journal Journal, logger core.Logger, config *WorkerPoolConfig) *WorkerPool {
	if config == nil {
		defaultConfig := DefaultWorkerPoolConfig()
		config = &defaultConfig
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = core.DefaultWorkerCount
	}
	if config.DequeueTimeout <= 0 {
		config.DequeueTimeout = 30 * time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if bus == nil {
		bus = nopPublisher{}
	}
	return &WorkerPool{
		queue:    queue,
		executor: executor,
		adapters: adapters,
		bus:      bus,
		journal:  journal,
		logger:   logger,
		config:   *config,
	}
}

// Start begins draining the queue. Blocks until ctx is cancelled, the queue
// closes, or Stop is called; callers run it in a goroutine.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.running.Swap(true) {
		return core.ErrAlreadyStarted
	}

	workerCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.logger.Info("Starting worker pool", map[string]interface{}{
		"worker_count": p.config.WorkerCount,
	})

	for i := 0; i < p.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("worker-%d", p.workerIDCounter.Add(1))
		p.wg.Add(1)
		go p.runWorker(workerCtx, workerID)
	}

	p.wg.Wait()
	p.running.Store(false)

	p.logger.Info("Worker pool stopped", map[string]interface{}{
		"worker_count": p.config.WorkerCount,
		"processed":    p.processed.Load(),
	})
	return nil
}

// Stop gracefully stops the pool, waiting for in-flight actions up to the
// shutdown timeout.
func (p *WorkerPool) Stop(ctx context.Context) error {
	if !p.running.Load() {
		return nil
	}

	p.logger.Info("Stopping worker pool", map[string]interface{}{
		"active_workers": p.activeCount.Load(),
	})

	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(p.config.ShutdownTimeout):
		return fmt.Errorf("shutdown timeout: some workers may still be running")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active returns the number of live worker goroutines.
func (p *WorkerPool) Active() int {
	return int(p.activeCount.Load())
}

// Processed returns the number of actions run to a terminal or parked state.
func (p *WorkerPool) Processed() int64 {
	return p.processed.Load()
}

// runWorker is the main loop for each worker goroutine.
func (p *WorkerPool) runWorker(ctx context.Context, workerID string) {
	defer p.wg.Done()

	p.activeCount.Add(1)
	EmitWorkerStarted(workerID, int(p.activeCount.Load()))
	p.logger.Info("Worker started", map[string]interface{}{
		"worker_id": workerID,
	})

	defer func() {
		count := p.activeCount.Add(-1)
		EmitWorkerStopped(workerID, int(count))
		p.logger.Info("Worker stopped", map[string]interface{}{
			"worker_id": workerID,
		})
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		item, err := p.queue.Dequeue(ctx, p.config.DequeueTimeout)
		if err != nil {
			// Cancelled or queue closed; both mean the plane is shutting down.
			return
		}
		if item == nil {
			// Timeout, nothing queued
			continue
		}

		p.processAction(ctx, workerID, item)
		p.processed.Add(1)
	}
}

// processAction runs a single dequeued action with trace restoration.
func (p *WorkerPool) processAction(parentCtx context.Context, workerID string, item *queuedAction) {
	rec := item.record
	decision := rec.Decision

	ctx, endSpan := telemetry.StartLinkedSpanWithKind(
		parentCtx,
		"orchestration.action",
		item.traceID,
		item.spanID,
		map[string]string{
			"action.id":       decision.ID,
			"action.type":     decision.Type,
			"action.platform": string(decision.Platform),
			"action.priority": string(rec.Priority),
			"worker.id":       workerID,
		},
		trace.SpanKindConsumer,
	)
	defer endSpan()

	ctx = telemetry.WithBaggage(ctx,
		"correlation_id", decision.CorrelationID,
		"action_id", decision.ID,
	)

	telemetry.TrackInFlight("orchestration.actions.inflight", 1, "platform", string(decision.Platform))
	defer telemetry.TrackInFlight("orchestration.actions.inflight", -1, "platform", string(decision.Platform))

	if !rec.QueueEnqueuedAt.IsZero() {
		EmitQueueWait(ctx, string(rec.Priority), time.Since(rec.QueueEnqueuedAt))
	}

	rec.State = core.StateRunning

	res := p.execute(ctx, workerID, rec)
	p.finish(ctx, rec, res)
}

// execute runs the pipeline with panic recovery so a worker never dies with
// an action in hand.
func (p *WorkerPool) execute(ctx context.Context, workerID string, rec *core.ActionRecord) (res *core.ActionResult) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			EmitWorkerPanic(ctx, rec.Decision.ID, r)
			p.logger.Error("Worker recovered from panic", map[string]interface{}{
				"worker_id": workerID,
				"action_id": rec.Decision.ID,
				"panic":     fmt.Sprintf("%v", r),
				"stack":     stack,
			})
			res = &core.ActionResult{
				ActionID:    rec.Decision.ID,
				OK:          false,
				ErrorKind:   core.KindClient,
				Error:       fmt.Sprintf("internal error: %v", r),
				Platform:    rec.Decision.Platform,
				CompletedAt: time.Now(),
			}
		}
	}()

	return p.executor.Execute(ctx, rec)
}

// finish applies the terminal (or parked) result to the record, publishes
// the lifecycle event, journals the transition, and releases any waiter.
func (p *WorkerPool) finish(ctx context.Context, rec *core.ActionRecord, res *core.ActionResult) {
	decision := rec.Decision

	if res.PendingApproval {
		// The coordinator owns the record now. It published
		// requires_approval and will deliver the terminal result after the
		// decision.
		rec.State = core.StatePendingApproval
		p.logger.Info("Action parked for approval", map[string]interface{}{
			"operation": "approval",
			"action_id": decision.ID,
			"review_id": res.ReviewID,
		})
		return
	}

	rec.Result = res
	rec.CompletedAt = res.CompletedAt
	if res.OK {
		rec.State = core.StateSucceeded
	} else {
		rec.State = core.StateFailed
		rec.LastError = res.Error
	}

	if res.FromCache {
		// The first execution already published this action's lifecycle;
		// a cached replay stays silent.
		rec.Deliver(res)
		return
	}

	if res.OK {
		p.bus.Publish(events.New(events.ActionCompleted, decision.CorrelationID, events.ActionCompletedPayload{
			ActionID:         res.ActionID,
			Result:           res,
			UsedFallback:     res.UsedFallback,
			FallbackPlatform: res.FallbackPlatform,
		}))
		EmitActionCompleted(ctx, decision.ID, string(res.Platform), decision.Type, res.UsedFallback, rec.FirstStartedAt)
		p.logger.Info("Action completed", map[string]interface{}{
			"operation":     "execute",
			"action_id":     decision.ID,
			"platform":      string(res.Platform),
			"attempts":      res.Attempts,
			"used_fallback": res.UsedFallback,
		})
	} else {
		p.bus.Publish(events.New(events.ActionFailed, decision.CorrelationID, events.ActionFailedPayload{
			ActionID:          res.ActionID,
			ErrorKind:         res.ErrorKind,
			Message:           res.Error,
			Platform:          res.Platform,
			FallbackAttempted: res.UsedFallback,
		}))
		EmitActionFailed(ctx, decision.ID, string(res.Platform), decision.Type, string(res.ErrorKind), res.UsedFallback, rec.FirstStartedAt)
		p.logger.Warn("Action failed", map[string]interface{}{
			"operation":          "execute",
			"action_id":          decision.ID,
			"platform":           string(res.Platform),
			"error_kind":         string(res.ErrorKind),
			"error":              res.Error,
			"attempts":           res.Attempts,
			"fallback_attempted": res.UsedFallback,
			"params":             core.RedactParams(decision.Params, p.adapters.MaskedFields(decision.Platform)),
		})
	}

	journalAppend(ctx, p.journal, p.logger, JournalRecord{
		Kind: JournalActionTerminal,
		ID:   decision.ID,
		Body: map[string]interface{}{
			"state":         string(rec.State),
			"ok":            res.OK,
			"platform":      string(res.Platform),
			"error_kind":    string(res.ErrorKind),
			"attempts":      res.Attempts,
			"used_fallback": res.UsedFallback,
		},
	})

	rec.Deliver(res)
}
