package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/actionplane/actionplane/core"
	"github.com/actionplane/actionplane/events"
	"github.com/actionplane/actionplane/telemetry"
)

// ApprovalCoordinator holds actions flagged requiresApproval until a human
// or a timeout decides. It is the sole mutator of a review's terminal
// status: the store's Decide is a compare-and-set, so a racing timer and
// human call produce exactly one transition and the loser sees
// core.ErrAlreadyDecided.
//
// On approve the original decision is re-submitted with the approval flag
// cleared and the same idempotency key; the original submitter's Wait is
// satisfied by the re-run's terminal result. On reject or timeout-reject the
// original submitter observes a terminal rejection and no side effect
// happens.
type ApprovalCoordinator struct {
	store     ApprovalStore
	submitter Submitter
	bus       Publisher
	journal   Journal
	logger    core.Logger
	config    core.ApprovalConfig

	mu      sync.Mutex
	records map[string]*core.ActionRecord
	timers  map[string]*time.Timer

	lifeCtx context.Context
	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup
}

// NewApprovalCoordinator wires a coordinator over the given store. The
// submitter is how approved actions re-enter the execution plane.
func NewApprovalCoordinator(store ApprovalStore, submitter Submitter, bus Publisher, journal Journal, logger core.Logger, config core.ApprovalConfig) *ApprovalCoordinator {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if bus == nil {
		bus = nopPublisher{}
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 30 * time.Minute
	}
	if config.DefaultTimeoutAction == "" {
		config.DefaultTimeoutAction = TimeoutReject
	}
	return &ApprovalCoordinator{
		store:     store,
		submitter: submitter,
		bus:       bus,
		journal:   journal,
		logger:    logger,
		config:    config,
		records:   make(map[string]*core.ActionRecord),
		timers:    make(map[string]*time.Timer),
	}
}

// Start re-arms timers for reviews that survived a restart and begins the
// expiry sweep. Safe to call once.
func (c *ApprovalCoordinator) Start(ctx context.Context) error {
	if c.running.Swap(true) {
		return core.ErrAlreadyStarted
	}
	c.lifeCtx, c.cancel = context.WithCancel(context.Background())

	pending, err := c.store.ListPending(ctx)
	if err != nil {
		c.logger.Error("Failed to list pending reviews on start", map[string]interface{}{
			"operation": "approval_start",
			"error":     err.Error(),
		})
	}
	for _, review := range pending {
		c.armTimer(review)
		telemetry.RecordApprovalPending(1)
	}
	if len(pending) > 0 {
		c.logger.Info("Re-armed pending reviews", map[string]interface{}{
			"operation": "approval_start",
			"count":     len(pending),
		})
	}

	if c.config.SweepInterval > 0 {
		c.wg.Add(1)
		go c.sweepLoop()
	}
	return nil
}

// Stop cancels timers and the sweeper. Pending reviews stay in the store;
// a later Start picks them up again.
func (c *ApprovalCoordinator) Stop(ctx context.Context) error {
	if !c.running.Swap(false) {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	for id, timer := range c.timers {
		timer.Stop()
		delete(c.timers, id)
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestApproval implements ApprovalRequester. The coordinator takes
// ownership of the record until the review is decided.
func (c *ApprovalCoordinator) RequestApproval(ctx context.Context, rec *core.ActionRecord, reason string) (string, error) {
	decision := rec.Decision

	window := c.config.DefaultTimeout
	if decision.TimeoutMs > 0 {
		window = time.Duration(decision.TimeoutMs) * time.Millisecond
	}

	now := time.Now()
	review := &PendingReview{
		ID:            uuid.NewString(),
		ActionID:      decision.ID,
		CorrelationID: decision.CorrelationID,
		Decision:      decision,
		Reason:        reason,
		QueuedAt:      now,
		TimeoutAt:     now.Add(window),
		TimeoutAction: c.config.DefaultTimeoutAction,
		Status:        ReviewPending,
	}
	if err := c.store.Create(ctx, review); err != nil {
		return "", fmt.Errorf("create review: %w", err)
	}

	c.mu.Lock()
	c.records[review.ID] = rec
	c.mu.Unlock()
	c.armTimer(review)

	telemetry.RecordApprovalPending(1)
	EmitApprovalRequested(ctx, decision.ID, review.ID, reason)
	journalAppend(ctx, c.journal, c.logger, JournalRecord{
		Kind: JournalReviewTransition,
		ID:   review.ID,
		Body: map[string]interface{}{
			"status":     string(ReviewPending),
			"action_id":  decision.ID,
			"timeout_at": review.TimeoutAt,
		},
	})

	c.bus.Publish(events.New(events.ActionRequiresApproval, decision.CorrelationID, events.ActionRequiresApprovalPayload{
		ActionID:  decision.ID,
		ReviewID:  review.ID,
		Reason:    reason,
		TimeoutAt: review.TimeoutAt,
	}))

	c.logger.Info("Approval requested", map[string]interface{}{
		"operation":      "approval",
		"action_id":      decision.ID,
		"review_id":      review.ID,
		"timeout_at":     review.TimeoutAt.Format(time.RFC3339),
		"timeout_action": review.TimeoutAction,
	})
	return review.ID, nil
}

// Approve records a human approval. Returns core.ErrAlreadyDecided when the
// review is already terminal and core.ErrUnknownReview when it does not
// exist.
func (c *ApprovalCoordinator) Approve(ctx context.Context, reviewID, reviewer, notes string) error {
	return c.decide(ctx, reviewID, ReviewApproved, reviewer, notes, "human")
}

// Reject records a human rejection.
func (c *ApprovalCoordinator) Reject(ctx context.Context, reviewID, reviewer, notes string) error {
	return c.decide(ctx, reviewID, ReviewRejected, reviewer, notes, "human")
}

// Get returns the stored review.
func (c *ApprovalCoordinator) Get(ctx context.Context, reviewID string) (*PendingReview, error) {
	return c.store.Get(ctx, reviewID)
}

// PendingCount reports how many reviews await a decision.
func (c *ApprovalCoordinator) PendingCount(ctx context.Context) (int, error) {
	pending, err := c.store.ListPending(ctx)
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}

// armTimer schedules the single-shot timeout for a pending review. The
// timeout action is captured at arm time; it is immutable per review.
func (c *ApprovalCoordinator) armTimer(review *PendingReview) {
	reviewID := review.ID
	timeoutAction := review.TimeoutAction
	wait := time.Until(review.TimeoutAt)
	if wait < 0 {
		wait = 0
	}

	c.mu.Lock()
	if old, ok := c.timers[reviewID]; ok {
		old.Stop()
	}
	c.timers[reviewID] = time.AfterFunc(wait, func() {
		c.onTimeout(reviewID, timeoutAction)
	})
	c.mu.Unlock()
}

// onTimeout runs the configured auto-decision. Losing the race to a human
// decision is expected and ignored.
func (c *ApprovalCoordinator) onTimeout(reviewID, timeoutAction string) {
	ctx := c.runCtx()

	var err error
	if timeoutAction == TimeoutApprove {
		err = c.decide(ctx, reviewID, ReviewApproved, "system", "auto-approved on timeout", "timeout")
	} else {
		err = c.decide(ctx, reviewID, ReviewTimedOut, "system", "auto-rejected on timeout", "timeout")
	}
	if err != nil && !errors.Is(err, core.ErrAlreadyDecided) && !errors.Is(err, core.ErrUnknownReview) {
		c.logger.Error("Approval timeout processing failed", map[string]interface{}{
			"operation": "approval_timeout",
			"review_id": reviewID,
			"error":     err.Error(),
		})
	}
}

// decide is the single terminal-transition path for every decision source.
func (c *ApprovalCoordinator) decide(ctx context.Context, reviewID string, status ReviewStatus, reviewer, notes, source string) error {
	review, err := c.store.Decide(ctx, reviewID, status, reviewer, notes, time.Now())
	if err != nil {
		return err
	}

	c.mu.Lock()
	if timer, ok := c.timers[reviewID]; ok {
		timer.Stop()
		delete(c.timers, reviewID)
	}
	rec := c.records[reviewID]
	delete(c.records, reviewID)
	c.mu.Unlock()

	telemetry.RecordApprovalPending(-1)
	telemetry.RecordApprovalDecision(string(status), source)
	EmitApprovalDecided(ctx, reviewID, string(status), source)
	journalAppend(ctx, c.journal, c.logger, JournalRecord{
		Kind: JournalReviewTransition,
		ID:   reviewID,
		Body: map[string]interface{}{
			"status":    string(status),
			"action_id": review.ActionID,
			"reviewer":  reviewer,
			"source":    source,
		},
	})
	c.logger.Info("Review decided", map[string]interface{}{
		"operation": "approval",
		"review_id": reviewID,
		"action_id": review.ActionID,
		"status":    string(status),
		"reviewer":  reviewer,
		"source":    source,
	})

	switch status {
	case ReviewApproved:
		c.resume(ctx, review, rec, reviewer)
	case ReviewRejected:
		c.finalizeRejected(ctx, review, rec, events.ReasonApprovalRejected,
			fmt.Sprintf("rejected by %s", reviewer))
	case ReviewTimedOut:
		c.finalizeRejected(ctx, review, rec, events.ReasonApprovalTimeout,
			"auto-rejected on approval timeout")
	}
	return nil
}

// resume re-submits the approved decision with the approval flag cleared.
// The re-run reuses the original idempotency key, so an approval that races
// a restart cannot double-execute.
func (c *ApprovalCoordinator) resume(ctx context.Context, review *PendingReview, rec *core.ActionRecord, reviewer string) {
	if c.submitter == nil || review.Decision == nil {
		c.logger.Error("Approved review cannot resume", map[string]interface{}{
			"operation": "approval_resume",
			"review_id": review.ID,
			"action_id": review.ActionID,
		})
		c.deliverFailure(rec, review, core.KindValidation, "approved review could not be resumed")
		return
	}

	resubmit := *review.Decision
	resubmit.RequiresApproval = false
	resubmit.ApprovedBy = reviewer

	newRec, err := c.submitter.Submit(ctx, &resubmit)
	if err != nil {
		c.logger.Error("Approved action failed re-admission", map[string]interface{}{
			"operation": "approval_resume",
			"review_id": review.ID,
			"action_id": review.ActionID,
			"error":     err.Error(),
		})
		c.deliverFailure(rec, review, core.KindOf(err), err.Error())
		return
	}

	if rec == nil {
		// Review restored from the store after a restart; the original
		// waiter is gone and the re-run publishes its own lifecycle.
		return
	}

	rec.State = core.StateQueued
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		res, err := newRec.Wait(c.runCtx())
		if err != nil {
			c.deliverFailure(rec, review, core.KindTimeout, "orchestrator stopped before approved action finished")
			return
		}
		rec.State = newRec.State
		rec.Result = res
		rec.CompletedAt = res.CompletedAt
		rec.Deliver(res)
	}()
}

// finalizeRejected publishes the rejection and releases the original waiter
// with a terminal result.
func (c *ApprovalCoordinator) finalizeRejected(ctx context.Context, review *PendingReview, rec *core.ActionRecord, reason, message string) {
	c.bus.Publish(events.New(events.ActionRejected, review.CorrelationID, events.ActionRejectedPayload{
		ActionID: review.ActionID,
		Reason:   reason,
		Detail:   review.Notes,
	}))
	EmitActionRejected(ctx, review.ActionID, reason)
	c.deliverFailure(rec, review, core.KindValidation, message)
}

func (c *ApprovalCoordinator) deliverFailure(rec *core.ActionRecord, review *PendingReview, kind core.ErrorKind, message string) {
	if rec == nil {
		return
	}
	now := time.Now()
	res := &core.ActionResult{
		ActionID:    review.ActionID,
		OK:          false,
		ErrorKind:   kind,
		Error:       message,
		ReviewID:    review.ID,
		CompletedAt: now,
	}
	if review.Decision != nil {
		res.Platform = review.Decision.Platform
	}
	rec.State = core.StateRejected
	rec.Result = res
	rec.CompletedAt = now
	rec.LastError = message
	rec.Deliver(res)
}

// sweepLoop reconciles reviews whose timers were lost, e.g. when a shared
// Redis store was written by a replica that died.
func (c *ApprovalCoordinator) sweepLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.lifeCtx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep expires past-due reviews. Decide's compare-and-set makes a sweep
// racing an armed timer harmless.
func (c *ApprovalCoordinator) sweep() {
	ctx := c.runCtx()
	pending, err := c.store.ListPending(ctx)
	if err != nil {
		c.logger.Warn("Approval sweep failed", map[string]interface{}{
			"operation": "approval_sweep",
			"error":     err.Error(),
		})
		return
	}

	now := time.Now()
	for _, review := range pending {
		if review.TimeoutAt.After(now) {
			continue
		}
		c.onTimeout(review.ID, review.TimeoutAction)
	}
}

func (c *ApprovalCoordinator) runCtx() context.Context {
	if c.lifeCtx != nil {
		return c.lifeCtx
	}
	return context.Background()
}

var _ ApprovalRequester = (*ApprovalCoordinator)(nil)
