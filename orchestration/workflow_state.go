package orchestration

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/actionplane/actionplane/core"
)

// WorkflowStatus is the lifecycle state of a workflow run.
type WorkflowStatus string

const (
	WorkflowPending             WorkflowStatus = "pending"
	WorkflowRunning             WorkflowStatus = "running"
	WorkflowCompleted           WorkflowStatus = "completed"
	WorkflowFailed              WorkflowStatus = "failed"
	WorkflowRolledBack          WorkflowStatus = "rolled-back"
	WorkflowPartiallyRolledBack WorkflowStatus = "partially-rolled-back"
)

// Terminal reports whether the run has reached a final status.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowRolledBack, WorkflowPartiallyRolledBack:
		return true
	}
	return false
}

// compensation is one rollback stack entry, captured when its step
// completes. The platform is the one the step actually landed on, which may
// be a fallback rather than the one the spec named.
type compensation struct {
	stepName   string
	platform   core.Platform
	actionType string
	externalID string
	params     map[string]interface{}
}

// WorkflowResult is the terminal summary handed to waiters.
type WorkflowResult struct {
	WorkflowID       string                        `json:"workflow_id"`
	RunID            string                        `json:"run_id"`
	Status           WorkflowStatus                `json:"status"`
	StepResults      map[string]*core.ActionResult `json:"step_results,omitempty"`
	CompletedSteps   []string                      `json:"completed_steps,omitempty"`
	FailedStep       string                        `json:"failed_step,omitempty"`
	CompensatedSteps []string                      `json:"compensated_steps,omitempty"`
	Error            string                        `json:"error,omitempty"`
	CompletedAt      time.Time                     `json:"completed_at"`
}

// WorkflowRun tracks one execution of a spec. The engine owns all mutation;
// callers observe through Status, Result and Wait.
type WorkflowRun struct {
	ID   string
	Spec *WorkflowSpec

	mu             sync.Mutex
	status         WorkflowStatus
	completedSteps []string
	stepResults    map[string]*core.ActionResult
	rollbackStack  []compensation
	failedStep     string
	err            error
	startedAt      time.Time
	completedAt    time.Time
	result         *WorkflowResult

	cancelled atomic.Bool
	done      chan struct{}
}

func newWorkflowRun(id string, spec *WorkflowSpec) *WorkflowRun {
	return &WorkflowRun{
		ID:          id,
		Spec:        spec,
		status:      WorkflowPending,
		stepResults: make(map[string]*core.ActionResult, len(spec.Steps)),
		startedAt:   time.Now(),
		done:        make(chan struct{}),
	}
}

// Status returns the run's current lifecycle state.
func (r *WorkflowRun) Status() WorkflowStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Result returns the terminal summary, or nil while the run is in flight.
func (r *WorkflowRun) Result() *WorkflowResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// Wait blocks until the run finishes or ctx expires.
func (r *WorkflowRun) Wait(ctx context.Context) (*WorkflowResult, error) {
	select {
	case <-r.done:
		return r.Result(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel asks the run to stop launching new steps. Steps already in flight
// finish; if the workflow is transactional, completed steps are compensated.
func (r *WorkflowRun) Cancel() {
	r.cancelled.Store(true)
}

func (r *WorkflowRun) markRunning() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = WorkflowRunning
}

// recordStepResult stores a finished step's outcome. Compensation entries are
// pushed separately so their params can reference the step's own result.
func (r *WorkflowRun) recordStepResult(step *WorkflowStep, res *core.ActionResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stepResults[step.Name] = res
	if res.OK {
		r.completedSteps = append(r.completedSteps, step.Name)
	}
}

func (r *WorkflowRun) pushCompensation(comp compensation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollbackStack = append(r.rollbackStack, comp)
}

// markFailed records the first failure; later failures during the drain keep
// the original step name and error.
func (r *WorkflowRun) markFailed(stepName string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return
	}
	r.failedStep = stepName
	r.err = err
}

func (r *WorkflowRun) failure() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failedStep, r.err
}

// popCompensation removes and returns the newest rollback entry.
func (r *WorkflowRun) popCompensation() (compensation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.rollbackStack)
	if n == 0 {
		return compensation{}, false
	}
	comp := r.rollbackStack[n-1]
	r.rollbackStack = r.rollbackStack[:n-1]
	return comp, true
}

// stepResult resolves an earlier step's outcome for placeholder expansion.
func (r *WorkflowRun) stepResult(name string) (*core.ActionResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.stepResults[name]
	return res, ok
}

// finish seals the run with its terminal status and wakes all waiters.
func (r *WorkflowRun) finish(status WorkflowStatus, compensated []string) *WorkflowResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.result != nil {
		return r.result
	}
	r.status = status
	r.completedAt = time.Now()

	errMsg := ""
	if r.err != nil {
		errMsg = r.err.Error()
	}
	r.result = &WorkflowResult{
		WorkflowID:       r.Spec.WorkflowID,
		RunID:            r.ID,
		Status:           status,
		StepResults:      r.stepResults,
		CompletedSteps:   append([]string(nil), r.completedSteps...),
		FailedStep:       r.failedStep,
		CompensatedSteps: compensated,
		Error:            errMsg,
		CompletedAt:      r.completedAt,
	}
	close(r.done)
	return r.result
}
