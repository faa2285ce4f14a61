package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actionplane/actionplane/core"
	"github.com/actionplane/actionplane/events"
)

// startOrchestrator assembles and starts a plane over fastConfig with one
// SimClient per requested platform.
func startOrchestrator(t *testing.T, cfg *core.Config, platforms ...core.Platform) (*Orchestrator, map[core.Platform]*core.SimClient) {
	t.Helper()
	if cfg == nil {
		cfg = fastConfig()
	}
	orch, err := NewOrchestrator(cfg, &core.NoOpLogger{}, nil)
	require.NoError(t, err)

	sims := make(map[core.Platform]*core.SimClient, len(platforms))
	for _, p := range platforms {
		sim := core.NewSimClient(p)
		orch.RegisterPlatform(p, sim)
		sims[p] = sim
	}

	require.NoError(t, orch.Start(context.Background()))
	t.Cleanup(func() { _ = orch.Stop(context.Background()) })
	return orch, sims
}

func TestNewOrchestratorDefaultConfig(t *testing.T) {
	orch, err := NewOrchestrator(nil, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, orch.Adapters())

	// Stop before Start is a harmless no-op.
	assert.NoError(t, orch.Stop(context.Background()))
}

func TestNewOrchestratorRejectsInvalidConfig(t *testing.T) {
	cfg := fastConfig()
	cfg.Approval.Store = "bogus"
	_, err := NewOrchestrator(cfg, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)

	cfg = fastConfig()
	cfg.Journal.Enabled = true
	cfg.Journal.Backend = "s3"
	_, err = NewOrchestrator(cfg, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)
}

func TestOrchestratorStartTwice(t *testing.T) {
	orch, _ := startOrchestrator(t, nil, core.PlatformNotion)
	assert.ErrorIs(t, orch.Start(context.Background()), core.ErrAlreadyStarted)
}

func TestOrchestratorActionEndToEnd(t *testing.T) {
	orch, sims := startOrchestrator(t, nil, core.PlatformNotion)
	sub := orch.Subscribe(events.ActionCompleted)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := orch.ExecuteAction(ctx, &core.ActionDecision{
		ID:             "act-e2e",
		Type:           core.ActionCreateTask,
		Platform:       core.PlatformNotion,
		Params:         map[string]interface{}{"title": "ship the release"},
		IdempotencyKey: "ik-e2e",
	})
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, "sim-notion-1", res.ExternalID)
	assert.Equal(t, 1, sims[core.PlatformNotion].Calls())

	e := waitForKind(t, sub, events.ActionCompleted, 2*time.Second)
	payload, ok := e.Payload.(events.ActionCompletedPayload)
	require.True(t, ok, "payload type %T", e.Payload)
	assert.Equal(t, "act-e2e", payload.ActionID)
	require.NotNil(t, payload.Result)
	assert.Equal(t, "sim-notion-1", payload.Result.ExternalID)
}

func TestOrchestratorDuplicateSubmissionIsCached(t *testing.T) {
	orch, sims := startOrchestrator(t, nil, core.PlatformNotion)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	decision := func(id string) *core.ActionDecision {
		return &core.ActionDecision{
			ID:             id,
			Type:           core.ActionCreateTask,
			Platform:       core.PlatformNotion,
			Params:         map[string]interface{}{"title": "only once"},
			IdempotencyKey: "ik-dup-e2e",
		}
	}

	first, err := orch.ExecuteAction(ctx, decision("act-dup-1"))
	require.NoError(t, err)
	require.True(t, first.OK)

	second, err := orch.ExecuteAction(ctx, decision("act-dup-2"))
	require.NoError(t, err)
	require.True(t, second.OK)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.ExternalID, second.ExternalID)
	assert.Equal(t, "act-dup-2", second.ActionID)
	assert.Equal(t, 1, sims[core.PlatformNotion].Calls())
}

func TestOrchestratorInboundActionPump(t *testing.T) {
	orch, sims := startOrchestrator(t, nil, core.PlatformSlack)
	sub := orch.Subscribe(events.ActionCompleted)

	orch.Bus().Publish(events.New(events.ActionReady, "corr-bus", &core.ActionDecision{
		ID:       "act-bus",
		Type:     core.ActionNotify,
		Platform: core.PlatformSlack,
		Params:   map[string]interface{}{"message": "pipeline green"},
	}))

	e := waitForKind(t, sub, events.ActionCompleted, 2*time.Second)
	payload, ok := e.Payload.(events.ActionCompletedPayload)
	require.True(t, ok, "payload type %T", e.Payload)
	assert.Equal(t, "act-bus", payload.ActionID)
	assert.Equal(t, "corr-bus", e.CorrelationID)
	assert.Equal(t, 1, sims[core.PlatformSlack].Calls())
}

func TestOrchestratorInboundWorkflowPumpParsesYAML(t *testing.T) {
	orch, sims := startOrchestrator(t, nil, core.PlatformNotion)
	sub := orch.Subscribe(events.WorkflowStepCompleted)

	orch.Bus().Publish(events.New(events.WorkflowSubmit, "corr-wf", `
workflow_id: wf-bus
steps:
  - name: create
    type: create_task
    platform: notion
    params:
      title: from the bus
`))

	e := waitForKind(t, sub, events.WorkflowStepCompleted, 3*time.Second)
	payload, ok := e.Payload.(*events.WorkflowStepCompletedPayload)
	require.True(t, ok, "payload type %T", e.Payload)
	assert.Equal(t, "wf-bus", payload.WorkflowID)
	assert.Equal(t, "create", payload.StepName)

	require.Eventually(t, func() bool { return sims[core.PlatformNotion].Calls() == 1 },
		2*time.Second, 10*time.Millisecond)
	executed := sims[core.PlatformNotion].Executed()
	require.Len(t, executed, 1)
	assert.Equal(t, "from the bus", executed[0].Params["title"])
}

func TestOrchestratorApprovalRoundTrip(t *testing.T) {
	orch, sims := startOrchestrator(t, nil, core.PlatformNotion)
	sub := orch.Subscribe(events.ActionRequiresApproval)

	rec, err := orch.SubmitAction(context.Background(), &core.ActionDecision{
		ID:               "act-gated",
		Type:             core.ActionCreateTask,
		Platform:         core.PlatformNotion,
		Params:           map[string]interface{}{"title": "wire transfer"},
		IdempotencyKey:   "ik-gated",
		RequiresApproval: true,
	})
	require.NoError(t, err)

	raised := waitForKind(t, sub, events.ActionRequiresApproval, 2*time.Second)
	payload, ok := raised.Payload.(events.ActionRequiresApprovalPayload)
	require.True(t, ok, "payload type %T", raised.Payload)
	reviewID := payload.ReviewID
	require.NotEmpty(t, reviewID)
	assert.Equal(t, 0, sims[core.PlatformNotion].Calls(), "gated action must not touch the platform")

	review, err := orch.Review(context.Background(), reviewID)
	require.NoError(t, err)
	assert.Equal(t, ReviewPending, review.Status)

	require.NoError(t, orch.Approve(context.Background(), reviewID, "alice", "verified with finance"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := rec.Wait(ctx)
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, "sim-notion-1", res.ExternalID)
	assert.Equal(t, 1, sims[core.PlatformNotion].Calls())

	review, err = orch.Review(context.Background(), reviewID)
	require.NoError(t, err)
	assert.Equal(t, ReviewApproved, review.Status)
	assert.Equal(t, "alice", review.Reviewer)
}

func TestOrchestratorWorkflowEndToEnd(t *testing.T) {
	orch, sims := startOrchestrator(t, nil, core.PlatformNotion, core.PlatformSlack)

	run, err := orch.SubmitWorkflow(context.Background(), &WorkflowSpec{
		WorkflowID: "wf-e2e",
		Steps: []WorkflowStep{
			{Name: "create", Type: core.ActionCreateTask, Platform: core.PlatformNotion,
				Params: map[string]interface{}{"title": "incident report"}},
			{Name: "announce", Type: core.ActionNotify, Platform: core.PlatformSlack,
				DependsOn: []string{"create"},
				Params:    map[string]interface{}{"message": "${steps.create.external_id}"}},
		},
	})
	require.NoError(t, err)

	result := awaitRun(t, run, 5*time.Second)
	require.Equal(t, WorkflowCompleted, result.Status)

	found, err := orch.WorkflowRun(run.ID)
	require.NoError(t, err)
	assert.Same(t, run, found)

	executed := sims[core.PlatformSlack].Executed()
	require.Len(t, executed, 1)
	assert.Equal(t, "sim-notion-1", executed[0].Params["message"])
}

func TestOrchestratorHealthSnapshot(t *testing.T) {
	orch, sims := startOrchestrator(t, nil, core.PlatformNotion, core.PlatformTrello)
	sims[core.PlatformTrello].SetHealthError(errors.New("token expired"))

	snap := orch.Health(context.Background())
	assert.Equal(t, HealthStatusHealthy, snap.Status)
	assert.Equal(t, fastConfig().Workers.Count, snap.Workers.Configured)
	require.Len(t, snap.Platforms, 2)

	byPlatform := make(map[core.Platform]PlatformHealth, len(snap.Platforms))
	for _, ph := range snap.Platforms {
		byPlatform[ph.Platform] = ph
	}
	assert.True(t, byPlatform[core.PlatformNotion].Reachable)
	assert.False(t, byPlatform[core.PlatformTrello].Reachable)
	assert.Contains(t, byPlatform[core.PlatformTrello].Error, "token expired")

	rr := httptest.NewRecorder()
	orch.HealthHandler()(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	var decoded HealthSnapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &decoded))
	assert.Equal(t, HealthStatusHealthy, decoded.Status)

	// An open breaker degrades the surface and flips the handler to 503.
	guard := orch.guards.Guard(core.PlatformNotion)
	for i := 0; i < fastConfig().Breaker.FailureThreshold; i++ {
		guard.Breaker.OnFailure(core.KindTransient)
	}
	snap = orch.Health(context.Background())
	assert.Equal(t, HealthStatusDegraded, snap.Status)

	rr = httptest.NewRecorder()
	orch.HealthHandler()(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestOrchestratorJournalRecoveryAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	journaled := func() *core.Config {
		cfg := fastConfig()
		cfg.Journal.Enabled = true
		cfg.Journal.Backend = "file"
		cfg.Journal.Path = path
		cfg.Journal.FlushEvery = 10 * time.Millisecond
		return cfg
	}
	decision := func(id string) *core.ActionDecision {
		return &core.ActionDecision{
			ID:             id,
			Type:           core.ActionCreateTask,
			Platform:       core.PlatformNotion,
			Params:         map[string]interface{}{"title": "durable once"},
			IdempotencyKey: "ik-recover",
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	first, err := NewOrchestrator(journaled(), &core.NoOpLogger{}, nil)
	require.NoError(t, err)
	sim1 := core.NewSimClient(core.PlatformNotion)
	first.RegisterPlatform(core.PlatformNotion, sim1)
	require.NoError(t, first.Start(ctx))

	res1, err := first.ExecuteAction(ctx, decision("act-r1"))
	require.NoError(t, err)
	require.True(t, res1.OK)
	require.Equal(t, 1, sim1.Calls())
	require.NoError(t, first.Stop(ctx))

	// A new process over the same journal answers the duplicate from the
	// replayed idempotency state without touching the platform.
	second, err := NewOrchestrator(journaled(), &core.NoOpLogger{}, nil)
	require.NoError(t, err)
	sim2 := core.NewSimClient(core.PlatformNotion)
	second.RegisterPlatform(core.PlatformNotion, sim2)
	require.NoError(t, second.Start(ctx))
	t.Cleanup(func() { _ = second.Stop(context.Background()) })

	res2, err := second.ExecuteAction(ctx, decision("act-r2"))
	require.NoError(t, err)
	require.True(t, res2.OK)
	assert.True(t, res2.FromCache)
	assert.Equal(t, res1.ExternalID, res2.ExternalID)
	assert.Equal(t, 0, sim2.Calls())
}

func TestOrchestratorResumesInterruptedWorkflow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")

	// A journal left behind by a process that died mid-run: the submission
	// is recorded, the finish never happened.
	spec := &WorkflowSpec{
		WorkflowID:     "wf-orphan",
		IdempotencyKey: "wf-ik-orphan",
		Steps: []WorkflowStep{
			{Name: "create", Type: core.ActionCreateTask, Platform: core.PlatformNotion,
				Params: map[string]interface{}{"title": "carry on"}},
		},
	}
	j, err := NewFileJournal(path, 10*time.Millisecond, nil)
	require.NoError(t, err)
	journalAppend(context.Background(), j, nil, JournalRecord{
		Kind: JournalWorkflowStep,
		ID:   spec.EffectiveIdempotencyKey(),
		Body: map[string]interface{}{
			"event":       "submitted",
			"run_id":      "run-orphan",
			"workflow_id": spec.WorkflowID,
			"spec":        spec,
		},
	})
	require.NoError(t, j.Close())

	cfg := fastConfig()
	cfg.Journal.Enabled = true
	cfg.Journal.Backend = "file"
	cfg.Journal.Path = path
	cfg.Journal.FlushEvery = 10 * time.Millisecond

	orch, err := NewOrchestrator(cfg, &core.NoOpLogger{}, nil)
	require.NoError(t, err)
	sim := core.NewSimClient(core.PlatformNotion)
	orch.RegisterPlatform(core.PlatformNotion, sim)
	sub := orch.Subscribe(events.WorkflowStepCompleted)

	require.NoError(t, orch.Start(context.Background()))
	t.Cleanup(func() { _ = orch.Stop(context.Background()) })

	e := waitForKind(t, sub, events.WorkflowStepCompleted, 3*time.Second)
	payload, ok := e.Payload.(*events.WorkflowStepCompletedPayload)
	require.True(t, ok, "payload type %T", e.Payload)
	assert.Equal(t, "wf-orphan", payload.WorkflowID)

	require.Eventually(t, func() bool { return orch.engine.ActiveRuns() == 0 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, sim.Calls())
}
