package main

import (
	"context"
	"log"
	"time"

	"github.com/actionplane/actionplane/core"
	"github.com/actionplane/actionplane/orchestration"
)

func main() {
	cfg, err := core.NewConfig(
		core.WithServiceName("actionplane-example"),
		core.WithWorkerCount(2),
	)
	if err != nil {
		log.Fatal(err)
	}

	logger := core.NewProductionLogger("actionplane-example", cfg.Logging)

	// Register simulated platform adapters. Swap these for real API
	// clients in production.
	adapters := orchestration.NewRegistry(logger)
	adapters.Register(core.PlatformNotion, core.NewSimClient(core.PlatformNotion))
	adapters.Register(core.PlatformTrello, core.NewSimClient(core.PlatformTrello))
	adapters.Register(core.PlatformSlack, core.NewSimClient(core.PlatformSlack))

	orch, err := orchestration.NewOrchestrator(cfg, logger, adapters)
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := orch.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer orch.Stop(ctx)

	// Execute a single action end to end.
	res, err := orch.ExecuteAction(ctx, &core.ActionDecision{
		Type:     core.ActionCreateTask,
		Platform: core.PlatformNotion,
		Priority: core.PriorityHigh,
		Params:   map[string]interface{}{"title": "Review Q3 budget"},
		FallbackChain: []core.Platform{
			core.PlatformTrello,
		},
	})
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("action %s completed on %s (external_id=%s)", res.ActionID, res.Platform, res.ExternalID)

	// Run a transactional workflow: create a task, then announce it.
	// If the announcement fails the task creation is compensated.
	run, err := orch.SubmitWorkflow(ctx, &orchestration.WorkflowSpec{
		WorkflowID:    "onboarding-demo",
		Transactional: true,
		Steps: []orchestration.WorkflowStep{
			{
				Name:     "create",
				Type:     core.ActionCreateTask,
				Platform: core.PlatformNotion,
				Params:   map[string]interface{}{"title": "Onboard new hire"},
				OnCompensate: &orchestration.CompensationSpec{
					Type: "delete_task",
				},
			},
			{
				Name:      "announce",
				Type:      core.ActionNotify,
				Platform:  core.PlatformSlack,
				DependsOn: []string{"create"},
				Params: map[string]interface{}{
					"message": "Onboarding task filed",
					"task_id": "${steps.create.external_id}",
				},
			},
		},
	})
	if err != nil {
		log.Fatal(err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	result, err := run.Wait(waitCtx)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("workflow %s finished: %s (%d steps)", result.WorkflowID, result.Status, len(result.CompletedSteps))
}
