package orchestration

import (
	"fmt"

	"github.com/actionplane/actionplane/core"
)

// stepGraph is the dependency view of a workflow: a deterministic
// topological order plus reverse edges for readiness bookkeeping.
type stepGraph struct {
	steps      map[string]*WorkflowStep
	order      []string
	dependents map[string][]string
}

// buildStepGraph topologically sorts the workflow's steps. Ties are broken
// by spec order so two runs of the same spec schedule identically. A
// dependency cycle is a validation failure, not a runtime one.
func buildStepGraph(spec *WorkflowSpec) (*stepGraph, error) {
	g := &stepGraph{
		steps:      make(map[string]*WorkflowStep, len(spec.Steps)),
		order:      make([]string, 0, len(spec.Steps)),
		dependents: make(map[string][]string, len(spec.Steps)),
	}

	indegree := make(map[string]int, len(spec.Steps))
	for i := range spec.Steps {
		step := &spec.Steps[i]
		g.steps[step.Name] = step
		indegree[step.Name] = len(step.DependsOn)
		for _, dep := range step.DependsOn {
			g.dependents[dep] = append(g.dependents[dep], step.Name)
		}
	}

	// Kahn's algorithm with a spec-ordered frontier.
	ready := make([]string, 0, len(spec.Steps))
	for i := range spec.Steps {
		if indegree[spec.Steps[i].Name] == 0 {
			ready = append(ready, spec.Steps[i].Name)
		}
	}

	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		g.order = append(g.order, name)
		for _, next := range g.dependents[name] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(g.order) != len(spec.Steps) {
		stuck := make([]string, 0)
		for name, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		return nil, &core.OrchestrationError{
			Op:      "workflow_validate",
			Kind:    core.KindValidation,
			Message: fmt.Sprintf("workflow %s: cycle through steps %v", spec.WorkflowID, stuck),
			Err:     core.ErrWorkflowCycle,
		}
	}
	return g, nil
}

// remainingDeps seeds the readiness counters the scheduler decrements as
// steps finish.
func (g *stepGraph) remainingDeps() map[string]int {
	deps := make(map[string]int, len(g.steps))
	for name, step := range g.steps {
		deps[name] = len(step.DependsOn)
	}
	return deps
}
