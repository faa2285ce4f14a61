package orchestration

import (
	"fmt"
	"hash/fnv"

	"gopkg.in/yaml.v3"

	"github.com/actionplane/actionplane/core"
)

// CompensationSpec is a step's rollback recipe: the compensating action type
// and its parameters. The external id is supplied at rollback time from the
// step's own result.
type CompensationSpec struct {
	// Type of the compensating action. Empty means the step's own type; the
	// platform adapter decides what undoing that type means.
	Type   string                 `yaml:"type,omitempty" json:"type,omitempty"`
	Params map[string]interface{} `yaml:"params,omitempty" json:"params,omitempty"`
}

// WorkflowStep is one action inside a workflow. Params may reference earlier
// step results with ${steps.NAME.external_id} and ${steps.NAME.value.KEY}
// placeholders, resolved when the step becomes ready.
type WorkflowStep struct {
	Name             string                 `yaml:"name" json:"name"`
	Type             string                 `yaml:"type" json:"type"`
	Platform         core.Platform          `yaml:"platform" json:"platform"`
	Priority         core.Priority          `yaml:"priority,omitempty" json:"priority,omitempty"`
	Params           map[string]interface{} `yaml:"params,omitempty" json:"params,omitempty"`
	DependsOn        []string               `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	OnCompensate     *CompensationSpec      `yaml:"on_compensate,omitempty" json:"on_compensate,omitempty"`
	TimeoutMs        int64                  `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
	FallbackChain    []core.Platform        `yaml:"fallback_chain,omitempty" json:"fallback_chain,omitempty"`
	RequiresApproval bool                   `yaml:"requires_approval,omitempty" json:"requires_approval,omitempty"`
}

// WorkflowSpec is a submitted multi-step workflow. Specs are value objects:
// the engine never mutates one after submission.
type WorkflowSpec struct {
	WorkflowID     string         `yaml:"workflow_id" json:"workflow_id"`
	CorrelationID  string         `yaml:"correlation_id,omitempty" json:"correlation_id,omitempty"`
	IdempotencyKey string         `yaml:"idempotency_key,omitempty" json:"idempotency_key,omitempty"`
	Transactional  bool           `yaml:"transactional,omitempty" json:"transactional,omitempty"`
	Steps          []WorkflowStep `yaml:"steps" json:"steps"`
}

// ParseWorkflowSpec decodes a workflow spec from YAML or JSON and validates
// it. YAML is a superset of JSON, so one decoder covers both.
func ParseWorkflowSpec(data []byte) (*WorkflowSpec, error) {
	var spec WorkflowSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, core.NewOrchestrationError("parse_workflow", core.KindValidation, err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Validate checks structural shape: at least one step, unique non-empty step
// names, known dependency targets, no self-dependencies, well-formed
// priorities. Dependency cycles are caught separately when the graph is
// built.
func (s *WorkflowSpec) Validate() error {
	if len(s.Steps) == 0 {
		return workflowValidationError(s.WorkflowID, "workflow has no steps")
	}

	names := make(map[string]struct{}, len(s.Steps))
	for i := range s.Steps {
		step := &s.Steps[i]
		if step.Name == "" {
			return workflowValidationError(s.WorkflowID, fmt.Sprintf("step %d has no name", i))
		}
		if _, dup := names[step.Name]; dup {
			return workflowValidationError(s.WorkflowID, fmt.Sprintf("duplicate step name %q", step.Name))
		}
		names[step.Name] = struct{}{}

		if step.Type == "" {
			return workflowValidationError(s.WorkflowID, fmt.Sprintf("step %q has no action type", step.Name))
		}
		if step.Platform == "" {
			return workflowValidationError(s.WorkflowID, fmt.Sprintf("step %q has no platform", step.Name))
		}
		if step.Priority != "" && !step.Priority.Valid() {
			return workflowValidationError(s.WorkflowID, fmt.Sprintf("step %q has unknown priority %q", step.Name, step.Priority))
		}
	}

	for i := range s.Steps {
		step := &s.Steps[i]
		for _, dep := range step.DependsOn {
			if dep == step.Name {
				return workflowValidationError(s.WorkflowID, fmt.Sprintf("step %q depends on itself", step.Name))
			}
			if _, ok := names[dep]; !ok {
				return workflowValidationError(s.WorkflowID, fmt.Sprintf("step %q depends on unknown step %q", step.Name, dep))
			}
		}
	}
	return nil
}

// EffectiveIdempotencyKey returns the workflow's dedup key, deriving one from
// the id and step shape when the spec does not carry its own.
func (s *WorkflowSpec) EffectiveIdempotencyKey() string {
	if s.IdempotencyKey != "" {
		return s.IdempotencyKey
	}
	h := fnv.New64a()
	h.Write([]byte(s.WorkflowID))
	for i := range s.Steps {
		step := &s.Steps[i]
		fmt.Fprintf(h, "|%s:%s:%s", step.Name, step.Type, step.Platform)
	}
	return fmt.Sprintf("workflow:%s:%x", s.WorkflowID, h.Sum64())
}

// StepIdempotencyKey derives the per-step key completed steps short-circuit
// through when a workflow is re-run.
func (s *WorkflowSpec) StepIdempotencyKey(stepName string) string {
	return fmt.Sprintf("%s:%s", s.EffectiveIdempotencyKey(), stepName)
}

func workflowValidationError(workflowID, message string) error {
	return &core.OrchestrationError{
		Op:      "workflow_validate",
		Kind:    core.KindValidation,
		Message: fmt.Sprintf("workflow %s: %s", workflowID, message),
	}
}
