package validation

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/pkg/schema"
)

// maxRetryWarning is the retry count above which a warning is emitted.
const maxRetryWarning = 10

// validateSemantic checks what the schema cannot: unique ids, agent configs
// per type, agent references, step inputs each step type needs, and cron
// expressions.
func validateSemantic(ctx context.Context, doc *Document, jsv *JSONSchemaValidator, lookup store.AgentLoader) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	sem := result.Stage(schema.StageSemantic)

	agentIDs := make(map[string]bool, len(doc.Agents))
	for i, a := range doc.Agents {
		path := fmt.Sprintf("agents[%d]", i)
		if agentIDs[a.ID] {
			sem.Error(path+".id", schema.ErrCodeValidation, fmt.Sprintf("duplicate agent id %q", a.ID))
			continue
		}
		agentIDs[a.ID] = true
		if err := jsv.ValidateAgentConfig(a.Type, a.Config); err != nil {
			sem.Error(path+".config", schema.ErrCodeValidation,
				fmt.Sprintf("agent %q: %s", a.ID, messageOf(err)))
		}
	}

	workflowIDs := make(map[string]bool, len(doc.Workflows))
	for i := range doc.Workflows {
		wf := &doc.Workflows[i]
		path := fmt.Sprintf("workflows[%d]", i)
		scope := sem.Workflow(wf.ID)
		if workflowIDs[wf.ID] {
			scope.Error(path+".id", schema.ErrCodeValidation, fmt.Sprintf("duplicate workflow id %q", wf.ID))
		}
		workflowIDs[wf.ID] = true

		for j := range wf.Steps {
			step := &wf.Steps[j]
			validateStepSemantic(ctx, step, fmt.Sprintf("%s.steps[%d]", path, j), agentIDs, lookup, scope.Step(step.StepKey))
		}
	}

	for i, s := range doc.Schedules {
		path := fmt.Sprintf("schedules[%d]", i)
		if _, err := cron.ParseStandard(s.Cron); err != nil {
			sem.Error(path+".cron", schema.ErrCodeValidation,
				fmt.Sprintf("invalid cron expression %q: %v", s.Cron, err))
		}
		if !workflowIDs[s.WorkflowID] {
			sem.Warn(path+".workflow_id", schema.ErrCodeValidation,
				fmt.Sprintf("workflow %q is not defined in this document", s.WorkflowID))
		}
	}

	return result
}

func validateStepSemantic(ctx context.Context, step *schema.Step, path string, agentIDs map[string]bool, lookup store.AgentLoader, scope schema.IssueScope) {
	switch step.Type {
	case schema.StepTypeAgent, schema.StepTypeLoop:
		if step.AgentRef != "" {
			checkAgentRef(ctx, step, path, agentIDs, lookup, scope)
		}
		if step.Type == schema.StepTypeLoop {
			if _, ok := step.Inputs["items"]; !ok {
				scope.Error(path+".inputs.items", schema.ErrCodeValidation,
					fmt.Sprintf("loop step %q has no items input", step.StepKey))
			}
		}
	case schema.StepTypeCondition:
		if expr, _ := step.Inputs["expression"].(string); expr == "" {
			scope.Error(path+".inputs.expression", schema.ErrCodeValidation,
				fmt.Sprintf("condition step %q requires an expression input", step.StepKey))
		}
	case schema.StepTypeWait:
		_, hasMs := step.Inputs["duration_ms"]
		_, hasDur := step.Inputs["duration"]
		if !hasMs && !hasDur {
			scope.Error(path+".inputs", schema.ErrCodeValidation,
				fmt.Sprintf("wait step %q requires duration_ms or duration", step.StepKey))
		}
	case schema.StepTypeParallel:
		scope.Error(path+".type", schema.ErrCodeValidation,
			fmt.Sprintf("step %q: PARALLEL steps are not supported", step.StepKey))
	}

	if step.RetryCount > 0 && step.ErrorPolicy() != schema.OnErrorRetry {
		scope.Warn(path+".retry_count", schema.ErrCodeValidation,
			fmt.Sprintf("retry_count is ignored unless on_error is %s", schema.OnErrorRetry))
	}
	if step.RetryCount > maxRetryWarning {
		scope.Warn(path+".retry_count", schema.ErrCodeValidation,
			fmt.Sprintf("high retry count (%d) may cause excessive delays", step.RetryCount))
	}
}

// checkAgentRef resolves a step's agent against the document first, then the
// lookup. Without a lookup an unknown agent is only a warning.
func checkAgentRef(ctx context.Context, step *schema.Step, path string, agentIDs map[string]bool, lookup store.AgentLoader, scope schema.IssueScope) {
	if agentIDs[step.AgentRef] {
		return
	}
	if lookup == nil {
		scope.Warn(path+".agent_ref", schema.ErrCodeValidation,
			fmt.Sprintf("agent %q is not defined in this document", step.AgentRef))
		return
	}
	_, err := lookup.GetAgent(ctx, step.AgentRef)
	switch {
	case err == nil:
	case schema.IsNotFound(err):
		scope.Error(path+".agent_ref", schema.ErrCodeValidation,
			fmt.Sprintf("step %q references unknown agent %q", step.StepKey, step.AgentRef))
	default:
		scope.Error(path+".agent_ref", schema.ErrCodeStore,
			fmt.Sprintf("could not resolve agent %q: %v", step.AgentRef, err))
	}
}
