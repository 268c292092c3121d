package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/pkg/schema"
)

func wait(key string, deps ...string) schema.Step {
	return schema.Step{StepKey: key, Type: schema.StepTypeWait, DependsOn: deps, Inputs: map[string]any{"duration_ms": 1}}
}

func TestDAG_Diamond(t *testing.T) {
	result := validateDAG(wfDoc(wait("a"), wait("b", "a"), wait("c", "a"), wait("d", "b", "c")))
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestDAG_Cycle(t *testing.T) {
	result := validateDAG(wfDoc(wait("a", "b"), wait("b", "a")))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.ErrCodeGraphValidation, result.Errors[0].Code)
	assert.Equal(t, "workflows[0]", result.Errors[0].Path)
	assert.Contains(t, result.Errors[0].Message, "a -> b -> a")
	assert.Equal(t, schema.StageGraph, result.Errors[0].Stage)
	assert.Equal(t, "wf", result.Errors[0].WorkflowID)
}

func TestDAG_StepErrorsPointAtStep(t *testing.T) {
	tests := []struct {
		name  string
		steps []schema.Step
		path  string
		step  string
		msg   string
	}{
		{"self dependency", []schema.Step{wait("a"), wait("b", "b")}, "workflows[0].steps[1]", "b", "depends on itself"},
		{"missing dependency", []schema.Step{wait("a", "ghost")}, "workflows[0].steps[0]", "a", `unknown step "ghost"`},
		{"duplicate key", []schema.Step{wait("a"), wait("a")}, "workflows[0].steps[0]", "a", "duplicate step key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := validateDAG(wfDoc(tt.steps...))
			require.Len(t, result.Errors, 1)
			assert.Equal(t, tt.path, result.Errors[0].Path)
			assert.Equal(t, tt.step, result.Errors[0].StepKey)
			assert.Contains(t, result.Errors[0].Message, tt.msg)
		})
	}
}

func TestDAG_EachWorkflowCheckedIndependently(t *testing.T) {
	doc := &Document{Workflows: []schema.Workflow{
		{ID: "ok", Steps: []schema.Step{wait("a")}},
		{ID: "bad", Steps: []schema.Step{wait("x", "y"), wait("y", "x")}},
	}}
	result := validateDAG(doc)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "workflows[1]", result.Errors[0].Path)
	assert.Equal(t, "bad", result.Errors[0].WorkflowID)
	assert.Empty(t, result.ForWorkflow("ok").Errors)
	assert.Len(t, result.ForWorkflow("bad").Errors, 1)
}

func TestDAG_ReferenceWithoutDependencyWarns(t *testing.T) {
	load := wait("load")
	report := wait("report", "clean")
	report.Inputs = map[string]any{"rows": "{{clean.rows}}", "source": "{{load.url}}", "user": "{{inputs.user}}"}
	clean := wait("clean", "load")
	stray := wait("stray")
	stray.Inputs = map[string]any{"x": "{{report}}"}

	result := validateDAG(wfDoc(load, clean, report, stray))
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1, "transitive dependencies are accepted")
	assert.Equal(t, "workflows[0].steps[3].inputs", result.Warnings[0].Path)
	assert.Contains(t, result.Warnings[0].Message, `step "stray" references "report"`)
	assert.Equal(t, "stray", result.Warnings[0].StepKey)
}
