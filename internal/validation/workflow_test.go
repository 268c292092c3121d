package validation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/pkg/schema"
)

const yamlDocument = `
agents:
  - id: adults
    type: DATA_PIPELINE
    config:
      pipeline:
        - operation: filter
          params:
            conditions:
              - {field: age, operator: gte, value: 18}
        - operation: sort
          params: {field: age, direction: desc}
workflows:
  - id: people
    name: People report
    steps:
      - step_key: filter
        type: AGENT
        agent_ref: adults
        inputs:
          data: "{{inputs.people}}"
      - step_key: check
        type: CONDITION
        depends_on: [filter]
        inputs:
          expression: "size(steps.filter) > 0"
        on_error: CONTINUE
schedules:
  - workflow_id: people
    cron: "0 6 * * 1-5"
    inputs:
      people: []
`

const jsonDocument = `{
  "workflows": [{
    "id": "pause",
    "steps": [
      {"step_key": "b", "type": "WAIT", "depends_on": ["a"], "inputs": {"duration": "10ms"}},
      {"step_key": "a", "type": "WAIT", "inputs": {"duration_ms": 5}, "retry_count": 1, "on_error": "RETRY", "retry_delay_ms": 50}
    ]
  }]
}`

func newDocValidator(t *testing.T, lookup *mockAgentLookup) *DocumentValidator {
	t.Helper()
	var v *DocumentValidator
	var err error
	if lookup != nil {
		v, err = NewDocumentValidator(lookup)
	} else {
		v, err = NewDocumentValidator(nil)
	}
	require.NoError(t, err)
	return v
}

func TestDocumentValidator_YAML(t *testing.T) {
	v := newDocValidator(t, nil)
	doc, result := v.ValidateBytes(context.Background(), []byte(yamlDocument), FormatYAML)
	require.True(t, result.Valid(), "%+v", result.Errors)
	assert.Empty(t, result.Warnings)

	require.Len(t, doc.Agents, 1)
	assert.Equal(t, schema.AgentTypeDataPipeline, doc.Agents[0].Type)
	assert.JSONEq(t, `{"pipeline":[{"operation":"filter","params":{"conditions":[{"field":"age","operator":"gte","value":18}]}},{"operation":"sort","params":{"field":"age","direction":"desc"}}]}`,
		string(doc.Agents[0].Config))

	require.Len(t, doc.Workflows, 1)
	wf := doc.Workflows[0]
	assert.Equal(t, "People report", wf.Name)
	require.Len(t, wf.Steps, 2)
	assert.Equal(t, "adults", wf.Steps[0].AgentRef)
	assert.Equal(t, "{{inputs.people}}", wf.Steps[0].Inputs["data"])
	assert.Equal(t, []string{"filter"}, wf.Steps[1].DependsOn)
	assert.Equal(t, schema.OnErrorContinue, wf.Steps[1].OnError)
	assert.Equal(t, 1, wf.Steps[1].Position)

	require.Len(t, doc.Schedules, 1)
	job := doc.Schedules[0].Job()
	assert.Equal(t, "people", job.WorkflowID)
	assert.True(t, job.Enabled)
	assert.Equal(t, []any{}, job.Inputs["people"])
}

func TestDocumentValidator_JSON(t *testing.T) {
	doc, result := newDocValidator(t, nil).ValidateBytes(context.Background(), []byte(jsonDocument), FormatJSON)
	require.True(t, result.Valid(), "%+v", result.Errors)

	steps := doc.Workflows[0].Steps
	assert.Equal(t, 1, steps[1].RetryCount)
	assert.Equal(t, 50, steps[1].RetryDelayMs)
	assert.Equal(t, schema.OnErrorRetry, steps[1].OnError)
	assert.Equal(t, float64(5), steps[1].Inputs["duration_ms"])
}

func TestDocumentValidator_StructuralShortCircuits(t *testing.T) {
	doc, result := newDocValidator(t, nil).ValidateBytes(context.Background(),
		[]byte(`{"workflows":[{"id":"wf","steps":[{"step_key":"a","type":"AGENT"}]}]}`), FormatJSON)
	assert.Nil(t, doc)
	require.False(t, result.Valid())
	for _, e := range result.Errors {
		assert.Equal(t, "/", e.Path)
	}
	assert.True(t, schema.IsCode(result.ToError(), schema.ErrCodeValidation))
}

func TestDocumentValidator_SemanticAndDAGErrorsAggregate(t *testing.T) {
	src := `{
	  "workflows": [{
	    "id": "wf",
	    "steps": [
	      {"step_key": "a", "type": "AGENT", "agent_ref": "missing", "depends_on": ["b"]},
	      {"step_key": "b", "type": "CONDITION", "depends_on": ["a"]}
	    ]
	  }]
	}`
	doc, result := newDocValidator(t, newMockLookup()).ValidateBytes(context.Background(), []byte(src), FormatJSON)
	require.NotNil(t, doc)
	assert.Equal(t, []string{
		"workflows[0].steps[0].agent_ref",
		"workflows[0].steps[1].inputs.expression",
		"workflows[0]",
	}, paths(result.Errors))

	assert.Equal(t, []schema.ValidationStage{schema.StageSemantic, schema.StageGraph}, result.FailedStages())

	err := result.ToError()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workflow wf step a: ")
	assert.Contains(t, err.Error(), "(and 2 more errors)")
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "a", fe.StepKey)
	assert.Equal(t, "semantic,graph", fe.Details["failed_stages"])
}

func TestDocumentValidator_DecodeErrors(t *testing.T) {
	v := newDocValidator(t, nil)
	for name, tc := range map[string]struct {
		data   string
		format Format
	}{
		"empty":        {"  \n", FormatJSON},
		"bad json":     {`{"workflows":`, FormatJSON},
		"bad yaml":     {"workflows: [\n  - id: x\n", FormatYAML},
		"json null":    {"null", FormatJSON},
		"yaml scalar":  {"just text", FormatYAML},
		"yaml int key": {"1: a\n", FormatYAML},
	} {
		t.Run(name, func(t *testing.T) {
			doc, result := v.ValidateBytes(context.Background(), []byte(tc.data), tc.format)
			assert.Nil(t, doc)
			assert.False(t, result.Valid())
		})
	}
}

func TestFormatFromPath(t *testing.T) {
	assert.Equal(t, FormatYAML, FormatFromPath("flows/report.yaml"))
	assert.Equal(t, FormatYAML, FormatFromPath("REPORT.YML"))
	assert.Equal(t, FormatJSON, FormatFromPath("report.json"))
	assert.Equal(t, FormatJSON, FormatFromPath("report"))
}
