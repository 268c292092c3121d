package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/internal/agents"
	"github.com/rendis/flowrun/pkg/schema"
)

type mockAgents map[string]*schema.AgentDescriptor

func (m mockAgents) GetAgent(_ context.Context, id string) (*schema.AgentDescriptor, error) {
	if d, ok := m[id]; ok {
		return d, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "agent %q not found", id)
}

type mockDispatcher struct {
	mu     sync.Mutex
	inputs []map[string]any
	fn     func(inputs map[string]any) (*agents.ExecutionResult, error)
}

func (d *mockDispatcher) Dispatch(_ context.Context, _ *schema.AgentDescriptor, inputs map[string]any, _ *schema.ExecutionContext) (*agents.ExecutionResult, error) {
	d.mu.Lock()
	d.inputs = append(d.inputs, inputs)
	d.mu.Unlock()
	if d.fn == nil {
		return &agents.ExecutionResult{Success: true, Output: inputs}, nil
	}
	return d.fn(inputs)
}

func newStepExec(t *testing.T, loader mockAgents, d AgentDispatcher, ms *mockStore) *DefaultStepExecutor {
	t.Helper()
	var logs LogAppender
	if ms != nil {
		logs = ms
	}
	se, err := NewDefaultStepExecutor(loader, d, logs, nil)
	require.NoError(t, err)
	return se
}

func TestDefaultStepExecutor_AgentWithPipeline(t *testing.T) {
	cfg, _ := json.Marshal(map[string]any{
		"pipeline": []map[string]any{
			{"operation": "filter", "params": map[string]any{"conditions": []map[string]any{{"field": "age", "operator": "gte", "value": 18}}}},
			{"operation": "sort", "params": map[string]any{"field": "age", "direction": "desc"}},
		},
	})
	loader := mockAgents{"adults": {ID: "adults", Type: schema.AgentTypeDataPipeline, Config: cfg}}
	ms := newMockStore()
	se := newStepExec(t, loader, agents.NewDispatcher(agents.Config{}), ms)

	rc := schema.NewExecutionContext("e1", "wf")
	st := &schema.Step{StepKey: "people", Type: schema.StepTypeAgent, AgentRef: "adults"}
	out, err := se.ExecuteStep(context.Background(), st, rc, map[string]any{
		"data": []any{map[string]any{"age": 25}, map[string]any{"age": 15}, map[string]any{"age": 30}},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"age": 30}, map[string]any{"age": 25}}, out)

	// Agent call logs are mirrored into the step log.
	ms.mu.Lock()
	defer ms.mu.Unlock()
	require.NotEmpty(t, ms.stepLogs)
	for _, l := range ms.stepLogs {
		assert.Equal(t, "people", l.StepKey)
		assert.Equal(t, schema.EventAgentLog, l.Metadata["event"])
		assert.Equal(t, "adults", l.Metadata["agent_id"])
	}
}

func TestDefaultStepExecutor_AgentNotFoundIsConfigurationError(t *testing.T) {
	se := newStepExec(t, mockAgents{}, &mockDispatcher{}, nil)
	_, err := se.ExecuteStep(context.Background(), &schema.Step{StepKey: "a", Type: schema.StepTypeAgent, AgentRef: "ghost"},
		schema.NewExecutionContext("e1", "wf"), nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfiguration))
	assert.Contains(t, err.Error(), "ghost")
}

func TestDefaultStepExecutor_AgentFailureCarriesTrace(t *testing.T) {
	d := &mockDispatcher{fn: func(map[string]any) (*agents.ExecutionResult, error) {
		return &agents.ExecutionResult{Success: false, Error: "upstream 503", ErrorTrace: "goroutine 1"}, nil
	}}
	se := newStepExec(t, mockAgents{"x": {ID: "x", Type: schema.AgentTypeHTTP}}, d, nil)
	_, err := se.ExecuteStep(context.Background(), &schema.Step{StepKey: "a", Type: schema.StepTypeAgent, AgentRef: "x"},
		schema.NewExecutionContext("e1", "wf"), nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStepExecution))
	assert.Contains(t, err.Error(), "upstream 503")
	assert.Equal(t, "goroutine 1", schema.TraceOf(err))
}

func TestDefaultStepExecutor_DispatchErrorPassesThrough(t *testing.T) {
	d := &mockDispatcher{fn: func(map[string]any) (*agents.ExecutionResult, error) {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "unknown agent type")
	}}
	se := newStepExec(t, mockAgents{"x": {ID: "x", Type: "FAX"}}, d, nil)
	_, err := se.ExecuteStep(context.Background(), &schema.Step{StepKey: "a", Type: schema.StepTypeAgent, AgentRef: "x"},
		schema.NewExecutionContext("e1", "wf"), nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfiguration))
}

func TestDefaultStepExecutor_Condition(t *testing.T) {
	se := newStepExec(t, nil, nil, nil)
	rc := schema.NewExecutionContext("e1", "wf")
	rc.Inputs["threshold"] = 10
	rc.StepResults["count"] = &schema.StepResult{StepKey: "count", Status: schema.StepCompleted, Output: map[string]any{"n": 12}}

	st := &schema.Step{StepKey: "check", Type: schema.StepTypeCondition}
	out, err := se.ExecuteStep(context.Background(), st, rc, map[string]any{"expression": "steps.count.n > inputs.threshold"})
	require.NoError(t, err)
	assert.Equal(t, true, out.(map[string]any)["result"])

	out, err = se.ExecuteStep(context.Background(), st, rc, map[string]any{"expression": "steps.count.n > 100"})
	require.NoError(t, err)
	assert.Equal(t, false, out.(map[string]any)["result"])

	_, err = se.ExecuteStep(context.Background(), st, rc, map[string]any{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfiguration))
}

func TestDefaultStepExecutor_Wait(t *testing.T) {
	se := newStepExec(t, nil, nil, nil)
	st := &schema.Step{StepKey: "pause", Type: schema.StepTypeWait}

	start := time.Now()
	out, err := se.ExecuteStep(context.Background(), st, nil, map[string]any{"duration_ms": float64(15)})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	assert.Equal(t, int64(15), out.(map[string]any)["waited_ms"])

	out, err = se.ExecuteStep(context.Background(), st, nil, map[string]any{"duration": "5ms"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), out.(map[string]any)["waited_ms"])

	_, err = se.ExecuteStep(context.Background(), st, nil, map[string]any{"duration": "soon"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfiguration))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = se.ExecuteStep(ctx, st, nil, map[string]any{"duration_ms": 10000})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDefaultStepExecutor_Loop(t *testing.T) {
	d := &mockDispatcher{fn: func(in map[string]any) (*agents.ExecutionResult, error) {
		return &agents.ExecutionResult{Success: true, Output: map[string]any{"item": in["item"], "index": in["index"], "tag": in["tag"]}}, nil
	}}
	se := newStepExec(t, mockAgents{"each": {ID: "each", Type: schema.AgentTypeHTTP}}, d, nil)
	st := &schema.Step{StepKey: "fan", Type: schema.StepTypeLoop, AgentRef: "each"}

	out, err := se.ExecuteStep(context.Background(), st, schema.NewExecutionContext("e1", "wf"),
		map[string]any{"items": []any{"a", "b"}, "tag": "x"})
	require.NoError(t, err)
	res := out.(map[string]any)
	assert.Equal(t, 2, res["count"])
	assert.Equal(t, []any{
		map[string]any{"item": "a", "index": 0, "tag": "x"},
		map[string]any{"item": "b", "index": 1, "tag": "x"},
	}, res["items"])
	for _, in := range d.inputs {
		assert.NotContains(t, in, "items")
	}
}

func TestDefaultStepExecutor_LoopStopsAtFirstFailure(t *testing.T) {
	d := &mockDispatcher{fn: func(in map[string]any) (*agents.ExecutionResult, error) {
		if in["index"] == 1 {
			return &agents.ExecutionResult{Success: false, Error: "bad item"}, nil
		}
		return &agents.ExecutionResult{Success: true, Output: in["item"]}, nil
	}}
	se := newStepExec(t, mockAgents{"each": {ID: "each", Type: schema.AgentTypeHTTP}}, d, nil)
	_, err := se.ExecuteStep(context.Background(), &schema.Step{StepKey: "fan", Type: schema.StepTypeLoop, AgentRef: "each"},
		schema.NewExecutionContext("e1", "wf"), map[string]any{"items": []any{1, 2, 3}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loop iteration 1")
	assert.Len(t, d.inputs, 2)

	_, err = se.ExecuteStep(context.Background(), &schema.Step{StepKey: "fan", Type: schema.StepTypeLoop, AgentRef: "each"},
		schema.NewExecutionContext("e1", "wf"), map[string]any{"items": "nope"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeStepExecution))
}

func TestDefaultStepExecutor_AgentTimeoutKeepsCode(t *testing.T) {
	d := &mockDispatcher{fn: func(map[string]any) (*agents.ExecutionResult, error) {
		return &agents.ExecutionResult{Success: false, ErrorCode: schema.ErrCodeStepTimeout, Error: "agent x timed out after 1000ms"}, nil
	}}
	se := newStepExec(t, mockAgents{"x": {ID: "x", Type: schema.AgentTypeHTTP}}, d, nil)
	_, err := se.ExecuteStep(context.Background(), &schema.Step{StepKey: "a", Type: schema.StepTypeAgent, AgentRef: "x"},
		schema.NewExecutionContext("e1", "wf"), nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStepTimeout))
	assert.Equal(t, "[STEP_TIMEOUT] step a: agent x timed out after 1000ms", err.Error())
	assert.True(t, IsRetryableError(err))
}

func TestDefaultStepExecutor_LoopNamesIterationOfWrappedError(t *testing.T) {
	d := &mockDispatcher{fn: func(map[string]any) (*agents.ExecutionResult, error) {
		return nil, fmt.Errorf("dispatch: %w", schema.NewError(schema.ErrCodeStepExecution, "connection reset"))
	}}
	se := newStepExec(t, mockAgents{"each": {ID: "each", Type: schema.AgentTypeHTTP}}, d, nil)
	_, err := se.ExecuteStep(context.Background(), &schema.Step{StepKey: "fan", Type: schema.StepTypeLoop, AgentRef: "each"},
		schema.NewExecutionContext("e1", "wf"), map[string]any{"items": []any{"a"}})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStepExecution))
	assert.Contains(t, err.Error(), "loop iteration 0: connection reset")
}

func TestExecutor_Run_LLMWithoutModelAbortsContinueRun(t *testing.T) {
	ms := newMockStore()
	write := schema.Step{StepKey: "a", Type: schema.StepTypeAgent, AgentRef: "writer", OnError: schema.OnErrorContinue}
	check := schema.Step{StepKey: "b", Type: schema.StepTypeCondition, Inputs: map[string]any{"expression": "true"}}
	ms.addWorkflow("wf", write, check)

	cfg, _ := json.Marshal(map[string]any{"prompt": "summarise"})
	loader := mockAgents{"writer": {ID: "writer", Type: schema.AgentTypeLLM, Config: cfg}}
	d := agents.NewDispatcher(agents.Config{LLM: agents.NewOpenAIBackend("http://127.0.0.1:0", "", "", nil)})
	se := newStepExec(t, loader, d, ms)

	res, err := NewExecutor(ms, se, Config{}).Run(context.Background(), RunRequest{WorkflowID: "wf"})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, res.Status)
	assert.Equal(t, schema.ErrCodeConfiguration, res.ErrorCode)
	assert.Contains(t, res.Error, "llm model is not set")
	assert.Zero(t, res.Completed, "no step runs after a configuration error")
	assert.Equal(t, []string{schema.EventStepStarted, schema.EventStepFailed}, ms.stepEvents("a"))
}

func TestDefaultStepExecutor_ParallelRejected(t *testing.T) {
	se := newStepExec(t, nil, nil, nil)
	_, err := se.ExecuteStep(context.Background(), &schema.Step{StepKey: "p", Type: schema.StepTypeParallel}, nil, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfiguration))
}

func TestExecutor_WithDefaultStepExecutor(t *testing.T) {
	ms := newMockStore()
	check := schema.Step{StepKey: "check", Type: schema.StepTypeCondition, DependsOn: []string{"load"},
		Inputs: map[string]any{"expression": "size(steps.load.rows) == 2"}}
	load := schema.Step{StepKey: "load", Type: schema.StepTypeAgent, AgentRef: "echo",
		Inputs: map[string]any{"rows": "{{inputs.rows}}"}}
	ms.addWorkflow("wf", check, load)

	se := newStepExec(t, mockAgents{"echo": {ID: "echo", Type: schema.AgentTypeHTTP}}, &mockDispatcher{}, ms)
	res, err := NewExecutor(ms, se, Config{}).Run(context.Background(), RunRequest{
		WorkflowID: "wf",
		Inputs:     map[string]any{"rows": []any{1, 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, res.Status)
	assert.Equal(t, true, res.Outputs["check"].(map[string]any)["result"])
}

func TestClassifyStepError(t *testing.T) {
	s := &schema.Step{StepKey: "k"}
	err := classifyStepError(s, errors.New("plain"))
	assert.True(t, schema.IsCode(err, schema.ErrCodeStepExecution))
	assert.Equal(t, "k", err.(*schema.FlowError).StepKey)

	err = classifyStepError(s, context.Canceled)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCancelled))
	assert.False(t, IsRetryableError(err))

	fe := schema.NewError(schema.ErrCodeStepTimeout, "late")
	assert.Same(t, fe, classifyStepError(s, fe))
}
