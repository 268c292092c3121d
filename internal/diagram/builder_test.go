package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/pkg/schema"
)

func linearWorkflow() *schema.Workflow {
	return &schema.Workflow{
		ID:   "wf-linear",
		Name: "Linear",
		Steps: []schema.Step{
			{StepKey: "fetch", Type: schema.StepTypeAgent, AgentRef: "http-get"},
			{StepKey: "transform", Type: schema.StepTypeAgent, AgentRef: "pipe", DependsOn: []string{"fetch"}},
			{StepKey: "store", Type: schema.StepTypeAgent, AgentRef: "sink", DependsOn: []string{"transform"}},
		},
	}
}

func diamondWorkflow() *schema.Workflow {
	return &schema.Workflow{
		ID: "wf-diamond",
		Steps: []schema.Step{
			{StepKey: "d", Type: schema.StepTypeAgent, AgentRef: "x", DependsOn: []string{"c", "b", "b"}},
			{StepKey: "c", Type: schema.StepTypeWait, DependsOn: []string{"a"}},
			{StepKey: "b", Type: schema.StepTypeCondition, DependsOn: []string{"a"}},
			{StepKey: "a", Type: schema.StepTypeLoop, AgentRef: "x"},
		},
	}
}

func TestBuild_Linear(t *testing.T) {
	m, err := Build(linearWorkflow(), nil)
	require.NoError(t, err)

	assert.Equal(t, "Linear", m.Title)
	require.Len(t, m.Nodes, 5)
	assert.Equal(t, startID, m.Nodes[0].ID)
	assert.Equal(t, endID, m.Nodes[4].ID)
	assert.Equal(t, "fetch\n(http-get)", m.Nodes[1].Label)
	assert.Equal(t, [][]string{{startID}, {"fetch"}, {"transform"}, {"store"}, {endID}}, m.Levels)
	assert.Equal(t, []Edge{
		{From: startID, To: "fetch"},
		{From: "fetch", To: "transform"},
		{From: "transform", To: "store"},
		{From: "store", To: endID},
	}, m.Edges)
}

func TestBuild_DiamondLevelsAndKinds(t *testing.T) {
	m, err := Build(diamondWorkflow(), nil)
	require.NoError(t, err)

	assert.Equal(t, "wf-diamond", m.Title)
	assert.Equal(t, [][]string{{startID}, {"a"}, {"b", "c"}, {"d"}, {endID}}, m.Levels)
	assert.Equal(t, NodeKindLoop, m.node("a").Kind)
	assert.Equal(t, NodeKindCondition, m.node("b").Kind)
	assert.Equal(t, NodeKindWait, m.node("c").Kind)
	assert.Equal(t, NodeKindAgent, m.node("d").Kind)

	var intoD []string
	for _, e := range m.Edges {
		if e.To == "d" {
			intoD = append(intoD, e.From)
		}
	}
	assert.Equal(t, []string{"b", "c"}, intoD, "duplicate dependencies collapse")
}

func TestBuild_EmptyWorkflow(t *testing.T) {
	m, err := Build(&schema.Workflow{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Workflow", m.Title)
	assert.Equal(t, [][]string{{startID}, {endID}}, m.Levels)
	assert.Empty(t, m.Edges)
}

func TestBuild_RejectsCycle(t *testing.T) {
	wf := &schema.Workflow{Steps: []schema.Step{
		{StepKey: "a", Type: schema.StepTypeAgent, DependsOn: []string{"b"}},
		{StepKey: "b", Type: schema.StepTypeAgent, DependsOn: []string{"a"}},
	}}
	_, err := Build(wf, nil)
	require.Error(t, err)
}

func TestStatusesFromLogs(t *testing.T) {
	ev := func(key, event string, md map[string]any) *store.LogEntry {
		if md == nil {
			md = map[string]any{}
		}
		md["event"] = event
		return &store.LogEntry{StepKey: key, Metadata: md}
	}
	entries := []*store.LogEntry{
		{Metadata: map[string]any{"event": schema.EventExecutionStarted}},
		ev("fetch", schema.EventStepStarted, nil),
		ev("fetch", schema.EventStepFailed, map[string]any{"error": "boom", "duration_ms": int64(5)}),
		ev("fetch", schema.EventStepRetrying, nil),
		ev("fetch", schema.EventStepCompleted, map[string]any{"duration_ms": float64(12)}),
		ev("fetch", schema.EventAgentLog, nil),
		ev("transform", schema.EventStepStarted, nil),
		ev("transform", schema.EventStepFailed, map[string]any{"error": "bad input", "duration_ms": 3}),
		ev("store", schema.EventStepSkipped, nil),
	}

	got := StatusesFromLogs(entries)
	require.Len(t, got, 3)
	assert.Equal(t, &StatusOverlay{Status: schema.StepCompleted, Attempts: 2, DurationMs: 12}, got["fetch"])
	assert.Equal(t, &StatusOverlay{Status: schema.StepFailed, Attempts: 1, DurationMs: 3, Error: "bad input"}, got["transform"])
	assert.Equal(t, schema.StepSkipped, got["store"].Status)
}
