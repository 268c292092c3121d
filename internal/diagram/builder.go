package diagram

import (
	"fmt"
	"slices"

	"github.com/rendis/flowrun/internal/engine"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/pkg/schema"
)

// Build lays out wf as a diagram. statuses, keyed by step key, may be nil.
// Nodes follow the execution order; edges and levels are sorted so the
// output is stable for a given workflow.
func Build(wf *schema.Workflow, statuses map[string]*StatusOverlay) (*Model, error) {
	g, err := engine.BuildGraph(wf.Steps)
	if err != nil {
		return nil, fmt.Errorf("diagram: %w", err)
	}
	order, err := g.Order()
	if err != nil {
		return nil, fmt.Errorf("diagram: %w", err)
	}

	m := &Model{Title: titleOf(wf)}
	m.Nodes = append(m.Nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})

	depth := make(map[string]int, len(order))
	maxDepth := 0
	for _, key := range order {
		step := g.Steps[key]
		d := 0
		for _, dep := range step.DependsOn {
			d = max(d, depth[dep]+1)
		}
		depth[key] = d
		maxDepth = max(maxDepth, d)

		m.Nodes = append(m.Nodes, &Node{ID: key, Label: nodeLabel(step), Kind: kindOf(step.Type), Status: statuses[key]})
	}
	m.Nodes = append(m.Nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	m.Levels = make([][]string, 0, maxDepth+3)
	m.Levels = append(m.Levels, []string{startID})
	if len(order) > 0 {
		levels := make([][]string, maxDepth+1)
		for _, key := range order {
			levels[depth[key]] = append(levels[depth[key]], key)
		}
		for _, l := range levels {
			slices.Sort(l)
			m.Levels = append(m.Levels, l)
		}
	}
	m.Levels = append(m.Levels, []string{endID})

	for _, key := range order {
		step := g.Steps[key]
		if len(step.DependsOn) == 0 {
			m.Edges = append(m.Edges, Edge{From: startID, To: key})
		}
		deps := slices.Clone(step.DependsOn)
		slices.Sort(deps)
		for _, dep := range slices.Compact(deps) {
			m.Edges = append(m.Edges, Edge{From: dep, To: key})
		}
		if len(g.Dependents[key]) == 0 {
			m.Edges = append(m.Edges, Edge{From: key, To: endID})
		}
	}
	return m, nil
}

func kindOf(t schema.StepType) NodeKind {
	switch t {
	case schema.StepTypeCondition:
		return NodeKindCondition
	case schema.StepTypeLoop:
		return NodeKindLoop
	case schema.StepTypeWait:
		return NodeKindWait
	case schema.StepTypeParallel:
		return NodeKindParallel
	default:
		return NodeKindAgent
	}
}

func nodeLabel(step *schema.Step) string {
	if step.AgentRef != "" {
		return fmt.Sprintf("%s\n(%s)", step.StepKey, step.AgentRef)
	}
	return step.StepKey
}

func titleOf(wf *schema.Workflow) string {
	if wf.Name != "" {
		return wf.Name
	}
	if wf.ID != "" {
		return wf.ID
	}
	return "Workflow"
}

// StatusesFromLogs rebuilds per-step state from an execution's step log.
// Entries must be in sequence order; the last transition of a step wins.
func StatusesFromLogs(entries []*store.LogEntry) map[string]*StatusOverlay {
	out := map[string]*StatusOverlay{}
	for _, e := range entries {
		if e.StepKey == "" {
			continue
		}
		event, _ := e.Metadata["event"].(string)
		var status schema.StepStatus
		switch event {
		case schema.EventStepStarted, schema.EventStepRetrying:
			status = schema.StepRunning
		case schema.EventStepCompleted:
			status = schema.StepCompleted
		case schema.EventStepFailed:
			status = schema.StepFailed
		case schema.EventStepSkipped:
			status = schema.StepSkipped
		default:
			continue
		}

		ov := out[e.StepKey]
		if ov == nil {
			ov = &StatusOverlay{}
			out[e.StepKey] = ov
		}
		ov.Status = status
		if status == schema.StepRunning {
			ov.Attempts++
		}
		if d, ok := number(e.Metadata["duration_ms"]); ok {
			ov.DurationMs = d
		}
		ov.Error, _ = e.Metadata["error"].(string)
	}
	return out
}

func number(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}
