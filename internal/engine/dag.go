package engine

import (
	"slices"

	"github.com/rendis/flowrun/pkg/schema"
)

// Graph is the validated dependency structure of a workflow.
type Graph struct {
	Steps      map[string]*schema.Step // step key → step
	Dependents map[string][]string     // step key → keys that depend on it, sorted
	Keys       []string                // every step key, sorted
}

// DFS colours for cycle detection.
const (
	white = iota
	gray
	black
)

// ValidateGraph checks that the steps form a well-formed DAG.
// All failures are GRAPH_VALIDATION_ERROR.
func ValidateGraph(steps []schema.Step) error {
	_, err := BuildGraph(steps)
	return err
}

// BuildGraph validates steps and returns their dependency graph. It rejects
// empty or duplicate keys, unknown step types or error policies, negative
// retry or timeout settings, self dependencies, dependencies on absent keys,
// and cycles. A cycle is reported as "A -> B -> A".
func BuildGraph(steps []schema.Step) (*Graph, error) {
	g := &Graph{
		Steps:      make(map[string]*schema.Step, len(steps)),
		Dependents: make(map[string][]string, len(steps)),
		Keys:       make([]string, 0, len(steps)),
	}

	for i := range steps {
		step := &steps[i]
		if step.StepKey == "" {
			return nil, graphErrorf("step at index %d has an empty key", i)
		}
		if _, dup := g.Steps[step.StepKey]; dup {
			return nil, graphErrorf("duplicate step key %q", step.StepKey).WithStep(step.StepKey)
		}
		if err := validateStep(step); err != nil {
			return nil, err
		}
		g.Steps[step.StepKey] = step
		g.Keys = append(g.Keys, step.StepKey)
	}
	slices.Sort(g.Keys)

	for _, key := range g.Keys {
		for _, dep := range g.Steps[key].DependsOn {
			if dep == key {
				return nil, graphErrorf("step %q depends on itself", key).WithStep(key)
			}
			if _, ok := g.Steps[dep]; !ok {
				return nil, graphErrorf("step %q depends on unknown step %q", key, dep).
					WithStep(key).
					WithDetails(map[string]any{"missing_dependency": dep})
			}
			if !slices.Contains(g.Dependents[dep], key) {
				g.Dependents[dep] = append(g.Dependents[dep], key)
			}
		}
	}
	for _, deps := range g.Dependents {
		slices.Sort(deps)
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, graphErrorf("dependency cycle detected: %s", schema.FormatCycle(cycle)).
			WithDetails(map[string]any{"cycle": cycle})
	}
	return g, nil
}

// findCycle runs a three-colour DFS from every unvisited key in sorted order
// and returns the first cycle found, closed with its starting key.
func (g *Graph) findCycle() []string {
	color := make(map[string]int, len(g.Keys))
	var path []string

	var visit func(key string) []string
	visit = func(key string) []string {
		color[key] = gray
		path = append(path, key)
		for _, next := range g.Dependents[key] {
			switch color[next] {
			case gray:
				start := slices.Index(path, next)
				cycle := slices.Clone(path[start:])
				return append(cycle, next)
			case white:
				if c := visit(next); c != nil {
					return c
				}
			}
		}
		path = path[:len(path)-1]
		color[key] = black
		return nil
	}

	for _, key := range g.Keys {
		if color[key] == white {
			if c := visit(key); c != nil {
				return c
			}
		}
	}
	return nil
}

func validateStep(step *schema.Step) error {
	if !step.Type.Valid() {
		return graphErrorf("step %q has unknown type %q", step.StepKey, step.Type).WithStep(step.StepKey)
	}
	if !step.OnError.Valid() {
		return graphErrorf("step %q has unknown on_error policy %q", step.StepKey, step.OnError).WithStep(step.StepKey)
	}
	if step.RetryCount < 0 || step.RetryDelayMs < 0 || step.TimeoutMs < 0 {
		return graphErrorf("step %q has a negative retry or timeout setting", step.StepKey).WithStep(step.StepKey)
	}
	if step.Type == schema.StepTypeAgent && step.AgentRef == "" {
		return graphErrorf("agent step %q has no agent_ref", step.StepKey).WithStep(step.StepKey)
	}
	return nil
}

func graphErrorf(format string, args ...any) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeGraphValidation, format, args...)
}
