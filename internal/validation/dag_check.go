package validation

import (
	"errors"
	"fmt"
	"slices"

	"github.com/rendis/flowrun/internal/engine"
	"github.com/rendis/flowrun/internal/expressions"
	"github.com/rendis/flowrun/pkg/schema"
)

// validateDAG runs the engine's graph validation over every workflow and adds
// warnings for template references the dependency graph does not guarantee.
func validateDAG(doc *Document) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	graph := result.Stage(schema.StageGraph)

	for i := range doc.Workflows {
		wf := &doc.Workflows[i]
		path := fmt.Sprintf("workflows[%d]", i)

		g, err := engine.BuildGraph(wf.Steps)
		if err != nil {
			addGraphError(graph.Workflow(wf.ID), path, wf, err)
			continue
		}
		checkReferences(graph.Workflow(wf.ID), path, wf, g)
	}
	return result
}

func addGraphError(scope schema.IssueScope, path string, wf *schema.Workflow, err error) {
	code := schema.CodeOf(err)
	if code == "" {
		code = schema.ErrCodeGraphValidation
	}
	var fe *schema.FlowError
	if errors.As(err, &fe) && fe.StepKey != "" {
		if idx := stepIndex(wf, fe.StepKey); idx >= 0 {
			path = fmt.Sprintf("%s.steps[%d]", path, idx)
			scope = scope.Step(fe.StepKey)
		}
	}
	scope.Error(path, code, messageOf(err))
}

// checkReferences warns when a step's inputs reference a step that is not
// among its transitive dependencies. Such placeholders resolve only if the
// referenced step happens to complete first.
func checkReferences(scope schema.IssueScope, path string, wf *schema.Workflow, g *engine.Graph) {
	ancestors := make(map[string]map[string]struct{}, len(g.Keys))
	var collect func(key string) map[string]struct{}
	collect = func(key string) map[string]struct{} {
		if a, ok := ancestors[key]; ok {
			return a
		}
		a := map[string]struct{}{}
		for _, dep := range g.Steps[key].DependsOn {
			a[dep] = struct{}{}
			for k := range collect(dep) {
				a[k] = struct{}{}
			}
		}
		ancestors[key] = a
		return a
	}

	for i := range wf.Steps {
		step := &wf.Steps[i]
		for _, root := range expressions.Roots(step.Inputs) {
			if root == "inputs" || root == "metadata" || root == step.StepKey {
				continue
			}
			if _, ok := g.Steps[root]; !ok {
				continue
			}
			if _, ok := collect(step.StepKey)[root]; ok {
				continue
			}
			scope.Step(step.StepKey).Warn(fmt.Sprintf("%s.steps[%d].inputs", path, i), schema.ErrCodeValidation,
				fmt.Sprintf("step %q references %q but does not depend on it", step.StepKey, root))
		}
	}
}

func stepIndex(wf *schema.Workflow, key string) int {
	return slices.IndexFunc(wf.Steps, func(s schema.Step) bool { return s.StepKey == key })
}

func messageOf(err error) string {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.Message
	}
	return err.Error()
}
