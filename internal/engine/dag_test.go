package engine

import (
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/rendis/flowrun/pkg/schema"
)

func step(key string, deps ...string) schema.Step {
	return schema.Step{StepKey: key, Type: schema.StepTypeWait, DependsOn: deps}
}

func TestValidateGraph_Valid(t *testing.T) {
	err := ValidateGraph([]schema.Step{step("a"), step("b", "a"), step("c", "a", "b")})
	assert.NoError(t, err)
}

func TestValidateGraph_TwoNodeCycle(t *testing.T) {
	err := ValidateGraph([]schema.Step{step("A", "B"), step("B", "A")})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeGraphValidation))
	assert.Contains(t, err.Error(), "A -> B -> A")
}

func TestValidateGraph_CycleInDisconnectedComponent(t *testing.T) {
	err := ValidateGraph([]schema.Step{
		step("a"), step("b", "a"),
		step("x", "z"), step("y", "x"), step("z", "y"),
	})
	require.Error(t, err)

	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	cycle := fe.Details["cycle"].([]string)
	assert.Equal(t, cycle[0], cycle[len(cycle)-1], "cycle is closed")
	assert.ElementsMatch(t, []string{"x", "y", "z"}, cycle[:len(cycle)-1])
	assert.Contains(t, err.Error(), "x -> y -> z -> x")
}

func TestValidateGraph_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		steps []schema.Step
		want  string
	}{
		{"self dependency", []schema.Step{step("a", "a")}, "depends on itself"},
		{"missing dependency", []schema.Step{step("a", "ghost")}, `unknown step "ghost"`},
		{"duplicate key", []schema.Step{step("a"), step("a")}, "duplicate step key"},
		{"empty key", []schema.Step{step("")}, "empty key"},
		{"unknown type", []schema.Step{{StepKey: "a", Type: "TELEPORT"}}, "unknown type"},
		{"unknown policy", []schema.Step{{StepKey: "a", Type: schema.StepTypeWait, OnError: "SHRUG"}}, "on_error"},
		{"negative retry", []schema.Step{{StepKey: "a", Type: schema.StepTypeWait, RetryCount: -1}}, "negative"},
		{"agent without ref", []schema.Step{{StepKey: "a", Type: schema.StepTypeAgent}}, "agent_ref"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateGraph(tt.steps)
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeGraphValidation))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSchedule_TiesBrokenLexicographically(t *testing.T) {
	order, err := Schedule([]schema.Step{step("C", "A"), step("B", "A"), step("A")})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, order)
}

func TestSchedule_IndependentOfDeclarationOrder(t *testing.T) {
	steps := []schema.Step{step("load"), step("clean", "load"), step("aggregate", "clean"), step("audit"), step("report", "aggregate", "audit")}
	want, err := Schedule(steps)
	require.NoError(t, err)
	assert.Equal(t, []string{"audit", "load", "clean", "aggregate", "report"}, want)

	reversed := slices.Clone(steps)
	slices.Reverse(reversed)
	got, err := Schedule(reversed)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSchedule_DuplicateDependencyCountsOnce(t *testing.T) {
	order, err := Schedule([]schema.Step{step("a"), step("b", "a", "a")})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestSchedule_RejectsInvalidGraph(t *testing.T) {
	_, err := Schedule([]schema.Step{step("a", "b"), step("b", "a")})
	assert.True(t, schema.IsCode(err, schema.ErrCodeGraphValidation))
}

func TestGraphOrder_InvariantViolation(t *testing.T) {
	// A graph that bypassed validation.
	g := &Graph{
		Steps:      map[string]*schema.Step{"a": {StepKey: "a", DependsOn: []string{"b"}}, "b": {StepKey: "b", DependsOn: []string{"a"}}},
		Dependents: map[string][]string{"a": {"b"}, "b": {"a"}},
		Keys:       []string{"a", "b"},
	}
	_, err := g.Order()
	assert.True(t, schema.IsCode(err, schema.ErrCodeSchedulingInvariant))
}

// genDAG draws an acyclic workflow: a step may only depend on steps drawn before it.
func genDAG(t *rapid.T) []schema.Step {
	n := rapid.IntRange(1, 12).Draw(t, "n")
	keys := rapid.Permutation(letterKeys(n)).Draw(t, "keys")
	steps := make([]schema.Step, n)
	for i := range steps {
		var deps []string
		if i > 0 {
			deps = rapid.SliceOfNDistinct(rapid.SampledFrom(keys[:i]), 0, i, rapid.ID[string]).Draw(t, fmt.Sprintf("deps%d", i))
		}
		steps[i] = step(keys[i], deps...)
	}
	return rapid.Permutation(steps).Draw(t, "declared")
}

func letterKeys(n int) []string {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("s%02d", i)
	}
	return keys
}

func TestSchedule_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		steps := genDAG(t)
		require.NoError(t, ValidateGraph(steps))

		order, err := Schedule(steps)
		require.NoError(t, err)
		require.Len(t, order, len(steps))

		pos := make(map[string]int, len(order))
		for i, k := range order {
			pos[k] = i
		}
		for _, s := range steps {
			for _, dep := range s.DependsOn {
				require.Less(t, pos[dep], pos[s.StepKey], "%s must run before %s", dep, s.StepKey)
			}
		}

		again, err := Schedule(steps)
		require.NoError(t, err)
		require.Equal(t, order, again)
	})
}

func TestValidateGraph_RejectsAnyInjectedCycle(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		steps := genDAG(t)
		if len(steps) < 2 {
			steps = append(steps, step("zz"))
		}
		// Close a cycle: pick an edge source and make it depend on its own dependent.
		i := rapid.IntRange(0, len(steps)-1).Draw(t, "i")
		j := rapid.IntRange(0, len(steps)-1).Filter(func(j int) bool { return j != i }).Draw(t, "j")
		steps[i].DependsOn = append(slices.Clone(steps[i].DependsOn), steps[j].StepKey)
		steps[j].DependsOn = append(slices.Clone(steps[j].DependsOn), steps[i].StepKey)

		err := ValidateGraph(steps)
		require.Error(t, err)
		require.True(t, schema.IsCode(err, schema.ErrCodeGraphValidation))

		var fe *schema.FlowError
		require.ErrorAs(t, err, &fe)
		cycle, ok := fe.Details["cycle"].([]string)
		require.True(t, ok, "error reports a cycle: %v", err)
		require.GreaterOrEqual(t, len(cycle), 3)
		require.Equal(t, cycle[0], cycle[len(cycle)-1])
		require.True(t, strings.Contains(err.Error(), schema.FormatCycle(cycle)))
	})
}
