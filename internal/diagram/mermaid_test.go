package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/pkg/schema"
)

func TestRenderMermaid_Shapes(t *testing.T) {
	m, err := Build(diamondWorkflow(), nil)
	require.NoError(t, err)

	out := RenderMermaid(m)
	assert.Contains(t, out, "graph TD\n")
	assert.Contains(t, out, `__start__(("Start"))`)
	assert.Contains(t, out, `a[["a (x)"]]`)
	assert.Contains(t, out, `b{"b"}`)
	assert.Contains(t, out, `c(["c"])`)
	assert.Contains(t, out, `d["d (x)"]`)
	assert.Contains(t, out, "    a --> b\n")
	assert.Contains(t, out, "    d --> __end__\n")
	assert.NotContains(t, out, "class a ")
}

func TestRenderMermaid_StatusClasses(t *testing.T) {
	m, err := Build(linearWorkflow(), map[string]*StatusOverlay{
		"fetch":     {Status: schema.StepCompleted},
		"transform": {Status: schema.StepRunning},
		"store":     {Status: schema.StepReady},
	})
	require.NoError(t, err)

	out := RenderMermaid(m)
	assert.Contains(t, out, "class fetch completed\n")
	assert.Contains(t, out, "class transform running\n")
	assert.NotContains(t, out, "class store")
}

func TestMermaidID(t *testing.T) {
	assert.Equal(t, "load_user_v2", mermaidID("load-user.v2"))
}
