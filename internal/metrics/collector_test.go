package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	return NewCollector("flowrun_test", prometheus.NewRegistry())
}

func TestCollector_Runs(t *testing.T) {
	c := newTestCollector(t)

	c.RunStarted()
	c.RunStarted()
	assert.Equal(t, float64(2), testutil.ToFloat64(c.runsInFlight))

	c.RunFinished("COMPLETED", "MANUAL", 120*time.Millisecond)
	c.RunFinished("FAILED", "SCHEDULED", time.Second)

	assert.Equal(t, float64(0), testutil.ToFloat64(c.runsInFlight))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.runsTotal.WithLabelValues("COMPLETED", "MANUAL")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.runDuration))
}

func TestCollector_Steps(t *testing.T) {
	c := newTestCollector(t)

	c.StepFinished("AGENT", "COMPLETED", 10*time.Millisecond)
	c.StepFinished("AGENT", "SKIPPED", 0)
	c.StepRetried("AGENT")
	c.StepRetried("AGENT")

	assert.Equal(t, 2, testutil.CollectAndCount(c.stepsTotal))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.stepRetries.WithLabelValues("AGENT")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.stepDuration), "skipped step has no duration sample")
}

func TestCollector_Agents(t *testing.T) {
	c := newTestCollector(t)

	c.AgentFinished(AgentCall{AgentType: "LLM", Success: true, Duration: time.Second,
		APICalls: 1, NetworkBytes: 2048, PromptTokens: 100, CompletionTokens: 40})
	c.AgentFinished(AgentCall{AgentType: "HTTP", Success: false, Duration: time.Millisecond})

	assert.Equal(t, float64(100), testutil.ToFloat64(c.agentTokens.WithLabelValues("prompt")))
	assert.Equal(t, float64(40), testutil.ToFloat64(c.agentTokens.WithLabelValues("completion")))
	assert.Equal(t, float64(2048), testutil.ToFloat64(c.agentNetBytes.WithLabelValues("LLM")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.agentCalls.WithLabelValues("HTTP", "false")))
}

func TestCollector_SchedulerAndGauge(t *testing.T) {
	c := newTestCollector(t)
	c.ScheduledJobRan("success")
	c.SetMaxParallelSteps(4)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.schedulerRuns.WithLabelValues("success")))
	assert.Equal(t, float64(4), testutil.ToFloat64(c.maxParallelism))
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RunStarted()
		c.RunFinished("COMPLETED", "MANUAL", time.Second)
		c.StepFinished("AGENT", "FAILED", time.Second)
		c.StepRetried("AGENT")
		c.AgentFinished(AgentCall{AgentType: "CODE"})
		c.ScheduledJobRan("error")
		c.SetMaxParallelSteps(1)
	})
}
