// Package metrics exposes Prometheus instrumentation for runs, steps and agent calls.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the engine's Prometheus collectors. A nil *Collector is
// valid and records nothing.
type Collector struct {
	runsTotal      *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	runsInFlight   prometheus.Gauge
	stepsTotal     *prometheus.CounterVec
	stepDuration   *prometheus.HistogramVec
	stepRetries    *prometheus.CounterVec
	agentCalls     *prometheus.CounterVec
	agentDuration  *prometheus.HistogramVec
	agentTokens    *prometheus.CounterVec
	agentAPICalls  *prometheus.CounterVec
	agentNetBytes  *prometheus.CounterVec
	schedulerRuns  *prometheus.CounterVec
	maxParallelism prometheus.Gauge
}

// NewCollector registers the collectors on reg under namespace.
// A nil reg falls back to prometheus.DefaultRegisterer.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Collector{
		runsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Workflow runs by final status and trigger type",
		}, []string{"status", "trigger"}),
		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Workflow run wall-clock duration",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"status"}),
		runsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_in_flight",
			Help:      "Workflow runs currently executing",
		}),
		stepsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Steps by type and terminal status",
		}, []string{"type", "status"}),
		stepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step attempt duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		stepRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Step retry attempts",
		}, []string{"type"}),
		agentCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_calls_total",
			Help:      "Agent executions by agent type and outcome",
		}, []string{"agent_type", "success"}),
		agentDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_duration_seconds",
			Help:      "Agent execution duration",
			Buckets:   []float64{0.005, 0.05, 0.25, 1, 5, 30, 120},
		}, []string{"agent_type"}),
		agentTokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_tokens_total",
			Help:      "Language-model tokens consumed",
		}, []string{"kind"}),
		agentAPICalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_api_calls_total",
			Help:      "Outbound API calls made by agents",
		}, []string{"agent_type"}),
		agentNetBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_network_bytes_total",
			Help:      "Bytes transferred by agents",
		}, []string{"agent_type"}),
		schedulerRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_job_runs_total",
			Help:      "Scheduled job executions by outcome",
		}, []string{"status"}),
		maxParallelism: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "max_parallel_steps",
			Help:      "Configured max parallel steps (informational, execution is sequential)",
		}),
	}
}

// RunStarted increments the in-flight gauge.
func (c *Collector) RunStarted() {
	if c == nil {
		return
	}
	c.runsInFlight.Inc()
}

// RunFinished records a finished run and decrements the in-flight gauge.
func (c *Collector) RunFinished(status, trigger string, d time.Duration) {
	if c == nil {
		return
	}
	c.runsInFlight.Dec()
	c.runsTotal.WithLabelValues(status, trigger).Inc()
	c.runDuration.WithLabelValues(status).Observe(d.Seconds())
}

// StepFinished records a step reaching a terminal status.
func (c *Collector) StepFinished(stepType, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.stepsTotal.WithLabelValues(stepType, status).Inc()
	if d > 0 {
		c.stepDuration.WithLabelValues(stepType).Observe(d.Seconds())
	}
}

// StepRetried records a retry attempt.
func (c *Collector) StepRetried(stepType string) {
	if c == nil {
		return
	}
	c.stepRetries.WithLabelValues(stepType).Inc()
}

// AgentCall describes one finished agent execution.
type AgentCall struct {
	AgentType        string
	Success          bool
	Duration         time.Duration
	APICalls         int
	NetworkBytes     int64
	PromptTokens     int
	CompletionTokens int
}

// AgentFinished records an agent execution with its resource counters.
func (c *Collector) AgentFinished(call AgentCall) {
	if c == nil {
		return
	}
	c.agentCalls.WithLabelValues(call.AgentType, strconv.FormatBool(call.Success)).Inc()
	c.agentDuration.WithLabelValues(call.AgentType).Observe(call.Duration.Seconds())
	if call.APICalls > 0 {
		c.agentAPICalls.WithLabelValues(call.AgentType).Add(float64(call.APICalls))
	}
	if call.NetworkBytes > 0 {
		c.agentNetBytes.WithLabelValues(call.AgentType).Add(float64(call.NetworkBytes))
	}
	if call.PromptTokens > 0 {
		c.agentTokens.WithLabelValues("prompt").Add(float64(call.PromptTokens))
	}
	if call.CompletionTokens > 0 {
		c.agentTokens.WithLabelValues("completion").Add(float64(call.CompletionTokens))
	}
}

// ScheduledJobRan records a scheduler-triggered run.
func (c *Collector) ScheduledJobRan(status string) {
	if c == nil {
		return
	}
	c.schedulerRuns.WithLabelValues(status).Inc()
}

// SetMaxParallelSteps publishes the configured parallelism knob.
func (c *Collector) SetMaxParallelSteps(n int) {
	if c == nil {
		return
	}
	c.maxParallelism.Set(float64(n))
}
