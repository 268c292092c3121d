// Package agents runs pluggable units of work ("agents") on behalf of
// workflow steps. Each agent type is a Strategy; the Executor wraps a
// strategy with timeout enforcement, log capture and metrics.
package agents

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/flowrun/internal/expressions"
	"github.com/rendis/flowrun/pkg/schema"
)

// DefaultTimeout bounds an agent call whose descriptor sets no MaxExecutionTime.
const DefaultTimeout = 30 * time.Second

// Strategy is one agent type. The interface is sealed: only strategies in
// this package can satisfy it.
type Strategy interface {
	Type() schema.AgentType
	run(ctx context.Context, call *Call) (any, error)
	sealed()
}

// strategy is embedded by every Strategy implementation.
type strategy struct{}

func (strategy) sealed() {}

// ExecutionResult is the outcome of one agent call. Strategy failures are
// reported here, not as a Go error.
type ExecutionResult struct {
	Success    bool             `json:"success"`
	Output     any              `json:"output,omitempty"`
	Error      string           `json:"error,omitempty"`
	ErrorCode  string           `json:"error_code,omitempty"`
	ErrorTrace string           `json:"error_trace,omitempty"`
	DurationMs int64            `json:"duration_ms"`
	Logs       []LogEntry       `json:"logs,omitempty"`
	Metrics    *ResourceMetrics `json:"metrics,omitempty"`
}

// LogEntry is one record in an agent call's log buffer.
type LogEntry struct {
	Level     schema.LogLevel `json:"level"`
	Message   string          `json:"message"`
	Timestamp time.Time       `json:"timestamp"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

// ResourceMetrics are the counters a strategy reports for a call.
type ResourceMetrics struct {
	PeakMemoryBytes int64          `json:"peak_memory_bytes,omitempty"`
	CPUTimeMs       int64          `json:"cpu_time_ms,omitempty"`
	NetworkBytes    int64          `json:"network_bytes,omitempty"`
	APICalls        int            `json:"api_calls,omitempty"`
	Tokens          *TokenUsage    `json:"tokens,omitempty"`
	Custom          map[string]any `json:"custom,omitempty"`
}

// TokenUsage counts language-model tokens.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// Call is the state of one in-flight agent execution. Strategies read the
// descriptor and inputs from it and record logs and metrics on it.
type Call struct {
	Agent   *schema.AgentDescriptor
	Inputs  map[string]any
	Run     *schema.ExecutionContext
	logger  *slog.Logger
	mu      sync.Mutex
	logs    []LogEntry
	metrics ResourceMetrics
}

func newCall(desc *schema.AgentDescriptor, inputs map[string]any, rc *schema.ExecutionContext, logger *slog.Logger) *Call {
	if inputs == nil {
		inputs = map[string]any{}
	}
	return &Call{Agent: desc, Inputs: inputs, Run: rc, logger: logger}
}

// Log appends a record to the call's buffer and mirrors it to slog at debug.
func (c *Call) Log(ctx context.Context, level schema.LogLevel, msg string, metadata map[string]any) {
	c.mu.Lock()
	c.logs = append(c.logs, LogEntry{Level: level, Message: msg, Timestamp: time.Now().UTC(), Metadata: metadata})
	c.mu.Unlock()
	if c.logger != nil {
		c.logger.DebugContext(ctx, "agent log", "level", string(level), "message", msg)
	}
}

// Info is Log at info level without metadata.
func (c *Call) Info(ctx context.Context, msg string) {
	c.Log(ctx, schema.LogInfo, msg, nil)
}

// Metrics mutates the call's counters under the call lock.
func (c *Call) Metrics(fn func(m *ResourceMetrics)) {
	c.mu.Lock()
	fn(&c.metrics)
	c.mu.Unlock()
}

func (c *Call) snapshot() ([]LogEntry, *ResourceMetrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	logs := make([]LogEntry, len(c.logs))
	copy(logs, c.logs)
	m := c.metrics
	if m.Tokens != nil {
		t := *m.Tokens
		m.Tokens = &t
	}
	return logs, &m
}

// templateScope exposes the agent inputs as template roots, so both
// {{inputs.x}} and {{x}} resolve.
func (c *Call) templateScope() *expressions.Scope {
	scope := &expressions.Scope{Inputs: c.Inputs, Extra: c.Inputs}
	if c.Run != nil {
		scope.Metadata = c.Run.Metadata
		scope.Steps = c.Run.Outputs()
	}
	return scope
}
