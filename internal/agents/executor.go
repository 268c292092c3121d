package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/flowrun/internal/deadline"
	"github.com/rendis/flowrun/internal/logging"
	"github.com/rendis/flowrun/internal/metrics"
	"github.com/rendis/flowrun/pkg/schema"
)

// Executor runs one Strategy with the duties every agent call shares:
// descriptor type checking, a timeout, a log buffer and metrics.
type Executor struct {
	strategy Strategy
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Collector
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithDefaultTimeout overrides DefaultTimeout for descriptors without MaxExecutionTime.
func WithDefaultTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithLogger sets the slog logger call logs are mirrored to.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics records every call on c.
func WithMetrics(c *metrics.Collector) ExecutorOption {
	return func(e *Executor) { e.metrics = c }
}

// NewExecutor wraps s.
func NewExecutor(s Strategy, opts ...ExecutorOption) *Executor {
	e := &Executor{strategy: s, timeout: DefaultTimeout, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Type returns the agent type this executor serves.
func (e *Executor) Type() schema.AgentType {
	return e.strategy.Type()
}

// Execute runs the strategy for desc. A non-nil error is returned only for
// configuration problems, which must abort the run; every other failure is
// reported through ExecutionResult.Success.
func (e *Executor) Execute(ctx context.Context, desc *schema.AgentDescriptor, inputs map[string]any, rc *schema.ExecutionContext) (*ExecutionResult, error) {
	if desc == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "agent descriptor is required")
	}
	typ, err := schema.ParseAgentType(string(desc.Type))
	if err != nil {
		return nil, err
	}
	if typ != e.strategy.Type() {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
			"agent %s has type %s, executor handles %s", desc.ID, typ, e.strategy.Type())
	}

	timeout := e.timeout
	if desc.MaxExecutionTime > 0 {
		timeout = time.Duration(desc.MaxExecutionTime) * 1000 * time.Millisecond
	}

	ctx = logging.WithAgentID(ctx, desc.ID)
	log := logging.LogWith(ctx, e.logger)
	call := newCall(desc, inputs, rc, log)

	start := time.Now()
	out, runErr := deadline.Run(ctx, timeout, func(ctx context.Context) (any, error) {
		return e.strategy.run(ctx, call)
	})
	elapsed := time.Since(start)

	var timeoutErr *deadline.TimeoutError
	if errors.As(runErr, &timeoutErr) {
		call.Log(ctx, schema.LogError, "agent timed out", map[string]any{"timeout_ms": timeout.Milliseconds()})
	}

	logs, usage := call.snapshot()
	result := &ExecutionResult{
		Success:    runErr == nil,
		DurationMs: elapsed.Milliseconds(),
		Logs:       logs,
		Metrics:    usage,
	}
	if runErr == nil {
		result.Output = out
	} else {
		result.Error = runErr.Error()
		result.ErrorCode = schema.CodeOf(runErr)
		result.ErrorTrace = errorTrace(runErr)
		if timeoutErr != nil {
			result.Error = fmt.Sprintf("agent %s timed out after %dms", desc.ID, timeout.Milliseconds())
			result.ErrorCode = schema.ErrCodeStepTimeout
		}
		if result.ErrorCode == "" {
			result.ErrorCode = schema.ErrCodeStepExecution
		}
	}

	e.record(typ, result, elapsed)
	log.DebugContext(ctx, "agent call finished",
		slog.String("agent_type", string(typ)),
		slog.Bool("success", result.Success),
		slog.Int64("duration_ms", result.DurationMs),
	)

	if schema.IsCode(runErr, schema.ErrCodeConfiguration) {
		return result, runErr
	}
	return result, nil
}

func (e *Executor) record(typ schema.AgentType, r *ExecutionResult, d time.Duration) {
	call := metrics.AgentCall{AgentType: string(typ), Success: r.Success, Duration: d}
	if m := r.Metrics; m != nil {
		call.APICalls = m.APICalls
		call.NetworkBytes = m.NetworkBytes
		if m.Tokens != nil {
			call.PromptTokens = m.Tokens.Prompt
			call.CompletionTokens = m.Tokens.Completion
		}
	}
	e.metrics.AgentFinished(call)
}

func errorTrace(err error) string {
	var pe *deadline.PanicError
	if errors.As(err, &pe) {
		return pe.Stack
	}
	return schema.TraceOf(err)
}
