package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/flowrun/internal/agents"
	"github.com/rendis/flowrun/internal/deadline"
	"github.com/rendis/flowrun/internal/expressions"
	"github.com/rendis/flowrun/internal/logging"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/pkg/schema"
)

// StepExecutor runs one attempt of a step with its inputs already resolved.
type StepExecutor interface {
	ExecuteStep(ctx context.Context, step *schema.Step, rc *schema.ExecutionContext, inputs map[string]any) (any, error)
}

// StepExecutorFunc adapts a function to StepExecutor.
type StepExecutorFunc func(ctx context.Context, step *schema.Step, rc *schema.ExecutionContext, inputs map[string]any) (any, error)

// ExecuteStep implements StepExecutor.
func (f StepExecutorFunc) ExecuteStep(ctx context.Context, step *schema.Step, rc *schema.ExecutionContext, inputs map[string]any) (any, error) {
	return f(ctx, step, rc, inputs)
}

// AgentDispatcher runs an agent descriptor. Satisfied by *agents.Dispatcher.
type AgentDispatcher interface {
	Dispatch(ctx context.Context, desc *schema.AgentDescriptor, inputs map[string]any, rc *schema.ExecutionContext) (*agents.ExecutionResult, error)
}

// DefaultStepExecutor handles every step type: AGENT and LOOP through the
// agent dispatcher, CONDITION with CEL, WAIT with a context-aware sleep.
// PARALLEL has no fan-out support and is rejected.
type DefaultStepExecutor struct {
	agents     store.AgentLoader
	dispatcher AgentDispatcher
	cel        *expressions.CELEngine
	logs       LogAppender
	logger     *slog.Logger
}

// NewDefaultStepExecutor wires the default step executor. logs may be nil,
// in which case agent call logs are only mirrored to slog.
func NewDefaultStepExecutor(loader store.AgentLoader, dispatcher AgentDispatcher, logs LogAppender, logger *slog.Logger) (*DefaultStepExecutor, error) {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultStepExecutor{agents: loader, dispatcher: dispatcher, cel: cel, logs: logs, logger: logger}, nil
}

// ExecuteStep implements StepExecutor.
func (d *DefaultStepExecutor) ExecuteStep(ctx context.Context, step *schema.Step, rc *schema.ExecutionContext, inputs map[string]any) (any, error) {
	switch step.Type {
	case schema.StepTypeAgent:
		return d.executeAgent(ctx, step, rc, inputs)
	case schema.StepTypeCondition:
		return d.executeCondition(ctx, step, rc, inputs)
	case schema.StepTypeWait:
		return d.executeWait(ctx, step, inputs)
	case schema.StepTypeLoop:
		return d.executeLoop(ctx, step, rc, inputs)
	case schema.StepTypeParallel:
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
			"step %s: PARALLEL steps are not supported; execution is sequential", step.StepKey).WithStep(step.StepKey)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "step %s: unknown type %q", step.StepKey, step.Type).WithStep(step.StepKey)
	}
}

func (d *DefaultStepExecutor) loadAgent(ctx context.Context, step *schema.Step) (*schema.AgentDescriptor, error) {
	if step.AgentRef == "" {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "step %s has no agent_ref", step.StepKey).WithStep(step.StepKey)
	}
	desc, err := d.agents.GetAgent(ctx, step.AgentRef)
	if err != nil {
		if schema.IsNotFound(err) {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "step %s: agent %q not found", step.StepKey, step.AgentRef).
				WithStep(step.StepKey).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "step %s: load agent %q: %v", step.StepKey, step.AgentRef, err).
			WithStep(step.StepKey).WithCause(err)
	}
	return desc, nil
}

func (d *DefaultStepExecutor) executeAgent(ctx context.Context, step *schema.Step, rc *schema.ExecutionContext, inputs map[string]any) (any, error) {
	desc, err := d.loadAgent(ctx, step)
	if err != nil {
		return nil, err
	}
	return d.dispatch(ctx, step, desc, rc, inputs)
}

func (d *DefaultStepExecutor) dispatch(ctx context.Context, step *schema.Step, desc *schema.AgentDescriptor, rc *schema.ExecutionContext, inputs map[string]any) (any, error) {
	res, err := d.dispatcher.Dispatch(ctx, desc, inputs, rc)
	if res != nil {
		d.mirrorLogs(ctx, step, desc, rc, res.Logs)
	}
	if err != nil {
		return nil, err
	}
	if !res.Success {
		code := res.ErrorCode
		if code == "" {
			code = schema.ErrCodeStepExecution
		}
		msg := fmt.Sprintf("agent %s failed: %s", desc.ID, res.Error)
		if code == schema.ErrCodeStepTimeout {
			msg = res.Error
		}
		return nil, schema.NewError(code, msg).
			WithStep(step.StepKey).
			WithTrace(res.ErrorTrace)
	}
	return res.Output, nil
}

// mirrorLogs copies an agent call's log buffer into the step log.
func (d *DefaultStepExecutor) mirrorLogs(ctx context.Context, step *schema.Step, desc *schema.AgentDescriptor, rc *schema.ExecutionContext, logs []agents.LogEntry) {
	if d.logs == nil || rc == nil || rc.ExecutionID == "" {
		return
	}
	for _, l := range logs {
		md := make(map[string]any, len(l.Metadata)+2)
		for k, v := range l.Metadata {
			md[k] = v
		}
		md["event"] = schema.EventAgentLog
		md["agent_id"] = desc.ID
		entry := &store.LogEntry{
			ExecutionID: rc.ExecutionID,
			StepID:      step.ID,
			StepKey:     step.StepKey,
			Level:       l.Level,
			Message:     l.Message,
			Metadata:    md,
			CreatedAt:   l.Timestamp,
		}
		if err := d.logs.AppendStepLog(ctx, entry); err != nil {
			logging.LogWith(ctx, d.logger).WarnContext(ctx, "append agent log failed", "error", err)
			return
		}
	}
}

func (d *DefaultStepExecutor) executeCondition(ctx context.Context, step *schema.Step, rc *schema.ExecutionContext, inputs map[string]any) (any, error) {
	expr, _ := inputs["expression"].(string)
	if expr == "" {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "condition step %s requires inputs.expression", step.StepKey).WithStep(step.StepKey)
	}
	data := map[string]any{}
	if rc != nil {
		data["inputs"] = rc.Inputs
		data["metadata"] = rc.Metadata
		data["steps"] = rc.Outputs()
	}
	result, err := d.cel.EvaluateBool(ctx, expr, data)
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": result, "expression": expr}, nil
}

func (d *DefaultStepExecutor) executeWait(ctx context.Context, step *schema.Step, inputs map[string]any) (any, error) {
	var dur time.Duration
	switch v := inputs["duration_ms"].(type) {
	case nil:
		s, _ := inputs["duration"].(string)
		if s == "" {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "wait step %s requires duration_ms or duration", step.StepKey).WithStep(step.StepKey)
		}
		parsed, err := time.ParseDuration(s)
		if err != nil || parsed < 0 {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "wait step %s: invalid duration %q", step.StepKey, s).WithStep(step.StepKey)
		}
		dur = parsed
	case float64:
		dur = time.Duration(v * float64(time.Millisecond))
	case int:
		dur = time.Duration(v) * time.Millisecond
	case int64:
		dur = time.Duration(v) * time.Millisecond
	default:
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "wait step %s: duration_ms must be a number", step.StepKey).WithStep(step.StepKey)
	}

	if err := deadline.Sleep(ctx, dur); err != nil {
		return nil, err
	}
	return map[string]any{"waited_ms": dur.Milliseconds()}, nil
}

// executeLoop runs the step's agent once per element of inputs.items,
// sequentially, adding item and index to the agent inputs. The first
// failing iteration fails the step.
func (d *DefaultStepExecutor) executeLoop(ctx context.Context, step *schema.Step, rc *schema.ExecutionContext, inputs map[string]any) (any, error) {
	items, ok := inputs["items"].([]any)
	if !ok {
		if inputs["items"] != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "loop step %s: items must be an array, got %T", step.StepKey, inputs["items"]).WithStep(step.StepKey)
		}
		items = []any{}
	}
	desc, err := d.loadAgent(ctx, step)
	if err != nil {
		return nil, err
	}

	results := make([]any, 0, len(items))
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		iterInputs := make(map[string]any, len(inputs)+1)
		for k, v := range inputs {
			if k != "items" {
				iterInputs[k] = v
			}
		}
		iterInputs["item"] = item
		iterInputs["index"] = i

		out, err := d.dispatch(ctx, step, desc, rc, iterInputs)
		if err != nil {
			var fe *schema.FlowError
			if errors.As(err, &fe) && (fe.Code == schema.ErrCodeStepExecution || fe.Code == schema.ErrCodeStepTimeout) {
				return nil, schema.NewErrorf(fe.Code, "loop iteration %d: %s", i, fe.Message).
					WithStep(step.StepKey).WithTrace(fe.Trace).WithCause(err)
			}
			return nil, err
		}
		results = append(results, out)
	}
	return map[string]any{"items": results, "count": len(results)}, nil
}

// describeOutput summarises a step output for log metadata.
func describeOutput(v any) string {
	switch o := v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return fmt.Sprintf("object(%d keys)", len(o))
	case []any:
		return fmt.Sprintf("array(%d)", len(o))
	default:
		return fmt.Sprintf("%T", v)
	}
}
