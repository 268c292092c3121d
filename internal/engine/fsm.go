package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/rendis/flowrun/internal/logging"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/pkg/schema"
)

// LogAppender receives the log record each transition produces.
// Satisfied by store.ExecutionStore and test mocks.
type LogAppender interface {
	AppendExecutionLog(ctx context.Context, entry *store.LogEntry) error
	AppendStepLog(ctx context.Context, entry *store.LogEntry) error
}

// ValidExecutionTransitions defines the allowed state transitions for executions.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionPending:   {schema.ExecutionRunning, schema.ExecutionFailed},
	schema.ExecutionRunning:   {schema.ExecutionCompleted, schema.ExecutionFailed},
	schema.ExecutionCompleted: {},
	schema.ExecutionFailed:    {},
}

// ValidStepTransitions defines the allowed state transitions for steps.
// FAILED -> RUNNING is a retry.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepReady:     {schema.StepRunning, schema.StepSkipped},
	schema.StepRunning:   {schema.StepCompleted, schema.StepFailed},
	schema.StepFailed:    {schema.StepRunning},
	schema.StepCompleted: {},
	schema.StepSkipped:   {},
}

// --- Execution FSM ---

// ExecutionFSM validates execution transitions and logs each one.
// Log appends are best effort: a failed append is reported to slog only.
type ExecutionFSM struct {
	appender LogAppender
	logger   *slog.Logger
}

// NewExecutionFSM creates an ExecutionFSM writing to appender.
func NewExecutionFSM(appender LogAppender, logger *slog.Logger) *ExecutionFSM {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecutionFSM{appender: appender, logger: logger}
}

// Transition validates from -> to and appends an execution log record.
// The caller persists the new status.
func (f *ExecutionFSM) Transition(ctx context.Context, executionID string, from, to schema.ExecutionStatus, metadata map[string]any) error {
	if !slices.Contains(ValidExecutionTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	level := schema.LogInfo
	if to == schema.ExecutionFailed {
		level = schema.LogError
	}
	entry := &store.LogEntry{
		ExecutionID: executionID,
		Level:       level,
		Message:     fmt.Sprintf("execution %s", statusVerb(string(to))),
		Metadata:    transitionMetadata(executionEventType(to), string(from), string(to), metadata),
	}
	if err := f.appender.AppendExecutionLog(ctx, entry); err != nil {
		logging.LogWith(ctx, f.logger).WarnContext(ctx, "append execution log failed", "error", err)
	}
	return nil
}

func executionEventType(to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionRunning:
		return schema.EventExecutionStarted
	case schema.ExecutionCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionFailed:
		return schema.EventExecutionFailed
	default:
		return ""
	}
}

// --- Step FSM ---

// StepFSM validates step transitions and writes a step log record for each.
type StepFSM struct {
	appender LogAppender
	logger   *slog.Logger
}

// NewStepFSM creates a StepFSM writing to appender.
func NewStepFSM(appender LogAppender, logger *slog.Logger) *StepFSM {
	if logger == nil {
		logger = slog.Default()
	}
	return &StepFSM{appender: appender, logger: logger}
}

// Transition validates from -> to for step and appends a step log record.
func (f *StepFSM) Transition(ctx context.Context, executionID string, step *schema.Step, from, to schema.StepStatus, attempt int, metadata map[string]any) error {
	if !slices.Contains(ValidStepTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithStep(step.StepKey).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	level := schema.LogInfo
	switch to {
	case schema.StepFailed:
		level = schema.LogError
	case schema.StepSkipped:
		level = schema.LogWarn
	}
	event := stepEventType(from, to)
	md := transitionMetadata(event, string(from), string(to), metadata)
	md["attempt"] = attempt

	entry := &store.LogEntry{
		ExecutionID: executionID,
		StepID:      step.ID,
		StepKey:     step.StepKey,
		Level:       level,
		Message:     fmt.Sprintf("step %s %s", schema.StepRef(step.StepKey, attempt), statusVerb(string(to))),
		Metadata:    md,
	}
	if from == schema.StepFailed {
		entry.Message = fmt.Sprintf("step %s retrying", schema.StepRef(step.StepKey, attempt))
	}
	if err := f.appender.AppendStepLog(ctx, entry); err != nil {
		logging.LogWith(ctx, f.logger).WarnContext(ctx, "append step log failed", "error", err)
	}
	return nil
}

func stepEventType(from, to schema.StepStatus) string {
	switch to {
	case schema.StepRunning:
		if from == schema.StepFailed {
			return schema.EventStepRetrying
		}
		return schema.EventStepStarted
	case schema.StepCompleted:
		return schema.EventStepCompleted
	case schema.StepFailed:
		return schema.EventStepFailed
	case schema.StepSkipped:
		return schema.EventStepSkipped
	default:
		return ""
	}
}

func statusVerb(status string) string {
	switch status {
	case "RUNNING":
		return "started"
	case "COMPLETED":
		return "completed"
	case "FAILED":
		return "failed"
	case "SKIPPED":
		return "skipped"
	}
	return status
}

func transitionMetadata(event, from, to string, extra map[string]any) map[string]any {
	md := make(map[string]any, len(extra)+3)
	for k, v := range extra {
		md[k] = v
	}
	md["event"] = event
	md["from"] = from
	md["to"] = to
	return md
}
