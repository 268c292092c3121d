package schema

import "time"

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "PENDING"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
)

// IsTerminal reports whether no further transition is allowed.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// StepStatus represents the lifecycle state of a step within one run.
type StepStatus string

const (
	StepReady     StepStatus = "READY"
	StepRunning   StepStatus = "RUNNING"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
)

// Execution is the persisted record of one workflow run.
type Execution struct {
	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflow_id"`
	UserID         string          `json:"user_id,omitempty"`
	TriggerType    TriggerType     `json:"trigger_type"`
	Status         ExecutionStatus `json:"status"`
	Inputs         map[string]any  `json:"inputs,omitempty"`
	Output         map[string]any  `json:"output,omitempty"`
	Error          string          `json:"error,omitempty"`
	ErrorTrace     string          `json:"error_trace,omitempty"`
	CompletedSteps int             `json:"completed_steps"`
	FailedSteps    int             `json:"failed_steps"`
	SkippedSteps   int             `json:"skipped_steps"`
	TotalSteps     int             `json:"total_steps"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// StepResult is the outcome of a step attempt. A retry overwrites the previous value.
type StepResult struct {
	StepKey      string     `json:"step_key"`
	Status       StepStatus `json:"status"`
	Success      bool       `json:"success"`
	Output       any        `json:"output,omitempty"`
	Error        string     `json:"error,omitempty"`
	ErrorTrace   string     `json:"error_trace,omitempty"`
	DurationMs   int64      `json:"duration_ms"`
	RetryAttempt int        `json:"retry_attempt"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  time.Time  `json:"completed_at"`
}

// ExecutionContext is the run-scoped state visible to templates and step executors.
// It is owned by a single run and never shared between runs.
type ExecutionContext struct {
	ExecutionID string                 `json:"execution_id"`
	WorkflowID  string                 `json:"workflow_id"`
	UserID      string                 `json:"user_id,omitempty"`
	TriggerType TriggerType            `json:"trigger_type"`
	Inputs      map[string]any         `json:"inputs,omitempty"`
	Metadata    map[string]any         `json:"metadata,omitempty"`
	StepResults map[string]*StepResult `json:"step_results"`
}

// NewExecutionContext returns a context with non-nil maps.
func NewExecutionContext(executionID, workflowID string) *ExecutionContext {
	return &ExecutionContext{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		Inputs:      map[string]any{},
		Metadata:    map[string]any{},
		StepResults: map[string]*StepResult{},
	}
}

// Outputs returns the outputs of every completed step keyed by step key.
func (c *ExecutionContext) Outputs() map[string]any {
	out := make(map[string]any, len(c.StepResults))
	for k, r := range c.StepResults {
		if r != nil && r.Status == StepCompleted {
			out[k] = r.Output
		}
	}
	return out
}

// LogLevel is the severity of an execution or step log record.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)
