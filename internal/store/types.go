package store

import (
	"time"

	"github.com/rendis/flowrun/pkg/schema"
)

// CreateExecutionParams describes a new execution. ID is generated when empty.
type CreateExecutionParams struct {
	ID          string
	WorkflowID  string
	UserID      string
	TriggerType schema.TriggerType
	Inputs      map[string]any
	TotalSteps  int
}

// ExecutionUpdate specifies the execution fields to change alongside a status.
// Nil fields are left untouched.
type ExecutionUpdate struct {
	Output      map[string]any
	Error       *string
	ErrorTrace  *string
	StartedAt   *time.Time
	CompletedAt *time.Time
	Counts      *StepCounts
}

// StepCounts are the per-status step tallies of an execution.
type StepCounts struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Total     int `json:"total"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	WorkflowID string
	Status     *schema.ExecutionStatus
	Limit      int
}

// LogEntry is an append-only execution or step log record. Sequence is
// assigned by the store and increases per execution.
type LogEntry struct {
	ID          string          `json:"id"`
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id,omitempty"`
	StepKey     string          `json:"step_key,omitempty"`
	Sequence    int64           `json:"sequence"`
	Level       schema.LogLevel `json:"level"`
	Message     string          `json:"message"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ScheduledJob is a cron-triggered workflow execution.
type ScheduledJob struct {
	ID             string         `json:"id"`
	WorkflowID     string         `json:"workflow_id"`
	CronExpression string         `json:"cron_expression"`
	Inputs         map[string]any `json:"inputs,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	Enabled        bool           `json:"enabled"`
	LastRunAt      *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time     `json:"next_run_at,omitempty"`
	LastRunStatus  string         `json:"last_run_status,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}
