package store

import (
	"context"

	"github.com/rendis/flowrun/pkg/schema"
)

// ExecutionStore is the narrow contract the workflow executor depends on.
// The executor issues no other queries.
type ExecutionStore interface {
	LoadWorkflowWithSteps(ctx context.Context, workflowID string) (*schema.Workflow, error)
	CreateExecution(ctx context.Context, params CreateExecutionParams) (*schema.Execution, error)
	LoadExecution(ctx context.Context, id string) (*schema.Execution, error)
	UpdateExecutionStatus(ctx context.Context, id string, status schema.ExecutionStatus, fields ExecutionUpdate) error
	AppendExecutionLog(ctx context.Context, entry *LogEntry) error
	AppendStepLog(ctx context.Context, entry *LogEntry) error
}

// AgentLoader resolves agent descriptors referenced by AGENT and LOOP steps.
type AgentLoader interface {
	GetAgent(ctx context.Context, id string) (*schema.AgentDescriptor, error)
}

// Store is the full persistence layer. Implementations must be safe for concurrent use.
type Store interface {
	ExecutionStore
	AgentLoader

	// Workflows
	CreateWorkflow(ctx context.Context, wf *schema.Workflow) error
	ListWorkflows(ctx context.Context) ([]*schema.Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Agents
	SaveAgent(ctx context.Context, agent *schema.AgentDescriptor) error
	ListAgents(ctx context.Context) ([]*schema.AgentDescriptor, error)

	// Executions
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error)
	ListExecutionLogs(ctx context.Context, executionID string) ([]*LogEntry, error)
	ListStepLogs(ctx context.Context, executionID string) ([]*LogEntry, error)

	// Scheduled Jobs
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error

	// Secrets hold values already encrypted by the caller.
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
	VaultSalt(ctx context.Context) ([]byte, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
