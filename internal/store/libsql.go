package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/flowrun/pkg/schema"
)

// LibSQLStore implements Store on an embedded libSQL database.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/flowrun.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so QueryRow is used for all of them.
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

var _ Store = (*LibSQLStore)(nil)

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflows ---

// CreateWorkflow inserts a workflow and its steps in one transaction.
// Empty workflow and step ids are generated; positions follow slice order.
func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *schema.Workflow) error {
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workflows (id, name, description, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		wf.ID, wf.Name, nullStr(wf.Description), now, now,
	); err != nil {
		if isUniqueViolation(err) {
			return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already exists", wf.ID).WithCause(err)
		}
		return fmt.Errorf("insert workflow: %w", err)
	}

	for i := range wf.Steps {
		step := &wf.Steps[i]
		if step.ID == "" {
			step.ID = uuid.NewString()
		}
		step.Position = i
		deps, err := json.Marshal(orEmpty(step.DependsOn))
		if err != nil {
			return fmt.Errorf("marshal depends_on: %w", err)
		}
		inputs, err := marshalMapOrDefault(step.Inputs)
		if err != nil {
			return fmt.Errorf("marshal inputs for step %q: %w", step.StepKey, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workflow_steps (id, workflow_id, step_key, type, depends_on, agent_ref, inputs, retry_count, retry_delay_ms, timeout_ms, on_error, position)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			step.ID, wf.ID, step.StepKey, string(step.Type), string(deps), nullStr(step.AgentRef), string(inputs),
			step.RetryCount, step.RetryDelayMs, step.TimeoutMs, string(step.ErrorPolicy()), step.Position,
		); err != nil {
			if isUniqueViolation(err) {
				return schema.NewErrorf(schema.ErrCodeConflict, "duplicate step key %q", step.StepKey).WithStep(step.StepKey).WithCause(err)
			}
			return fmt.Errorf("insert step %q: %w", step.StepKey, err)
		}
	}
	return tx.Commit()
}

// LoadWorkflowWithSteps returns the workflow with its steps in position order.
func (s *LibSQLStore) LoadWorkflowWithSteps(ctx context.Context, workflowID string) (*schema.Workflow, error) {
	wf := &schema.Workflow{}
	var desc sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description FROM workflows WHERE id = ?`, workflowID,
	).Scan(&wf.ID, &wf.Name, &desc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("workflow", workflowID)
	}
	if err != nil {
		return nil, err
	}
	wf.Description = desc.String

	steps, err := s.loadSteps(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	wf.Steps = steps
	return wf, nil
}

func (s *LibSQLStore) loadSteps(ctx context.Context, workflowID string) ([]schema.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, step_key, type, depends_on, agent_ref, inputs, retry_count, retry_delay_ms, timeout_ms, on_error, position
		 FROM workflow_steps WHERE workflow_id = ? ORDER BY position`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []schema.Step
	for rows.Next() {
		var (
			st                 schema.Step
			stepType, onError  string
			depsJSON, inputsJS string
			agentRef           sql.NullString
		)
		if err := rows.Scan(&st.ID, &st.StepKey, &stepType, &depsJSON, &agentRef, &inputsJS,
			&st.RetryCount, &st.RetryDelayMs, &st.TimeoutMs, &onError, &st.Position); err != nil {
			return nil, err
		}
		st.Type = schema.StepType(stepType)
		st.OnError = schema.OnErrorPolicy(onError)
		st.AgentRef = agentRef.String
		if err := json.Unmarshal([]byte(depsJSON), &st.DependsOn); err != nil {
			return nil, fmt.Errorf("unmarshal depends_on for step %q: %w", st.StepKey, err)
		}
		if err := json.Unmarshal([]byte(inputsJS), &st.Inputs); err != nil {
			return nil, fmt.Errorf("unmarshal inputs for step %q: %w", st.StepKey, err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// ListWorkflows returns every workflow with its steps, newest first.
func (s *LibSQLStore) ListWorkflows(ctx context.Context) ([]*schema.Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM workflows ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*schema.Workflow, 0, len(ids))
	for _, id := range ids {
		wf, err := s.LoadWorkflowWithSteps(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, nil
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

// --- Agents ---

func (s *LibSQLStore) SaveAgent(ctx context.Context, agent *schema.AgentDescriptor) error {
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, type, max_execution_time, config, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, type=excluded.type,
		   max_execution_time=excluded.max_execution_time, config=excluded.config, updated_at=excluded.updated_at`,
		agent.ID, nullStr(agent.Name), string(agent.Type), agent.MaxExecutionTime, nullRaw(agent.Config), now, now,
	)
	return err
}

func (s *LibSQLStore) GetAgent(ctx context.Context, id string) (*schema.AgentDescriptor, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, type, max_execution_time, config FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("agent", id)
	}
	return a, err
}

func (s *LibSQLStore) ListAgents(ctx context.Context) ([]*schema.AgentDescriptor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, type, max_execution_time, config FROM agents ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*schema.AgentDescriptor
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(r rowScanner) (*schema.AgentDescriptor, error) {
	a := &schema.AgentDescriptor{}
	var name, config sql.NullString
	var agentType string
	if err := r.Scan(&a.ID, &name, &agentType, &a.MaxExecutionTime, &config); err != nil {
		return nil, err
	}
	a.Name = name.String
	a.Type = schema.AgentType(agentType)
	a.Config = rawOrNil(config)
	return a, nil
}

// --- Executions ---

// CreateExecution inserts a PENDING execution.
func (s *LibSQLStore) CreateExecution(ctx context.Context, params CreateExecutionParams) (*schema.Execution, error) {
	exec := &schema.Execution{
		ID:          params.ID,
		WorkflowID:  params.WorkflowID,
		UserID:      params.UserID,
		TriggerType: schema.TriggerType(params.TriggerType.String()),
		Status:      schema.ExecutionPending,
		Inputs:      params.Inputs,
		TotalSteps:  params.TotalSteps,
		CreatedAt:   time.Now().UTC(),
	}
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	inputs, err := marshalMapOrDefault(exec.Inputs)
	if err != nil {
		return nil, fmt.Errorf("marshal inputs: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, user_id, trigger_type, status, inputs, total_steps, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, nullStr(exec.UserID), string(exec.TriggerType), string(exec.Status),
		string(inputs), exec.TotalSteps, exec.CreatedAt, exec.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", exec.ID).WithCause(err)
		}
		return nil, fmt.Errorf("insert execution: %w", err)
	}
	return exec, nil
}

const executionColumns = `id, workflow_id, user_id, trigger_type, status, inputs, output, error, error_trace,
	completed_steps, failed_steps, skipped_steps, total_steps, created_at, started_at, completed_at`

func (s *LibSQLStore) LoadExecution(ctx context.Context, id string) (*schema.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("execution", id)
	}
	return exec, err
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error) {
	var where []string
	var args []any
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func scanExecution(r rowScanner) (*schema.Execution, error) {
	e := &schema.Execution{}
	var (
		userID, output, errMsg, errTrace sql.NullString
		trigger, status, inputs          string
		startedAt, completedAt           sql.NullTime
	)
	if err := r.Scan(&e.ID, &e.WorkflowID, &userID, &trigger, &status, &inputs, &output, &errMsg, &errTrace,
		&e.CompletedSteps, &e.FailedSteps, &e.SkippedSteps, &e.TotalSteps, &e.CreatedAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	e.UserID = userID.String
	e.TriggerType = schema.TriggerType(trigger)
	e.Status = schema.ExecutionStatus(status)
	e.Error = errMsg.String
	e.ErrorTrace = errTrace.String
	if inputs != "" {
		if err := json.Unmarshal([]byte(inputs), &e.Inputs); err != nil {
			return nil, fmt.Errorf("unmarshal execution inputs: %w", err)
		}
	}
	if output.Valid && output.String != "" {
		if err := json.Unmarshal([]byte(output.String), &e.Output); err != nil {
			return nil, fmt.Errorf("unmarshal execution output: %w", err)
		}
	}
	if startedAt.Valid {
		e.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	return e, nil
}

// UpdateExecutionStatus sets the status and any non-nil fields. A terminal
// execution is immutable: updating one yields CONFLICT.
func (s *LibSQLStore) UpdateExecutionStatus(ctx context.Context, id string, status schema.ExecutionStatus, fields ExecutionUpdate) error {
	sets := []string{"status = ?"}
	args := []any{string(status)}

	if fields.Output != nil {
		out, err := json.Marshal(fields.Output)
		if err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
		sets = append(sets, "output = ?")
		args = append(args, string(out))
	}
	if fields.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *fields.Error)
	}
	if fields.ErrorTrace != nil {
		sets = append(sets, "error_trace = ?")
		args = append(args, *fields.ErrorTrace)
	}
	if fields.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *fields.StartedAt)
	}
	if fields.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *fields.CompletedAt)
	}
	if c := fields.Counts; c != nil {
		sets = append(sets, "completed_steps = ?", "failed_steps = ?", "skipped_steps = ?", "total_steps = ?")
		args = append(args, c.Completed, c.Failed, c.Skipped, c.Total)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id, string(schema.ExecutionCompleted), string(schema.ExecutionFailed))

	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = ? AND status NOT IN (?, ?)", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	current, err := s.LoadExecution(ctx, id)
	if err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeConflict, "execution %q is %s and can no longer change", id, current.Status).
		WithDetails(map[string]any{"execution_id": id, "status": string(current.Status)})
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "primary key")
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func nullJSON(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func mapOrNil(ns sql.NullString) (map[string]any, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
