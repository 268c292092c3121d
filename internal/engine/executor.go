package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/flowrun/internal/expressions"
	"github.com/rendis/flowrun/internal/logging"
	"github.com/rendis/flowrun/internal/metrics"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/internal/streaming"
	"github.com/rendis/flowrun/pkg/schema"
)

// ExecutionStore is the persistence contract the executor runs against.
type ExecutionStore = store.ExecutionStore

// Config holds configuration for the executor.
type Config struct {
	DefaultStepTimeout time.Duration // per-step timeout when a step sets none (default 30s)
	GlobalTimeout      time.Duration // whole-run budget checked before each step; 0 disables
	MaxParallelSteps   int           // reported only; steps always run one at a time
}

// RunRequest starts one execution. When ExecutionID names an existing
// PENDING execution it is adopted; otherwise a new execution is created,
// with ExecutionID as its id when set.
type RunRequest struct {
	WorkflowID  string
	ExecutionID string
	UserID      string
	TriggerType schema.TriggerType
	Inputs      map[string]any
	Metadata    map[string]any
}

// RunResult is the outcome of Run. It always carries the step results
// gathered so far, even when the run aborted.
type RunResult struct {
	ExecutionID string                        `json:"execution_id"`
	WorkflowID  string                        `json:"workflow_id"`
	Status      schema.ExecutionStatus        `json:"status"`
	Outputs     map[string]any                `json:"outputs"`
	StepResults map[string]*schema.StepResult `json:"step_results"`
	Order       []string                      `json:"order"`
	Error       string                        `json:"error,omitempty"`
	ErrorCode   string                        `json:"error_code,omitempty"`
	ErrorTrace  string                        `json:"error_trace,omitempty"`
	Completed   int                           `json:"completed_steps"`
	Failed      int                           `json:"failed_steps"`
	Skipped     int                           `json:"skipped_steps"`
	Total       int                           `json:"total_steps"`
	Cancelled   bool                          `json:"cancelled,omitempty"`
	DurationMs  int64                         `json:"duration_ms"`
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the executor logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithEvents publishes every execution and step transition to pub as it is logged.
func WithEvents(pub streaming.Publisher) Option {
	return func(e *Executor) { e.events = pub }
}

// Executor runs workflows. One Executor may drive many concurrent runs:
// each Run owns its state, and the executor only indexes cancel flags.
type Executor struct {
	store    ExecutionStore
	steps    StepExecutor
	cfg      Config
	resolver *expressions.Resolver
	logs     LogAppender
	execFSM  *ExecutionFSM
	stepFSM  *StepFSM
	logger   *slog.Logger
	metrics  *metrics.Collector
	events   streaming.Publisher

	// mu guards running.
	mu      sync.Mutex
	running map[string]*atomic.Bool
}

// NewExecutor creates an Executor.
func NewExecutor(s ExecutionStore, steps StepExecutor, cfg Config, opts ...Option) *Executor {
	if cfg.DefaultStepTimeout <= 0 {
		cfg.DefaultStepTimeout = DefaultStepTimeout
	}
	e := &Executor{
		store:    s,
		steps:    steps,
		cfg:      cfg,
		resolver: expressions.NewResolver(),
		logger:   slog.Default(),
		running:  make(map[string]*atomic.Bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logs = s
	if e.events != nil {
		e.logs = streaming.NewRecorder(s, e.events, e.logger)
	}
	e.execFSM = NewExecutionFSM(e.logs, e.logger)
	e.stepFSM = NewStepFSM(e.logs, e.logger)
	e.metrics.SetMaxParallelSteps(cfg.MaxParallelSteps)
	return e
}

// Config returns the effective configuration.
func (e *Executor) Config() Config { return e.cfg }

// Cancel requests cooperative cancellation of a running execution: every
// step that has not started yet is skipped. A step already in flight runs
// to completion. Returns false when no such run is active.
func (e *Executor) Cancel(executionID string) bool {
	e.mu.Lock()
	flag, ok := e.running[executionID]
	e.mu.Unlock()
	if ok {
		flag.Store(true)
	}
	return ok
}

// Running reports whether executionID is being driven by this executor.
func (e *Executor) Running(executionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[executionID]
	return ok
}

func (e *Executor) register(executionID string) *atomic.Bool {
	flag := &atomic.Bool{}
	e.mu.Lock()
	e.running[executionID] = flag
	e.mu.Unlock()
	return flag
}

func (e *Executor) unregister(executionID string) {
	e.mu.Lock()
	delete(e.running, executionID)
	e.mu.Unlock()
}

// Run executes a stored workflow to completion.
//
// Validation and scheduling errors are returned before any step runs; an
// adopted execution is marked FAILED first. Once the execution is RUNNING,
// step failures are reported through RunResult and the error is nil. A
// non-nil error with a non-nil result means the final status could not be
// persisted.
func (e *Executor) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	wf, err := e.store.LoadWorkflowWithSteps(ctx, req.WorkflowID)
	if err != nil {
		if schema.IsNotFound(err) {
			return nil, err
		}
		return nil, storeError("load workflow", err)
	}
	ctx = logging.WithWorkflowID(ctx, wf.ID)

	exec, err := e.adoptExecution(ctx, req)
	if err != nil {
		return nil, err
	}

	order, verr := Schedule(wf.Steps)
	if exec == nil {
		if verr != nil {
			return nil, verr
		}
		exec, err = e.store.CreateExecution(ctx, store.CreateExecutionParams{
			ID:          req.ExecutionID,
			WorkflowID:  wf.ID,
			UserID:      req.UserID,
			TriggerType: req.TriggerType,
			Inputs:      req.Inputs,
			TotalSteps:  len(wf.Steps),
		})
		if err != nil {
			if schema.CodeOf(err) != "" {
				return nil, err
			}
			return nil, storeError("create execution", err)
		}
	}
	ctx = logging.WithExecutionID(ctx, exec.ID)
	log := logging.LogWith(ctx, e.logger)

	if verr != nil {
		e.failBeforeStart(ctx, exec.ID, verr)
		return nil, verr
	}

	cancel := e.register(exec.ID)
	defer e.unregister(exec.ID)

	ec := schema.NewExecutionContext(exec.ID, wf.ID)
	ec.UserID = req.UserID
	ec.TriggerType = schema.TriggerType(req.TriggerType.String())
	if req.Inputs != nil {
		ec.Inputs = req.Inputs
	}
	if req.Metadata != nil {
		ec.Metadata = req.Metadata
	}
	rs := newRunState(ec, wf, order, cancel)

	startedAt := time.Now().UTC()
	if err := e.execFSM.Transition(ctx, exec.ID, schema.ExecutionPending, schema.ExecutionRunning,
		map[string]any{"order": order, "trigger_type": ec.TriggerType.String()}); err != nil {
		return nil, err
	}
	if err := e.store.UpdateExecutionStatus(ctx, exec.ID, schema.ExecutionRunning, store.ExecutionUpdate{
		StartedAt: &startedAt,
		Counts:    &store.StepCounts{Total: len(order)},
	}); err != nil {
		return nil, storeError("mark execution running", err)
	}
	e.metrics.RunStarted()
	log.InfoContext(ctx, "execution started", "steps", len(order), "trigger", ec.TriggerType.String())

	fatal := e.runSteps(ctx, rs)
	return e.finish(ctx, rs, fatal)
}

// adoptExecution loads a pre-created execution. It returns nil when the
// request names none or the id is unused.
func (e *Executor) adoptExecution(ctx context.Context, req RunRequest) (*schema.Execution, error) {
	if req.ExecutionID == "" {
		return nil, nil
	}
	exec, err := e.store.LoadExecution(ctx, req.ExecutionID)
	if err != nil {
		if schema.IsNotFound(err) {
			return nil, nil
		}
		return nil, storeError("load execution", err)
	}
	if exec.WorkflowID != req.WorkflowID {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %s belongs to workflow %s", exec.ID, exec.WorkflowID)
	}
	if exec.Status != schema.ExecutionPending {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %s is %s, not PENDING", exec.ID, exec.Status)
	}
	return exec, nil
}

// failBeforeStart marks an execution FAILED when its workflow never started.
func (e *Executor) failBeforeStart(ctx context.Context, executionID string, cause error) {
	msg := cause.Error()
	now := time.Now().UTC()
	if err := e.execFSM.Transition(ctx, executionID, schema.ExecutionPending, schema.ExecutionFailed,
		map[string]any{"error": msg, "code": schema.CodeOf(cause)}); err != nil {
		logging.LogWith(ctx, e.logger).ErrorContext(ctx, "fail transition rejected", "error", err)
		return
	}
	if err := e.store.UpdateExecutionStatus(ctx, executionID, schema.ExecutionFailed, store.ExecutionUpdate{
		Error:       &msg,
		CompletedAt: &now,
	}); err != nil {
		logging.LogWith(ctx, e.logger).ErrorContext(ctx, "mark execution failed", "error", err)
	}
}

// runSteps walks the schedule. It returns the error that aborted the run, if any.
func (e *Executor) runSteps(ctx context.Context, rs *runState) error {
	for _, key := range rs.order {
		step := rs.workflow.StepByKey(key)
		stepCtx := logging.WithStepKey(ctx, key)

		if rs.cancel.Load() || ctx.Err() != nil {
			// Skips are still logged when the caller's context is gone.
			logCtx := context.WithoutCancel(stepCtx)
			if !rs.cancelled {
				rs.cancelled = true
				e.appendExecutionLog(logCtx, rs.ec.ExecutionID, schema.LogWarn, "execution cancelled",
					map[string]any{"event": schema.EventExecutionCancelled, "next_step": key})
			}
			e.skipStep(logCtx, rs, step, "cancelled", nil)
			continue
		}

		if e.cfg.GlobalTimeout > 0 {
			if elapsed := time.Since(rs.started); elapsed > e.cfg.GlobalTimeout {
				e.appendExecutionLog(ctx, rs.ec.ExecutionID, schema.LogError, "execution timed out",
					map[string]any{"event": schema.EventExecutionTimedOut, "elapsed_ms": elapsed.Milliseconds(), "next_step": key})
				return schema.NewErrorf(schema.ErrCodeRunTimeout, "run exceeded global timeout of %dms after %dms",
					e.cfg.GlobalTimeout.Milliseconds(), elapsed.Milliseconds()).
					WithDetails(map[string]any{"next_step": key})
			}
		}

		if dep := rs.blockedBy(step); dep != "" && step.ErrorPolicy() == schema.OnErrorFail {
			e.skipStep(stepCtx, rs, step, "dependency did not complete",
				map[string]any{"dependency": dep, "dependency_status": string(rs.status[dep])})
			continue
		}

		if err := e.runStep(stepCtx, rs, step); err != nil {
			return err
		}
	}
	return nil
}

// finish persists the terminal status and assembles the result.
func (e *Executor) finish(ctx context.Context, rs *runState, fatal error) (*RunResult, error) {
	status := schema.ExecutionCompleted
	if fatal != nil || rs.counts.Failed > 0 {
		status = schema.ExecutionFailed
	}

	res := &RunResult{
		ExecutionID: rs.ec.ExecutionID,
		WorkflowID:  rs.ec.WorkflowID,
		Status:      status,
		Outputs:     rs.ec.Outputs(),
		StepResults: rs.ec.StepResults,
		Order:       rs.order,
		Completed:   rs.counts.Completed,
		Failed:      rs.counts.Failed,
		Skipped:     rs.counts.Skipped,
		Total:       rs.counts.Total,
		Cancelled:   rs.cancelled,
		DurationMs:  time.Since(rs.started).Milliseconds(),
	}
	if fatal != nil {
		res.Error = fatal.Error()
		res.ErrorCode = schema.CodeOf(fatal)
		res.ErrorTrace = schema.TraceOf(fatal)
	} else if status == schema.ExecutionFailed {
		res.Error = firstFailure(rs)
	}

	// Persist with a context that survives caller cancellation so a
	// cancelled run still reaches a terminal status.
	persistCtx := context.WithoutCancel(ctx)
	md := map[string]any{
		"completed_steps": res.Completed,
		"failed_steps":    res.Failed,
		"skipped_steps":   res.Skipped,
		"duration_ms":     res.DurationMs,
	}
	if res.Error != "" {
		md["error"] = res.Error
	}
	if err := e.execFSM.Transition(persistCtx, res.ExecutionID, schema.ExecutionRunning, status, md); err != nil {
		return res, err
	}

	now := time.Now().UTC()
	update := store.ExecutionUpdate{
		Output:      res.Outputs,
		CompletedAt: &now,
		Counts:      &rs.counts,
	}
	if res.Error != "" {
		update.Error = &res.Error
	}
	if res.ErrorTrace != "" {
		update.ErrorTrace = &res.ErrorTrace
	}
	e.metrics.RunFinished(string(status), rs.ec.TriggerType.String(), time.Since(rs.started))

	log := logging.LogWith(ctx, e.logger)
	if err := e.store.UpdateExecutionStatus(persistCtx, res.ExecutionID, status, update); err != nil {
		log.ErrorContext(ctx, "persist final status failed", "error", err)
		return res, storeError("persist final status", err)
	}
	log.InfoContext(ctx, "execution finished",
		"status", string(status), "completed", res.Completed, "failed", res.Failed,
		"skipped", res.Skipped, "duration_ms", res.DurationMs)
	return res, nil
}

func firstFailure(rs *runState) string {
	for _, key := range rs.order {
		if r := rs.ec.StepResults[key]; r != nil && r.Status == schema.StepFailed {
			return r.Error
		}
	}
	return ""
}

func (e *Executor) appendExecutionLog(ctx context.Context, executionID string, level schema.LogLevel, msg string, md map[string]any) {
	entry := &store.LogEntry{ExecutionID: executionID, Level: level, Message: msg, Metadata: md}
	if err := e.logs.AppendExecutionLog(ctx, entry); err != nil {
		logging.LogWith(ctx, e.logger).WarnContext(ctx, "append execution log failed", "error", err)
	}
}

func storeError(op string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %v", op, err).WithCause(err)
}
