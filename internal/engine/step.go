package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rendis/flowrun/internal/deadline"
	"github.com/rendis/flowrun/internal/expressions"
	"github.com/rendis/flowrun/internal/logging"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/pkg/schema"
)

// DefaultStepTimeout applies to steps without TimeoutMs.
const DefaultStepTimeout = 30 * time.Second

// runState is the mutable state of one Run call. It is created by Run,
// threaded through every step transition and never shared with another run.
type runState struct {
	ec        *schema.ExecutionContext
	workflow  *schema.Workflow
	order     []string
	status    map[string]schema.StepStatus
	counts    store.StepCounts
	cancel    *atomic.Bool
	cancelled bool
	started   time.Time
}

func newRunState(ec *schema.ExecutionContext, wf *schema.Workflow, order []string, cancel *atomic.Bool) *runState {
	return &runState{
		ec:       ec,
		workflow: wf,
		order:    order,
		status:   make(map[string]schema.StepStatus, len(order)),
		counts:   store.StepCounts{Total: len(order)},
		cancel:   cancel,
		started:  time.Now(),
	}
}

// view returns a copy of the run context for a step attempt. The attempt
// may outlive its deadline, so it must not share the live StepResults map.
func (rs *runState) view() *schema.ExecutionContext {
	ec := *rs.ec
	ec.StepResults = make(map[string]*schema.StepResult, len(rs.ec.StepResults))
	for k, v := range rs.ec.StepResults {
		ec.StepResults[k] = v
	}
	return &ec
}

// blockedBy returns the first dependency that did not complete, or "".
func (rs *runState) blockedBy(step *schema.Step) string {
	for _, dep := range step.DependsOn {
		switch rs.status[dep] {
		case schema.StepFailed, schema.StepSkipped:
			return dep
		}
	}
	return ""
}

func (rs *runState) record(step *schema.Step, res *schema.StepResult) {
	rs.ec.StepResults[step.StepKey] = res
	rs.status[step.StepKey] = res.Status
	switch res.Status {
	case schema.StepCompleted:
		rs.counts.Completed++
	case schema.StepFailed:
		rs.counts.Failed++
	case schema.StepSkipped:
		rs.counts.Skipped++
	}
}

// skipStep records step as SKIPPED without an attempt.
func (e *Executor) skipStep(ctx context.Context, rs *runState, step *schema.Step, reason string, md map[string]any) {
	if md == nil {
		md = map[string]any{}
	}
	md["reason"] = reason
	if err := e.stepFSM.Transition(ctx, rs.ec.ExecutionID, step, schema.StepReady, schema.StepSkipped, 0, md); err != nil {
		logging.LogWith(ctx, e.logger).ErrorContext(ctx, "skip transition rejected", "error", err)
	}
	now := time.Now().UTC()
	rs.record(step, &schema.StepResult{
		StepKey:     step.StepKey,
		Status:      schema.StepSkipped,
		StartedAt:   now,
		CompletedAt: now,
	})
	e.metrics.StepFinished(string(step.Type), string(schema.StepSkipped), 0)
	logging.LogWith(ctx, e.logger).InfoContext(ctx, "step skipped", "reason", reason)
}

// runStep drives one step from READY to a terminal status, retrying per its
// policy. A non-nil return aborts the run: a FAIL-policy failure, or a
// configuration error under any policy.
func (e *Executor) runStep(ctx context.Context, rs *runState, step *schema.Step) error {
	timeout := DefaultStepTimeout
	if e.cfg.DefaultStepTimeout > 0 {
		timeout = e.cfg.DefaultStepTimeout
	}
	if step.TimeoutMs > 0 {
		timeout = time.Duration(step.TimeoutMs) * time.Millisecond
	}
	log := logging.LogWith(ctx, e.logger)

	from := schema.StepReady
	for attempt := 0; ; attempt++ {
		if err := e.stepFSM.Transition(ctx, rs.ec.ExecutionID, step, from, schema.StepRunning, attempt, nil); err != nil {
			return err
		}
		if attempt > 0 {
			e.metrics.StepRetried(string(step.Type))
		}

		inputs := e.resolver.ResolveMap(step.Inputs, expressions.ScopeFrom(rs.ec))
		res := &schema.StepResult{
			StepKey:      step.StepKey,
			Status:       schema.StepRunning,
			RetryAttempt: attempt,
			StartedAt:    time.Now().UTC(),
		}
		rs.ec.StepResults[step.StepKey] = res
		rs.status[step.StepKey] = schema.StepRunning

		view := rs.view()
		out, err := deadline.Run(ctx, timeout, func(ctx context.Context) (any, error) {
			return e.steps.ExecuteStep(ctx, step, view, inputs)
		})
		res.CompletedAt = time.Now().UTC()
		res.DurationMs = res.CompletedAt.Sub(res.StartedAt).Milliseconds()

		if err == nil {
			res.Status = schema.StepCompleted
			res.Success = true
			res.Output = out
			rs.record(step, res)
			if terr := e.stepFSM.Transition(ctx, rs.ec.ExecutionID, step, schema.StepRunning, schema.StepCompleted, attempt,
				map[string]any{"duration_ms": res.DurationMs, "output": describeOutput(out)}); terr != nil {
				return terr
			}
			e.metrics.StepFinished(string(step.Type), string(schema.StepCompleted), time.Duration(res.DurationMs)*time.Millisecond)
			return nil
		}

		err = classifyStepError(step, err)
		res.Status = schema.StepFailed
		res.Error = err.Error()
		res.ErrorTrace = schema.TraceOf(err)
		retry := ShouldRetry(step, attempt, err)

		rs.ec.StepResults[step.StepKey] = res
		rs.status[step.StepKey] = schema.StepFailed
		if terr := e.stepFSM.Transition(ctx, rs.ec.ExecutionID, step, schema.StepRunning, schema.StepFailed, attempt,
			map[string]any{"duration_ms": res.DurationMs, "error": res.Error, "code": schema.CodeOf(err), "will_retry": retry}); terr != nil {
			return terr
		}

		if retry {
			delay := RetryDelay(step, attempt)
			log.WarnContext(ctx, "step attempt failed, retrying",
				"attempt", attempt+1, "retry_count", step.RetryCount, "delay_ms", delay.Milliseconds(), "error", err)
			if serr := deadline.Sleep(ctx, delay); serr == nil {
				from = schema.StepFailed
				continue
			}
			log.WarnContext(ctx, "retry backoff interrupted", "error", ctx.Err())
		}

		// Terminal failure. The result was stored above; only the counts remain.
		rs.counts.Failed++
		e.metrics.StepFinished(string(step.Type), string(schema.StepFailed), time.Duration(res.DurationMs)*time.Millisecond)
		log.ErrorContext(ctx, "step failed", "attempts", attempt+1, "policy", string(step.ErrorPolicy()), "error", err)

		if schema.IsCode(err, schema.ErrCodeConfiguration) {
			return err
		}
		if step.ErrorPolicy() == schema.OnErrorFail {
			return err
		}
		return nil
	}
}

// classifyStepError maps whatever an attempt returned onto a FlowError
// carrying the step key.
func classifyStepError(step *schema.Step, err error) error {
	var te *deadline.TimeoutError
	if errors.As(err, &te) {
		return schema.NewErrorf(schema.ErrCodeStepTimeout, "step timed out after %dms", te.Timeout.Milliseconds()).
			WithStep(step.StepKey).WithCause(err)
	}
	var pe *deadline.PanicError
	if errors.As(err, &pe) {
		return schema.NewErrorf(schema.ErrCodeStepExecution, "step panicked: %v", pe.Value).
			WithStep(step.StepKey).WithTrace(pe.Stack).WithCause(err)
	}
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		if fe.StepKey == "" {
			fe.StepKey = step.StepKey
		}
		return fe
	}
	if errors.Is(err, context.Canceled) {
		return schema.NewError(schema.ErrCodeCancelled, "step interrupted: context cancelled").
			WithStep(step.StepKey).WithCause(err)
	}
	return schema.NewError(schema.ErrCodeStepExecution, fmt.Sprint(err)).WithStep(step.StepKey).WithCause(err)
}
