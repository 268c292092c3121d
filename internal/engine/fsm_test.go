package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/pkg/schema"
)

func TestExecutionFSM_ValidTransitions(t *testing.T) {
	ms := newMockStore()
	fsm := NewExecutionFSM(ms, nil)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "e1", schema.ExecutionPending, schema.ExecutionRunning, nil))
	require.NoError(t, fsm.Transition(ctx, "e1", schema.ExecutionRunning, schema.ExecutionCompleted, map[string]any{"completed_steps": 2}))

	require.Len(t, ms.execLogs, 2)
	assert.Equal(t, schema.EventExecutionStarted, ms.execLogs[0].Metadata["event"])
	assert.Equal(t, "execution started", ms.execLogs[0].Message)
	assert.Equal(t, schema.LogInfo, ms.execLogs[1].Level)
	assert.Equal(t, 2, ms.execLogs[1].Metadata["completed_steps"])
	assert.Equal(t, "RUNNING", ms.execLogs[1].Metadata["from"])
	assert.Equal(t, "COMPLETED", ms.execLogs[1].Metadata["to"])
}

func TestExecutionFSM_InvalidTransitions(t *testing.T) {
	fsm := NewExecutionFSM(newMockStore(), nil)
	invalid := [][2]schema.ExecutionStatus{
		{schema.ExecutionPending, schema.ExecutionCompleted},
		{schema.ExecutionRunning, schema.ExecutionPending},
		{schema.ExecutionCompleted, schema.ExecutionRunning},
		{schema.ExecutionFailed, schema.ExecutionRunning},
		{schema.ExecutionFailed, schema.ExecutionCompleted},
	}
	for _, tr := range invalid {
		err := fsm.Transition(context.Background(), "e1", tr[0], tr[1], nil)
		assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition), "%s -> %s", tr[0], tr[1])
	}
}

func TestExecutionFSM_FailedIsLoggedAtErrorLevel(t *testing.T) {
	ms := newMockStore()
	require.NoError(t, NewExecutionFSM(ms, nil).Transition(context.Background(), "e1", schema.ExecutionRunning, schema.ExecutionFailed, nil))
	assert.Equal(t, schema.LogError, ms.execLogs[0].Level)
	assert.Equal(t, schema.EventExecutionFailed, ms.execLogs[0].Metadata["event"])
}

func TestStepFSM_RetryCycle(t *testing.T) {
	ms := newMockStore()
	fsm := NewStepFSM(ms, nil)
	ctx := context.Background()
	s := &schema.Step{ID: "step-id", StepKey: "fetch"}

	require.NoError(t, fsm.Transition(ctx, "e1", s, schema.StepReady, schema.StepRunning, 0, nil))
	require.NoError(t, fsm.Transition(ctx, "e1", s, schema.StepRunning, schema.StepFailed, 0, nil))
	require.NoError(t, fsm.Transition(ctx, "e1", s, schema.StepFailed, schema.StepRunning, 1, nil))
	require.NoError(t, fsm.Transition(ctx, "e1", s, schema.StepRunning, schema.StepCompleted, 1, nil))

	assert.Equal(t, []string{
		schema.EventStepStarted, schema.EventStepFailed, schema.EventStepRetrying, schema.EventStepCompleted,
	}, ms.stepEvents("fetch"))
	assert.Equal(t, "step-id", ms.stepLogs[0].StepID)
	assert.Equal(t, "step fetch (attempt 2) retrying", ms.stepLogs[2].Message)
	assert.Equal(t, 1, ms.stepLogs[3].Metadata["attempt"])
	assert.Equal(t, schema.LogError, ms.stepLogs[1].Level)
}

func TestStepFSM_InvalidTransitions(t *testing.T) {
	fsm := NewStepFSM(newMockStore(), nil)
	s := &schema.Step{StepKey: "a"}
	invalid := [][2]schema.StepStatus{
		{schema.StepReady, schema.StepCompleted},
		{schema.StepReady, schema.StepFailed},
		{schema.StepRunning, schema.StepSkipped},
		{schema.StepCompleted, schema.StepRunning},
		{schema.StepSkipped, schema.StepRunning},
		{schema.StepFailed, schema.StepCompleted},
	}
	for _, tr := range invalid {
		err := fsm.Transition(context.Background(), "e1", s, tr[0], tr[1], 0, nil)
		require.Error(t, err)
		assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition), "%s -> %s", tr[0], tr[1])
		assert.Equal(t, "a", err.(*schema.FlowError).StepKey)
	}
}

type failingAppender struct{ calls int }

func (f *failingAppender) AppendExecutionLog(context.Context, *store.LogEntry) error {
	f.calls++
	return errors.New("db locked")
}

func (f *failingAppender) AppendStepLog(context.Context, *store.LogEntry) error {
	f.calls++
	return errors.New("db locked")
}

func TestFSM_LogFailureIsNotFatal(t *testing.T) {
	app := &failingAppender{}
	err := NewStepFSM(app, nil).Transition(context.Background(), "e1", &schema.Step{StepKey: "a"}, schema.StepReady, schema.StepSkipped, 0, nil)
	assert.NoError(t, err)
	err = NewExecutionFSM(app, nil).Transition(context.Background(), "e1", schema.ExecutionPending, schema.ExecutionRunning, nil)
	assert.NoError(t, err)
	assert.Equal(t, 2, app.calls)
}
