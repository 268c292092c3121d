package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", ExecutionID(ctx))
	assert.Equal(t, "", StepKey(ctx))

	ctx = WithRun(ctx, "ex-1", "wf-1")
	ctx = WithStepKey(ctx, "fetch")
	ctx = WithAgentID(ctx, "agent-9")

	assert.Equal(t, "ex-1", ExecutionID(ctx))
	assert.Equal(t, "wf-1", WorkflowID(ctx))
	assert.Equal(t, "fetch", StepKey(ctx))
	assert.Equal(t, "agent-9", AgentID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ctx := WithStepKey(WithExecutionID(context.Background(), "ex-abc"), "load")
	LogWith(ctx, logger).Info("hello")

	out := buf.String()
	assert.Contains(t, out, "execution_id=ex-abc")
	assert.Contains(t, out, "step_key=load")
	assert.NotContains(t, out, "agent_id")
	assert.NotContains(t, out, "workflow_id")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil))).With("component", "engine")

	ctx := WithRun(context.Background(), "ex-7", "wf-7")
	logger.InfoContext(ctx, "step done")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "ex-7", rec["execution_id"])
	assert.Equal(t, "wf-7", rec["workflow_id"])
	assert.Equal(t, "engine", rec["component"])
	assert.NotContains(t, rec, "step_key")
}

func TestCorrelationHandlerWithGroup(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil))).WithGroup("agent")

	logger.InfoContext(WithAgentID(context.Background(), "a1"), "call", "type", "HTTP")
	assert.Contains(t, buf.String(), "agent.type=HTTP")
	assert.Contains(t, buf.String(), "agent.agent_id=a1")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "warn", "json")
	logger.Info("dropped")
	logger.Warn("kept")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, `"msg":"kept"`)

	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}
