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
	assert.Equal(t, "", StepID(ctx))

	ctx = WithExecution(ctx, "exec-1", "wf-1", "user-1")
	ctx = WithStepID(ctx, "step-1")

	assert.Equal(t, "exec-1", ExecutionID(ctx))
	assert.Equal(t, "wf-1", WorkflowID(ctx))
	assert.Equal(t, "user-1", UserID(ctx))
	assert.Equal(t, "step-1", StepID(ctx))
}

func TestCorrelationHandler_InjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil)))

	ctx := WithStepID(WithExecutionID(context.Background(), "exec-9"), "fetch")
	logger.InfoContext(ctx, "step started")

	out := buf.String()
	assert.Contains(t, out, "execution_id=exec-9")
	assert.Contains(t, out, "step_id=fetch")
	assert.NotContains(t, out, "user_id")
	assert.Contains(t, out, "step started")
}

func TestCorrelationHandler_WithAttrsKeepsInjection(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil))).
		With("component", "engine").
		WithGroup("g")

	logger.InfoContext(WithUserID(context.Background(), "u-1"), "hello", "k", "v")

	out := buf.String()
	assert.Contains(t, out, "component=engine")
	assert.Contains(t, out, "u-1")
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, slog.LevelDebug, "json")
	logger.DebugContext(WithExecutionID(context.Background(), "e1"), "dbg")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "dbg", rec["msg"])
	assert.Equal(t, "e1", rec["execution_id"])
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, slog.LevelWarn, "text")
	logger.Info("hidden")
	assert.Empty(t, buf.String())
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)

	lvl, err = ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}
