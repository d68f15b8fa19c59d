package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/pkg/schema"
)

func stepRegistry(t *testing.T) *actions.Registry {
	t.Helper()
	reg := actions.NewRegistry()
	_, err := reg.RegisterService("test", map[string]actions.Handler{
		"echo": actions.HandlerFunc(func(_ context.Context, p map[string]any) (map[string]any, error) {
			return map[string]any{"output": p["value"]}, nil
		}),
		"nil": actions.HandlerFunc(func(context.Context, map[string]any) (map[string]any, error) {
			return nil, nil
		}),
		"plain-error": actions.HandlerFunc(func(context.Context, map[string]any) (map[string]any, error) {
			return nil, errors.New("disk full")
		}),
		"block": actions.HandlerFunc(func(ctx context.Context, _ map[string]any) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
		"stubborn": actions.HandlerFunc(func(context.Context, map[string]any) (map[string]any, error) {
			time.Sleep(time.Second)
			return map[string]any{}, nil
		}),
	})
	require.NoError(t, err)
	return reg
}

func TestStepExecutor_Success(t *testing.T) {
	x := NewStepExecutor(stepRegistry(t), 0)
	out, err := x.Execute(context.Background(), &schema.Step{ID: "s", Service: "test", Action: "echo"},
		map[string]any{"value": 7})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"output": 7}, out)
}

func TestStepExecutor_NilOutputBecomesEmpty(t *testing.T) {
	x := NewStepExecutor(stepRegistry(t), 0)
	out, err := x.Execute(context.Background(), &schema.Step{ID: "s", Service: "test", Action: "nil"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, out)
	assert.Empty(t, out)
}

func TestStepExecutor_WrapsPlainError(t *testing.T) {
	x := NewStepExecutor(stepRegistry(t), 0)
	_, err := x.Execute(context.Background(), &schema.Step{ID: "s", Service: "test", Action: "plain-error"}, nil)

	var se *schema.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, schema.ErrCodeExecution, se.Code)
	assert.Equal(t, "s", se.StepID)
	assert.Equal(t, "disk full", se.Message)
}

func TestStepExecutor_UnknownAction(t *testing.T) {
	x := NewStepExecutor(stepRegistry(t), 0)
	_, err := x.Execute(context.Background(), &schema.Step{ID: "s", Service: "test", Action: "nope"}, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeActionUnavailable))
}

func TestStepExecutor_Timeout(t *testing.T) {
	x := NewStepExecutor(stepRegistry(t), 0)
	step := &schema.Step{ID: "s", Service: "test", Action: "block", Timeout: 0.02}
	assert.Equal(t, 20*time.Millisecond, x.Timeout(step))

	_, err := x.Execute(context.Background(), step, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeTimeout), "got %v", err)
}

func TestStepExecutor_TimeoutAbandonsStubbornHandler(t *testing.T) {
	x := NewStepExecutor(stepRegistry(t), 20*time.Millisecond)
	start := time.Now()
	_, err := x.Execute(context.Background(), &schema.Step{ID: "s", Service: "test", Action: "stubborn"}, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeTimeout))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestStepExecutor_ParentCancelled(t *testing.T) {
	x := NewStepExecutor(stepRegistry(t), time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := x.Execute(ctx, &schema.Step{ID: "s", Service: "test", Action: "block"}, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCancelled), "got %v", err)
}
