package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

// runStoreContract exercises the behaviour every Store implementation shares.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateAndGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		id := uuid.New().String()
		created, err := s.Create(ctx, NewExecution{
			ExecutionID: id,
			WorkflowID:  "wf-1",
			UserID:      "user-1",
			InputData:   map[string]any{"name": "ana"},
		})
		require.NoError(t, err)
		assert.Equal(t, schema.StatusPending, created.Status)

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, got.ExecutionID)
		assert.Equal(t, "wf-1", got.WorkflowID)
		assert.Equal(t, "user-1", got.UserID)
		assert.Equal(t, schema.StatusPending, got.Status)
		assert.Equal(t, "ana", got.InputData["name"])
		assert.Empty(t, got.Outputs)
		assert.Empty(t, got.OutputOrder)
		assert.False(t, got.CreatedAt.IsZero())
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := uuid.New().String()
		_, err := s.Create(ctx, NewExecution{ExecutionID: id, WorkflowID: "wf"})
		require.NoError(t, err)

		_, err = s.Create(ctx, NewExecution{ExecutionID: id, WorkflowID: "wf"})
		require.Error(t, err)
		assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
	})

	t.Run("GetNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), "missing")
		assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

		_, err = s.Update(context.Background(), "missing", ExecutionUpdate{})
		assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	})

	t.Run("UpdateStatusWithPrecondition", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := createExecution(t, s)

		running := schema.StatusRunning
		st, err := s.Update(ctx, id, ExecutionUpdate{
			IfStatus: []schema.ExecutionStatus{schema.StatusPending},
			Status:   &running,
		})
		require.NoError(t, err)
		assert.Equal(t, schema.StatusRunning, st.Status)

		// Precondition no longer holds.
		_, err = s.Update(ctx, id, ExecutionUpdate{
			IfStatus: []schema.ExecutionStatus{schema.StatusPending},
			Status:   &running,
		})
		require.Error(t, err)
		assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, schema.StatusRunning, got.Status)
	})

	t.Run("OutputsAppendOnly", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := createExecution(t, s)

		_, err := s.Update(ctx, id, ExecutionUpdate{
			OutputsPatch: map[string]map[string]any{"b": {"output": "B"}},
		})
		require.NoError(t, err)
		_, err = s.Update(ctx, id, ExecutionUpdate{
			OutputsPatch: map[string]map[string]any{"a": {"output": "A"}},
		})
		require.NoError(t, err)

		_, err = s.Update(ctx, id, ExecutionUpdate{
			OutputsPatch: map[string]map[string]any{"a": {"output": "changed"}},
		})
		require.Error(t, err)
		assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "a"}, got.OutputOrder)
		assert.Equal(t, "A", got.Outputs["a"]["output"])
		assert.Equal(t, "B", got.Outputs["b"]["output"])
	})

	t.Run("FailedUpdateChangesNothing", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := createExecution(t, s)

		_, err := s.Update(ctx, id, ExecutionUpdate{
			OutputsPatch: map[string]map[string]any{"a": {"output": 1}},
		})
		require.NoError(t, err)

		failed := schema.StatusFailed
		_, err = s.Update(ctx, id, ExecutionUpdate{
			Status: &failed,
			OutputsPatch: map[string]map[string]any{
				"a": {"output": 2},
				"b": {"output": 3},
			},
		})
		require.Error(t, err)

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, schema.StatusPending, got.Status)
		assert.NotContains(t, got.Outputs, "b")
	})

	t.Run("PauseFieldsAndInputs", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := createExecution(t, s)

		paused := schema.StatusPaused
		step, ref := "approve", "approval.ok"
		_, err := s.Update(ctx, id, ExecutionUpdate{
			Status:           &paused,
			PausedStep:       &step,
			MissingReference: &ref,
		})
		require.NoError(t, err)

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "approve", got.PausedStep)
		assert.Equal(t, "approval.ok", got.MissingReference)

		empty := ""
		st, err := s.Update(ctx, id, ExecutionUpdate{
			InputsPatch:      map[string]any{"approval": map[string]any{"ok": true}},
			PausedStep:       &empty,
			MissingReference: &empty,
		})
		require.NoError(t, err)
		assert.Empty(t, st.PausedStep)
		assert.Equal(t, map[string]any{"ok": true}, st.Inputs["approval"])

		got, err = s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"ok": true}, got.Inputs["approval"])
		assert.Empty(t, got.MissingReference)
	})

	t.Run("ErrorMessage", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := createExecution(t, s)

		msg := "step b failed"
		_, err := s.Update(ctx, id, ExecutionUpdate{Error: &msg})
		require.NoError(t, err)

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, msg, got.Error)
	})

	t.Run("List", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		wf := "wf-" + uuid.New().String()

		var ids []string
		for i := 0; i < 3; i++ {
			id := fmt.Sprintf("%s-%d", wf, i)
			_, err := s.Create(ctx, NewExecution{ExecutionID: id, WorkflowID: wf})
			require.NoError(t, err)
			ids = append(ids, id)
		}
		completed := schema.StatusCompleted
		_, err := s.Update(ctx, ids[1], ExecutionUpdate{Status: &completed})
		require.NoError(t, err)

		all, err := s.List(ctx, ExecutionFilter{WorkflowID: wf})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		done, err := s.List(ctx, ExecutionFilter{WorkflowID: wf, Status: schema.StatusCompleted})
		require.NoError(t, err)
		require.Len(t, done, 1)
		assert.Equal(t, ids[1], done[0].ExecutionID)

		limited, err := s.List(ctx, ExecutionFilter{WorkflowID: wf, Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})

	t.Run("ConcurrentAppends", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := createExecution(t, s)

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				_, err := s.Update(ctx, id, ExecutionUpdate{
					OutputsPatch: map[string]map[string]any{fmt.Sprintf("s%d", n): {"output": n}},
				})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Len(t, got.Outputs, 10)
		assert.Len(t, got.OutputOrder, 10)
	})
}

func createExecution(t *testing.T, s Store) string {
	t.Helper()
	id := uuid.New().String()
	_, err := s.Create(context.Background(), NewExecution{ExecutionID: id, WorkflowID: "wf"})
	require.NoError(t, err)
	return id
}
