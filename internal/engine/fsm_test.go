package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/stepflow/pkg/schema"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to schema.ExecutionStatus
		want     bool
	}{
		{schema.StatusPending, schema.StatusRunning, true},
		{schema.StatusPending, schema.StatusCancelled, true},
		{schema.StatusPending, schema.StatusCompleted, false},
		{schema.StatusRunning, schema.StatusPaused, true},
		{schema.StatusRunning, schema.StatusCompleted, true},
		{schema.StatusRunning, schema.StatusFailed, true},
		{schema.StatusRunning, schema.StatusCancelled, true},
		{schema.StatusPaused, schema.StatusRunning, true},
		{schema.StatusPaused, schema.StatusCancelled, true},
		{schema.StatusPaused, schema.StatusCompleted, false},
		{schema.StatusCompleted, schema.StatusRunning, false},
		{schema.StatusCancelled, schema.StatusRunning, false},
		{schema.StatusFailed, schema.StatusCancelled, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestTerminalStatusesHaveNoExits(t *testing.T) {
	for _, s := range []schema.ExecutionStatus{schema.StatusCompleted, schema.StatusFailed, schema.StatusCancelled} {
		assert.True(t, s.IsTerminal())
		assert.Empty(t, executionTransitions[s])
	}
}

func TestSources(t *testing.T) {
	assert.Equal(t,
		[]schema.ExecutionStatus{schema.StatusPending, schema.StatusRunning, schema.StatusPaused},
		Sources(schema.StatusCancelled))
	assert.Equal(t, []schema.ExecutionStatus{schema.StatusRunning}, Sources(schema.StatusPaused))
}

func TestCheckTransition(t *testing.T) {
	assert.NoError(t, checkTransition("e1", schema.StatusRunning, schema.StatusCompleted))

	err := checkTransition("e1", schema.StatusCompleted, schema.StatusRunning)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
}
