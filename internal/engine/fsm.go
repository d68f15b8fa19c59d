package engine

import (
	"github.com/rendis/stepflow/pkg/schema"
)

// executionTransitions lists the allowed status changes of an execution.
// Terminal statuses have no outgoing transitions.
var executionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.StatusPending: {schema.StatusRunning, schema.StatusCancelled},
	schema.StatusRunning: {schema.StatusPaused, schema.StatusCompleted, schema.StatusFailed, schema.StatusCancelled},
	schema.StatusPaused:  {schema.StatusRunning, schema.StatusCancelled},
}

// CanTransition reports whether an execution may move from → to.
func CanTransition(from, to schema.ExecutionStatus) bool {
	for _, s := range executionTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Sources returns every status that may transition to to, for use as a
// store precondition.
func Sources(to schema.ExecutionStatus) []schema.ExecutionStatus {
	var out []schema.ExecutionStatus
	for _, from := range []schema.ExecutionStatus{schema.StatusPending, schema.StatusRunning, schema.StatusPaused} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// checkTransition returns INVALID_TRANSITION when from → to is not allowed.
func checkTransition(executionID string, from, to schema.ExecutionStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid execution transition: %s -> %s", from, to).
		WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
}
