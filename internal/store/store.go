package store

import "context"

// Store persists execution state. Every Update is an atomic
// read-modify-write: the precondition is checked, output patches are appended
// and the resulting state is returned, all as a single step with respect to
// other writers of the same execution.
// All implementations must be safe for concurrent use.
type Store interface {
	Create(ctx context.Context, exec NewExecution) (*ExecutionState, error)
	Get(ctx context.Context, id string) (*ExecutionState, error)
	Update(ctx context.Context, id string, update ExecutionUpdate) (*ExecutionState, error)
	List(ctx context.Context, filter ExecutionFilter) ([]*ExecutionState, error)

	Close() error
}
