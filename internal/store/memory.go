package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps execution state in process memory. States are deep
// copied on the way in and out so callers never share maps with the store.
type MemoryStore struct {
	mu         sync.Mutex
	executions map[string]*ExecutionState
	now        func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*ExecutionState),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(_ context.Context, exec NewExecution) (*ExecutionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[exec.ExecutionID]; ok {
		return nil, storeExists(exec.ExecutionID)
	}
	st := newState(exec, s.now())
	s.executions[exec.ExecutionID] = st
	return st.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*ExecutionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.executions[id]
	if !ok {
		return nil, storeNotFound(id)
	}
	return st.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, id string, update ExecutionUpdate) (*ExecutionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.executions[id]
	if !ok {
		return nil, storeNotFound(id)
	}
	if _, err := st.apply(update, s.now()); err != nil {
		return nil, err
	}
	return st.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, filter ExecutionFilter) ([]*ExecutionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*ExecutionState
	for _, st := range s.executions {
		if filter.matches(st) {
			out = append(out, st.Clone())
		}
	}
	sortStates(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

// sortStates orders by creation time, oldest first, with the id as tiebreaker.
func sortStates(states []*ExecutionState) {
	sort.Slice(states, func(i, j int) bool {
		if !states[i].CreatedAt.Equal(states[j].CreatedAt) {
			return states[i].CreatedAt.Before(states[j].CreatedAt)
		}
		return states[i].ExecutionID < states[j].ExecutionID
	})
}

var _ Store = (*MemoryStore)(nil)
