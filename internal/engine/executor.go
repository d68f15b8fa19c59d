package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/schema"
)

// DefaultMaxConcurrentSteps is used when neither the definition nor the
// engine config sets a step concurrency limit.
const DefaultMaxConcurrentSteps = 4

// Config holds engine settings.
type Config struct {
	// MaxConcurrentSteps bounds parallel steps per execution unless the
	// definition sets max_concurrent_steps.
	MaxConcurrentSteps int
	// DefaultStepTimeout applies to steps without a timeout. Zero means none.
	DefaultStepTimeout time.Duration
	Logger             *slog.Logger
}

// Engine runs workflow executions. Each execution is driven by one
// background goroutine; the engine tracks them so executions can be paused,
// resumed, cancelled and awaited.
type Engine struct {
	store    store.Store
	notifier streaming.Notifier
	steps    *StepExecutor
	config   Config
	logger   *slog.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
}

// run is the in-process handle of one execution. It outlives a single
// driver so pause/resume cycles share the commit lock.
type run struct {
	id         string
	workflowID string
	userID     string

	// commitMu serializes store commits with their notifications.
	commitMu  sync.Mutex
	cancelled atomic.Bool

	mu     sync.Mutex // guards the fields below
	active bool
	cancel context.CancelFunc
	done   chan struct{} // closed when the current driver exits
}

// New creates an Engine. A nil notifier discards notifications.
func New(st store.Store, dispatcher actions.Dispatcher, notifier streaming.Notifier, cfg Config) *Engine {
	if cfg.MaxConcurrentSteps <= 0 {
		cfg.MaxConcurrentSteps = DefaultMaxConcurrentSteps
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if notifier == nil {
		notifier = streaming.Discard
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Engine{
		store:    st,
		notifier: notifier,
		steps:    NewStepExecutor(dispatcher, cfg.DefaultStepTimeout),
		config:   cfg,
		logger:   cfg.Logger.With(slog.String("component", "engine")),
		baseCtx:  ctx,
		stop:     stop,
		runs:     make(map[string]*run),
	}
}

// StartWorkflow compiles def, records a new execution and starts driving it
// in the background. It returns the execution id without waiting for steps.
// Configuration errors are returned before anything is persisted.
func (e *Engine) StartWorkflow(ctx context.Context, def *schema.WorkflowDefinition, input map[string]any) (string, error) {
	dag, err := Compile(def)
	if err != nil {
		return "", err
	}
	if e.isClosed() {
		return "", schema.NewError(schema.ErrCodeExecution, "engine is shut down")
	}
	if input == nil {
		input = map[string]any{}
	}

	id := uuid.NewString()
	if _, err := e.store.Create(ctx, store.NewExecution{
		ExecutionID: id,
		WorkflowID:  def.ID,
		UserID:      def.CreatedBy,
		InputData:   input,
	}); err != nil {
		return "", storeErr("create execution", err)
	}

	r := e.runFor(id, def.ID, def.CreatedBy)
	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	running := schema.StatusRunning
	st, err := e.store.Update(ctx, id, store.ExecutionUpdate{
		IfStatus: []schema.ExecutionStatus{schema.StatusPending},
		Status:   &running,
	})
	if schema.HasCode(err, schema.ErrCodeConflict) {
		// Cancelled before it started.
		return id, nil
	}
	if err != nil {
		return id, storeErr("start execution", err)
	}
	e.emit(ctx, r, schema.NotifyRunning, "", map[string]any{"steps": len(dag.Steps)})
	e.launch(r, dag, st)

	e.logger.InfoContext(logging.WithExecution(ctx, id, def.ID, def.CreatedBy), "execution started",
		slog.Int("steps", len(dag.Steps)))
	return id, nil
}

// ResumeWorkflow merges additional inputs into a PAUSED execution and
// restarts it from the paused step. It returns false when the execution is
// not PAUSED.
func (e *Engine) ResumeWorkflow(ctx context.Context, executionID string, def *schema.WorkflowDefinition, inputs map[string]any) (bool, error) {
	st, err := e.store.Get(ctx, executionID)
	if err != nil {
		return false, err
	}
	if st.Status != schema.StatusPaused {
		return false, nil
	}
	dag, err := Compile(def)
	if err != nil {
		return false, err
	}
	if def.ID != "" && def.ID != st.WorkflowID {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"execution %s belongs to workflow %q, not %q", executionID, st.WorkflowID, def.ID)
	}
	if e.isClosed() {
		return false, schema.NewError(schema.ErrCodeExecution, "engine is shut down")
	}

	r := e.runFor(executionID, st.WorkflowID, st.UserID)
	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	running, empty := schema.StatusRunning, ""
	updated, err := e.store.Update(ctx, executionID, store.ExecutionUpdate{
		IfStatus:         []schema.ExecutionStatus{schema.StatusPaused},
		Status:           &running,
		InputsPatch:      inputs,
		PausedStep:       &empty,
		MissingReference: &empty,
	})
	if schema.HasCode(err, schema.ErrCodeConflict) {
		return false, nil
	}
	if err != nil {
		return false, storeErr("resume execution", err)
	}
	e.emit(ctx, r, schema.NotifyRunning, "", map[string]any{"resumed_step": st.PausedStep})

	// The previous driver committed PAUSED as its last act; let it exit.
	r.mu.Lock()
	prev := r.done
	r.mu.Unlock()
	if prev != nil {
		<-prev
	}
	e.launch(r, dag, updated)

	e.logger.InfoContext(logging.WithExecution(ctx, executionID, st.WorkflowID, st.UserID), "execution resumed",
		slog.String("paused_step", st.PausedStep))
	return true, nil
}

// CancelExecution moves a non-terminal execution to CANCELLED. In-flight
// step calls are abandoned and no further steps are dispatched. It returns
// false when the execution is already terminal.
func (e *Engine) CancelExecution(ctx context.Context, executionID string) (bool, error) {
	st, err := e.store.Get(ctx, executionID)
	if err != nil {
		return false, err
	}
	if st.Status.IsTerminal() {
		return false, nil
	}

	r := e.runFor(executionID, st.WorkflowID, st.UserID)
	r.commitMu.Lock()
	cancelled := schema.StatusCancelled
	_, err = e.store.Update(ctx, executionID, store.ExecutionUpdate{
		IfStatus: Sources(schema.StatusCancelled),
		Status:   &cancelled,
	})
	if err != nil {
		r.commitMu.Unlock()
		if schema.HasCode(err, schema.ErrCodeConflict) {
			return false, nil
		}
		return false, storeErr("cancel execution", err)
	}
	r.cancelled.Store(true)
	e.emit(ctx, r, schema.NotifyCancelled, "", map[string]any{"previous_status": string(st.Status)})
	r.commitMu.Unlock()

	r.mu.Lock()
	cancel, active := r.cancel, r.active
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if !active {
		e.forget(executionID)
	}

	e.logger.InfoContext(logging.WithExecution(ctx, executionID, st.WorkflowID, st.UserID), "execution cancelled")
	return true, nil
}

// GetExecutionState returns a snapshot from the store.
func (e *Engine) GetExecutionState(ctx context.Context, executionID string) (*store.ExecutionState, error) {
	return e.store.Get(ctx, executionID)
}

// ListExecutions returns stored executions matching filter.
func (e *Engine) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*store.ExecutionState, error) {
	return e.store.List(ctx, filter)
}

// Wait blocks until the execution's current driver stops, that is until the
// execution is paused or terminal. It returns at once when no driver runs.
func (e *Engine) Wait(ctx context.Context, executionID string) error {
	e.mu.Lock()
	r := e.runs[executionID]
	e.mu.Unlock()
	if r == nil {
		return nil
	}

	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting executions and waits for running drivers. When ctx
// expires first, running executions are interrupted and marked FAILED.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.stop()
		return nil
	case <-ctx.Done():
	}
	e.stop()
	<-done
	return ctx.Err()
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) runFor(id, workflowID, userID string) *run {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.runs[id]; ok {
		return r
	}
	r := &run{id: id, workflowID: workflowID, userID: userID}
	e.runs[id] = r
	return r
}

func (e *Engine) forget(id string) {
	e.mu.Lock()
	delete(e.runs, id)
	e.mu.Unlock()
}

// launch starts a driver for r. The caller holds r.commitMu.
func (e *Engine) launch(r *run, dag *DAG, st *store.ExecutionState) {
	ctx, cancel := context.WithCancel(e.baseCtx)
	ctx = logging.WithExecution(ctx, r.id, r.workflowID, r.userID)
	done := make(chan struct{})

	r.mu.Lock()
	r.active = true
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		final := newDriver(e, r, dag, st).run(ctx)
		cancel()

		r.mu.Lock()
		r.active = false
		r.cancel = nil
		close(done)
		r.mu.Unlock()

		if final.IsTerminal() {
			e.forget(r.id)
		}
	}()
}

// commit applies upd and, on success, emits a notification, both under the
// run's commit lock so observers see notifications in commit order.
func (e *Engine) commit(ctx context.Context, r *run, upd store.ExecutionUpdate, status, stepID string, data map[string]any) (*store.ExecutionState, error) {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	st, err := e.store.Update(context.WithoutCancel(ctx), r.id, upd)
	if err != nil {
		return nil, err
	}
	e.emit(ctx, r, status, stepID, data)
	return st, nil
}

// announce emits a notification that has no store write of its own.
func (e *Engine) announce(ctx context.Context, r *run, status, stepID string, data map[string]any) {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()
	e.emit(ctx, r, status, stepID, data)
}

// emit delivers a notification. The caller holds r.commitMu. Failures are
// logged and never affect the execution.
func (e *Engine) emit(ctx context.Context, r *run, status, stepID string, data map[string]any) {
	n := streaming.Notification{
		UserID:      r.userID,
		ExecutionID: r.id,
		WorkflowID:  r.workflowID,
		Status:      status,
		StepID:      stepID,
		Data:        data,
		Timestamp:   time.Now().UTC(),
	}
	if err := e.notifier.Notify(context.WithoutCancel(ctx), n); err != nil {
		e.logger.WarnContext(ctx, "notification failed",
			slog.String("status", status), slog.String("step_id", stepID), slog.Any("error", err))
	}
}

func (e *Engine) concurrency(dag *DAG) int {
	if dag.MaxConcurrency > 0 {
		return dag.MaxConcurrency
	}
	return e.config.MaxConcurrentSteps
}

func storeErr(op string, err error) error {
	var se *schema.Error
	if errors.As(err, &se) {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func errorMessage(err error) string {
	var se *schema.Error
	if errors.As(err, &se) {
		return se.Message
	}
	return err.Error()
}

func errorCode(err error) string {
	var se *schema.Error
	if errors.As(err, &se) {
		return se.Code
	}
	return schema.ErrCodeExecution
}
