package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// stepResult carries a finished step back to its driver.
type stepResult struct {
	stepID  string
	output  map[string]any
	err     error
	elapsed time.Duration
}

// driver runs one execution from its current state until it completes,
// fails, pauses or is cancelled. Only the driver goroutine writes outputs.
type driver struct {
	e   *Engine
	r   *run
	dag *DAG

	pool    *WorkerPool
	limit   int
	results chan stepResult
	running int

	outputs   map[string]map[string]any
	inputs    map[string]any
	inputData map[string]any
	state     map[string]schema.StepStatus

	pausedStep string
	missingRef string
	failedStep string
	failure    error
	// stopped is set when a commit finds the execution no longer RUNNING.
	stopped bool
}

func newDriver(e *Engine, r *run, dag *DAG, st *store.ExecutionState) *driver {
	d := &driver{
		e:         e,
		r:         r,
		dag:       dag,
		limit:     e.concurrency(dag),
		results:   make(chan stepResult, len(dag.Steps)),
		outputs:   make(map[string]map[string]any, len(st.Outputs)),
		inputs:    st.Inputs,
		inputData: st.InputData,
		state:     make(map[string]schema.StepStatus, len(dag.Steps)),
	}
	for _, id := range dag.Order {
		d.state[id] = schema.StepStatusPending
	}
	for id, out := range st.Outputs {
		d.outputs[id] = out
		if failed, _ := out[schema.OutputFailedKey].(bool); failed {
			d.state[id] = schema.StepStatusFailed
		} else {
			d.state[id] = schema.StepStatusCompleted
		}
	}
	return d
}

func (d *driver) run(ctx context.Context) schema.ExecutionStatus {
	d.pool = NewWorkerPool(d.limit)
	defer d.pool.Shutdown()

	d.e.logger.DebugContext(ctx, "driver started",
		slog.Int("completed", len(d.outputs)), slog.Int("limit", d.limit))

	for {
		if d.canDispatch(ctx) {
			d.dispatch(ctx)
		}
		if d.running == 0 {
			break
		}
		res := <-d.results
		d.running--
		d.handle(ctx, res)
	}
	return d.finish(ctx)
}

func (d *driver) canDispatch(ctx context.Context) bool {
	return d.pausedStep == "" && d.failure == nil && !d.stopped &&
		!d.r.cancelled.Load() && ctx.Err() == nil
}

func (d *driver) namespace() expressions.Namespace {
	return expressions.Namespace{Outputs: d.outputs, Inputs: d.inputs, InputData: d.inputData}
}

// dispatch starts every runnable step up to the concurrency limit. Skips and
// trigger steps settle synchronously and may unblock more steps, so it
// rescans until nothing changes.
func (d *driver) dispatch(ctx context.Context) {
	for progress := true; progress; {
		progress = false
		for _, id := range d.dag.Order {
			if !d.canDispatch(ctx) || d.running >= d.limit {
				return
			}
			if d.state[id] != schema.StepStatusPending {
				continue
			}

			step := d.dag.Steps[id]
			ready, skip, err := d.readiness(step)
			switch {
			case err != nil:
				d.fail(ctx, step, err)
				progress = true
				continue
			case skip:
				d.skip(ctx, id)
				progress = true
				continue
			case !ready:
				continue
			}

			if step.Kind == schema.StepKindTrigger {
				d.commitOutput(ctx, step, cloneInput(d.inputData), schema.NotifyStepCompleted)
				progress = true
				continue
			}

			params, err := expressions.Resolve(step.Parameters, d.namespace())
			var missing *expressions.MissingInputError
			if errors.As(err, &missing) {
				d.pause(ctx, id, missing)
				return
			}
			if err != nil {
				d.fail(ctx, step, err)
				progress = true
				continue
			}
			d.start(ctx, step, params)
		}
	}
}

// readiness reports whether every dependency has an output (ready) or any
// dependency was skipped or its connection condition is false (skip).
func (d *driver) readiness(step *schema.Step) (ready, skip bool, err error) {
	for _, dep := range d.dag.Edges[step.ID] {
		if d.state[dep] == schema.StepStatusSkipped {
			return false, true, nil
		}
		if _, ok := d.outputs[dep]; !ok {
			return false, false, nil
		}
	}
	for _, dep := range d.dag.Edges[step.ID] {
		if d.dag.Condition(dep, step.ID) == "" {
			continue
		}
		pass, err := d.dag.Evaluate(dep, step.ID, expressions.ConditionEnv{
			Output:  d.outputs[dep],
			Outputs: d.outputs,
			Input:   d.inputData,
			Inputs:  d.inputs,
		})
		if err != nil {
			return false, false, err
		}
		if !pass {
			return false, true, nil
		}
	}
	return true, false, nil
}

func (d *driver) start(ctx context.Context, step *schema.Step, params map[string]any) {
	id := step.ID
	d.state[id] = schema.StepStatusRunning
	d.running++
	d.e.announce(ctx, d.r, schema.NotifyStepRunning, id, nil)

	stepCtx := logging.WithStepID(ctx, id)
	began := time.Now()
	var out map[string]any
	err := d.pool.Go(stepCtx, func(c context.Context) error {
		var err error
		out, err = d.e.steps.Execute(c, step, params)
		return err
	}, func(err error) {
		d.results <- stepResult{stepID: id, output: out, err: err, elapsed: time.Since(began)}
	})
	if err != nil {
		// Pool refused the task: the driver is being interrupted.
		d.running--
		d.state[id] = schema.StepStatusPending
	}
}

func (d *driver) handle(ctx context.Context, res stepResult) {
	step := d.dag.Steps[res.stepID]
	stepCtx := logging.WithStepID(ctx, step.ID)

	if res.err == nil {
		d.e.logger.DebugContext(stepCtx, "step completed", slog.Duration("elapsed", res.elapsed))
		d.commitOutput(ctx, step, res.output, schema.NotifyStepCompleted)
		return
	}
	if d.r.cancelled.Load() || ctx.Err() != nil {
		d.state[step.ID] = schema.StepStatusFailed
		d.e.logger.DebugContext(stepCtx, "discarding result of abandoned step", slog.Any("error", res.err))
		return
	}
	d.fail(ctx, step, res.err)
}

// commitOutput records out for step and emits status. A conflict means the
// execution left RUNNING underneath the driver (cancelled).
func (d *driver) commitOutput(ctx context.Context, step *schema.Step, out map[string]any, status string) {
	_, err := d.e.commit(ctx, d.r, store.ExecutionUpdate{
		IfStatus:     []schema.ExecutionStatus{schema.StatusRunning},
		OutputsPatch: map[string]map[string]any{step.ID: out},
	}, status, step.ID, map[string]any{"output": out})
	if err != nil {
		d.state[step.ID] = schema.StepStatusFailed
		if schema.HasCode(err, schema.ErrCodeConflict) {
			d.stopped = true
			return
		}
		d.e.logger.ErrorContext(logging.WithStepID(ctx, step.ID), "commit step output", slog.Any("error", err))
		d.setFailure(step.ID, err)
		return
	}
	d.outputs[step.ID] = out
	d.state[step.ID] = schema.StepStatusCompleted
	if status == schema.NotifyStepFailed {
		d.state[step.ID] = schema.StepStatusFailed
	}
}

// fail handles a step failure. With continue_on_error the failure is
// recorded as the step's output and the execution goes on; otherwise
// dispatch halts and the execution fails once in-flight steps drain.
func (d *driver) fail(ctx context.Context, step *schema.Step, err error) {
	stepCtx := logging.WithStepID(ctx, step.ID)
	msg := errorMessage(err)

	if step.ContinueOnError {
		d.e.logger.WarnContext(stepCtx, "step failed, continuing", slog.Any("error", err))
		d.commitOutput(ctx, step, map[string]any{
			schema.OutputErrorKey:  msg,
			schema.OutputFailedKey: true,
			"code":                 errorCode(err),
		}, schema.NotifyStepFailed)
		return
	}

	d.e.logger.ErrorContext(stepCtx, "step failed", slog.Any("error", err))
	d.state[step.ID] = schema.StepStatusFailed
	d.e.announce(ctx, d.r, schema.NotifyStepFailed, step.ID, map[string]any{
		schema.OutputErrorKey: msg,
		"code":                errorCode(err),
	})
	d.setFailure(step.ID, err)
}

func (d *driver) setFailure(stepID string, err error) {
	if d.failure == nil {
		d.failure = err
		d.failedStep = stepID
	}
}

func (d *driver) skip(ctx context.Context, id string) {
	d.state[id] = schema.StepStatusSkipped
	d.e.logger.DebugContext(logging.WithStepID(ctx, id), "step skipped")
	d.e.announce(ctx, d.r, schema.NotifyStepSkipped, id, nil)
}

func (d *driver) pause(ctx context.Context, id string, missing *expressions.MissingInputError) {
	d.pausedStep = id
	d.missingRef = missing.Reference
	d.e.logger.InfoContext(logging.WithStepID(ctx, id), "step awaiting input",
		slog.String("reference", missing.Reference))
}

// finish commits the execution's resulting status once no step is in flight.
func (d *driver) finish(ctx context.Context) schema.ExecutionStatus {
	if d.stopped || d.r.cancelled.Load() {
		return schema.StatusCancelled
	}

	var (
		to   schema.ExecutionStatus
		upd  store.ExecutionUpdate
		data map[string]any
	)
	switch {
	case ctx.Err() != nil:
		to = schema.StatusFailed
		msg := "execution interrupted by engine shutdown"
		upd.Error = &msg
		data = map[string]any{schema.OutputErrorKey: msg}
	case d.failure != nil:
		to = schema.StatusFailed
		msg := d.failure.Error()
		upd.Error = &msg
		data = map[string]any{schema.OutputErrorKey: msg, "step_id": d.failedStep}
	case d.pausedStep != "":
		to = schema.StatusPaused
		upd.PausedStep = &d.pausedStep
		upd.MissingReference = &d.missingRef
		data = map[string]any{"step_id": d.pausedStep, "missing_reference": d.missingRef}
	case d.settled():
		to = schema.StatusCompleted
		data = map[string]any{"steps": len(d.outputs)}
	default:
		to = schema.StatusFailed
		msg := "no runnable steps remain"
		upd.Error = &msg
		data = map[string]any{schema.OutputErrorKey: msg}
	}

	if err := checkTransition(d.r.id, schema.StatusRunning, to); err != nil {
		d.e.logger.ErrorContext(ctx, "finish execution", slog.Any("error", err))
		return schema.StatusRunning
	}
	upd.IfStatus = []schema.ExecutionStatus{schema.StatusRunning}
	upd.Status = &to

	if _, err := d.e.commit(ctx, d.r, upd, string(to), "", data); err != nil {
		if schema.HasCode(err, schema.ErrCodeConflict) {
			return schema.StatusCancelled
		}
		d.e.logger.ErrorContext(ctx, "commit final status", slog.String("status", string(to)), slog.Any("error", err))
		return schema.StatusRunning
	}

	d.e.logger.InfoContext(ctx, "execution "+string(to), slog.Int("outputs", len(d.outputs)))
	return to
}

// settled reports whether every step completed, failed with
// continue_on_error, or was skipped.
func (d *driver) settled() bool {
	for _, id := range d.dag.Order {
		if _, ok := d.outputs[id]; ok {
			continue
		}
		if d.state[id] != schema.StepStatusSkipped {
			return false
		}
	}
	return true
}

func cloneInput(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
