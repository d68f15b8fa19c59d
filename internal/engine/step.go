package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/pkg/schema"
)

// StepExecutor invokes a step's action through the dispatcher and enforces
// the step timeout.
type StepExecutor struct {
	dispatcher     actions.Dispatcher
	defaultTimeout time.Duration
}

// NewStepExecutor creates an executor. defaultTimeout applies to steps that
// declare none; zero means no limit.
func NewStepExecutor(d actions.Dispatcher, defaultTimeout time.Duration) *StepExecutor {
	return &StepExecutor{dispatcher: d, defaultTimeout: defaultTimeout}
}

// Timeout returns the effective timeout for step.
func (x *StepExecutor) Timeout(step *schema.Step) time.Duration {
	if step.Timeout > 0 {
		return time.Duration(step.Timeout * float64(time.Second))
	}
	return x.defaultTimeout
}

// Execute runs the action with resolved params. When the timeout elapses or
// ctx is cancelled the invocation's context is cancelled and Execute returns
// at once; the handler goroutine is abandoned and its late result dropped.
func (x *StepExecutor) Execute(ctx context.Context, step *schema.Step, params map[string]any) (map[string]any, error) {
	timeout := x.Timeout(step)
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type result struct {
		out map[string]any
		err error
	}
	ch := make(chan result, 1)
	go func() {
		out, err := x.dispatcher.Invoke(callCtx, step.Service, step.Action, params)
		ch <- result{out, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			switch {
			case ctx.Err() != nil:
				return nil, abandonedError(step, ctx.Err())
			case errors.Is(r.err, context.DeadlineExceeded):
				return nil, timeoutError(step, timeout)
			}
			return nil, stepError(step, r.err)
		}
		if r.out == nil {
			r.out = map[string]any{}
		}
		return r.out, nil
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, abandonedError(step, ctx.Err())
		}
		return nil, timeoutError(step, timeout)
	}
}

func timeoutError(step *schema.Step, timeout time.Duration) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeTimeout, "%s.%s did not finish within %s", step.Service, step.Action, timeout).
		WithStep(step.ID).
		WithDetails(map[string]any{"timeout_seconds": timeout.Seconds()})
}

func abandonedError(step *schema.Step, cause error) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeCancelled, "step %s abandoned", step.ID).
		WithStep(step.ID).WithCause(cause)
}

// stepError attaches the step id to a structured error, or wraps a plain one.
func stepError(step *schema.Step, err error) error {
	var se *schema.Error
	if errors.As(err, &se) {
		if se.StepID == "" {
			cp := *se
			cp.StepID = step.ID
			return &cp
		}
		return se
	}
	return schema.NewError(schema.ErrCodeExecution, err.Error()).WithStep(step.ID).WithCause(err)
}
