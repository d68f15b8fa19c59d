package streaming

import (
	"context"
	"errors"
	"time"
)

// Notification is a status change reported to observers. Status is one of
// the schema.Notify* values; StepID is set for step-level notifications.
type Notification struct {
	UserID      string         `json:"user_id,omitempty"`
	ExecutionID string         `json:"execution_id"`
	WorkflowID  string         `json:"workflow_id,omitempty"`
	Status      string         `json:"status"`
	StepID      string         `json:"step_id,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Notifier delivers notifications. The engine calls Notify in commit order
// for a given execution; a returned error is logged and otherwise ignored.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// Filter specifies which notifications a subscriber wants to receive.
type Filter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	UserID      string   `json:"user_id,omitempty"`
	Statuses    []string `json:"statuses,omitempty"`
}

func (f Filter) match(n Notification) bool {
	if f.ExecutionID != "" && f.ExecutionID != n.ExecutionID {
		return false
	}
	if f.UserID != "" && f.UserID != n.UserID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if s == n.Status {
			return true
		}
	}
	return false
}

// Fanout delivers each notification to every notifier in order and joins
// their errors.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, nt := range f {
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every notification.
var Discard Notifier = NotifierFunc(func(context.Context, Notification) error { return nil })
