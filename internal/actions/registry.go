package actions

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/stepflow/pkg/schema"
)

type actionKey struct {
	service string
	action  string
}

type entry struct {
	handler     Handler
	description string
}

// Registry is a thread-safe Dispatcher keyed by (service, action).
type Registry struct {
	mu       sync.RWMutex
	handlers map[actionKey]entry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[actionKey]entry)}
}

// Register adds a handler. Returns an error on duplicates or empty names.
func (r *Registry) Register(service, action string, h Handler, description string) error {
	if h == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "handler for %s.%s is nil", service, action)
	}
	if service == "" || action == "" {
		return schema.NewError(schema.ErrCodeValidation, "service and action names are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := actionKey{service, action}
	if _, exists := r.handlers[key]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %s.%s already registered", service, action)
	}
	r.handlers[key] = entry{handler: h, description: description}
	return nil
}

// RegisterService bulk-registers handlers under one service name.
// Returns the number registered; stops at the first error.
func (r *Registry) RegisterService(service string, handlers map[string]Handler) (int, error) {
	names := make([]string, 0, len(handlers))
	for name := range handlers {
		names = append(names, name)
	}
	sort.Strings(names)

	for i, name := range names {
		if err := r.Register(service, name, handlers[name], ""); err != nil {
			return i, err
		}
	}
	return len(names), nil
}

// Lookup returns the handler for (service, action).
func (r *Registry) Lookup(service, action string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.handlers[actionKey{service, action}]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeActionUnavailable,
			"no handler registered for %s.%s", service, action).
			WithDetails(map[string]any{"service": service, "action": action})
	}
	return e.handler, nil
}

// Has reports whether (service, action) is registered.
func (r *Registry) Has(service, action string) bool {
	_, err := r.Lookup(service, action)
	return err == nil
}

// Invoke dispatches to the registered handler.
func (r *Registry) Invoke(ctx context.Context, service, action string, params map[string]any) (map[string]any, error) {
	h, err := r.Lookup(service, action)
	if err != nil {
		return nil, err
	}
	return h.Invoke(ctx, params)
}

// List returns all registered actions sorted by service then action.
func (r *Registry) List() []ActionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ActionInfo, 0, len(r.handlers))
	for k, e := range r.handlers {
		infos = append(infos, ActionInfo{Service: k.service, Action: k.action, Description: e.description})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Service != infos[j].Service {
			return infos[i].Service < infos[j].Service
		}
		return infos[i].Action < infos[j].Action
	})
	return infos
}

var _ Dispatcher = (*Registry)(nil)
