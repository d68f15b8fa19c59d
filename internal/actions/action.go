package actions

import "context"

// Handler performs one (service, action) invocation. Parameters arrive fully
// resolved; the returned map becomes the step's output.
// Handlers must honour ctx cancellation.
type Handler interface {
	Invoke(ctx context.Context, params map[string]any) (map[string]any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, params map[string]any) (map[string]any, error)

// Invoke calls f.
func (f HandlerFunc) Invoke(ctx context.Context, params map[string]any) (map[string]any, error) {
	return f(ctx, params)
}

// Dispatcher routes an invocation to the handler for (service, action).
type Dispatcher interface {
	Invoke(ctx context.Context, service, action string, params map[string]any) (map[string]any, error)
}

// ActionInfo is a summary of a registered handler for listing.
type ActionInfo struct {
	Service     string `json:"service"`
	Action      string `json:"action"`
	Description string `json:"description,omitempty"`
}
