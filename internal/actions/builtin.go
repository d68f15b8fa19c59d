package actions

import (
	"context"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// CoreService is the service name of the built-in handlers.
const CoreService = "core"

// RegisterBuiltins registers the core handlers and the HTTP handler.
func RegisterBuiltins(reg *Registry, httpCfg HTTPConfig) error {
	celHandler, err := NewCELHandler()
	if err != nil {
		return err
	}
	core := []struct {
		action string
		h      Handler
		desc   string
	}{
		{"echo", HandlerFunc(echo), "Return the parameters as output; \"value\" is also exposed as output."},
		{"sleep", HandlerFunc(sleep), "Wait for \"duration\" (seconds or Go duration) unless cancelled."},
		{"fail", HandlerFunc(fail), "Always fail with \"message\"."},
		{"jq", NewJQHandler(), "Run the jq \"query\" over \"data\"; the result is exposed as output."},
		{"cel", celHandler, "Evaluate the CEL \"expression\" with \"vars\" bound; the value is exposed as output."},
	}
	for _, c := range core {
		if err := reg.Register(CoreService, c.action, c.h, c.desc); err != nil {
			return err
		}
	}
	return reg.Register(HTTPService, "request", NewHTTPRequestHandler(httpCfg),
		"Execute an HTTP request; the response body is exposed as output.")
}

func echo(_ context.Context, params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	if v, ok := params["value"]; ok {
		out["output"] = v
	}
	return out, nil
}

func sleep(ctx context.Context, params map[string]any) (map[string]any, error) {
	d := durationParam(params, "duration", 0)
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return map[string]any{"output": d.Seconds(), "slept": d.String()}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func fail(_ context.Context, params map[string]any) (map[string]any, error) {
	msg := stringParam(params, "message", "core.fail invoked")
	return nil, schema.NewError(schema.ErrCodeExecution, msg)
}
