package actions

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/itchyny/gojq"

	"github.com/rendis/stepflow/pkg/schema"
)

// JQHandler runs a jq "query" over "data". A single result is exposed as
// output; several results are collected into a list. Compiled queries are
// cached and shared across goroutines.
type JQHandler struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewJQHandler creates a jq transform handler.
func NewJQHandler() *JQHandler {
	return &JQHandler{cache: make(map[string]*gojq.Code)}
}

// Invoke implements Handler.
func (h *JQHandler) Invoke(ctx context.Context, params map[string]any) (map[string]any, error) {
	query := stringParam(params, "query", "")
	if query == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "core.jq requires a query")
	}
	code, err := h.compile(query)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, normalizeJQ(params["data"]))
	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "jq %q: %s", query, err).
				WithCause(err).
				WithDetails(map[string]any{"query": query})
		}
		results = append(results, v)
	}

	out := map[string]any{"count": len(results)}
	switch len(results) {
	case 0:
		out["output"] = nil
	case 1:
		out["output"] = results[0]
	default:
		out["output"] = results
	}
	return out, nil
}

func (h *JQHandler) compile(query string) (*gojq.Code, error) {
	h.mu.RLock()
	code, ok := h.cache[query]
	h.mu.RUnlock()
	if ok {
		return code, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if code, ok := h.cache[query]; ok {
		return code, nil
	}
	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq parse error in %q: %s", query, err).WithCause(err)
	}
	// No environment access from workflow-supplied queries.
	code, err = gojq.Compile(parsed, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq compile error in %q: %s", query, err).WithCause(err)
	}
	h.cache[query] = code
	return code, nil
}

// normalizeJQ converts Go numeric types gojq does not accept into float64.
func normalizeJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = normalizeJQ(v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = normalizeJQ(v)
		}
		return out
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case uint64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

// CELHandler evaluates a CEL "expression" with "vars" bound as a map.
// CEL does not mix int and double arithmetic, so numeric vars that came
// from JSON are doubles.
type CELHandler struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELHandler creates a CEL evaluation handler.
func NewCELHandler() (*CELHandler, error) {
	env, err := cel.NewEnv(cel.Variable("vars", cel.MapType(cel.StringType, cel.DynType)))
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELHandler{env: env, cache: make(map[string]cel.Program)}, nil
}

// Invoke implements Handler.
func (h *CELHandler) Invoke(_ context.Context, params map[string]any) (map[string]any, error) {
	expression := stringParam(params, "expression", "")
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "core.cel requires an expression")
	}
	prg, err := h.program(expression)
	if err != nil {
		return nil, err
	}

	vars, _ := params["vars"].(map[string]any)
	if vars == nil {
		vars = map[string]any{}
	}
	val, _, err := prg.Eval(map[string]any{"vars": vars})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "CEL evaluation of %q failed: %s", expression, err).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	native, err := celNative(val)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "CEL result of %q: %s", expression, err).WithCause(err)
	}
	return map[string]any{"output": native}, nil
}

func (h *CELHandler) program(expression string) (cel.Program, error) {
	h.mu.RLock()
	prg, ok := h.cache[expression]
	h.mu.RUnlock()
	if ok {
		return prg, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if prg, ok := h.cache[expression]; ok {
		return prg, nil
	}
	ast, issues := h.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "CEL compile error in %q: %s", expression, issues.Err()).
			WithCause(issues.Err())
	}
	prg, err := h.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "CEL program error for %q: %s", expression, err).WithCause(err)
	}
	h.cache[expression] = prg
	return prg, nil
}

func celNative(v ref.Val) (any, error) {
	switch v.Type() {
	case types.ListType:
		return v.ConvertToNative(reflect.TypeOf([]any{}))
	case types.MapType:
		return v.ConvertToNative(reflect.TypeOf(map[string]any{}))
	}
	return v.Value(), nil
}
