package expressions

import (
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rendis/stepflow/pkg/schema"
)

// ConditionEnv is the environment a connection condition is evaluated in.
type ConditionEnv struct {
	Output  map[string]any            // output of the connection's source step
	Outputs map[string]map[string]any // all committed outputs
	Input   map[string]any            // initial input data
	Inputs  map[string]any            // inputs supplied on resume
}

func (c ConditionEnv) toMap() map[string]any {
	outputs := make(map[string]any, len(c.Outputs))
	for k, v := range c.Outputs {
		outputs[k] = v
	}
	return map[string]any{
		"output":  orEmpty(c.Output),
		"outputs": outputs,
		"input":   orEmpty(c.Input),
		"inputs":  orEmpty(c.Inputs),
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// ConditionEvaluator compiles and evaluates connection conditions written in
// expr-lang. Compiled programs are cached and safe for concurrent use.
type ConditionEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewConditionEvaluator creates an evaluator with an empty program cache.
func NewConditionEvaluator() *ConditionEvaluator {
	return &ConditionEvaluator{cache: make(map[string]*vm.Program)}
}

// Check compiles the condition without running it.
func (e *ConditionEvaluator) Check(condition string) error {
	_, err := e.getOrCompile(condition)
	return err
}

// Evaluate runs the condition and requires a boolean result.
// An empty condition is always true.
func (e *ConditionEvaluator) Evaluate(condition string, env ConditionEnv) (bool, error) {
	if condition == "" {
		return true, nil
	}

	prg, err := e.getOrCompile(condition)
	if err != nil {
		return false, err
	}

	out, err := vm.Run(prg, env.toMap())
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"condition %q failed: %s", condition, err.Error()).
			WithCause(err)
	}

	switch v := out.(type) {
	case bool:
		return v, nil
	case nil:
		return false, nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"condition %q returned %T, expected bool", condition, out)
	}
}

func (e *ConditionEvaluator) getOrCompile(condition string) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[condition]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[condition]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(condition,
		expr.Env(ConditionEnv{}.toMap()),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid condition %q: %s", condition, err.Error()).
			WithCause(err)
	}

	e.cache[condition] = prg
	return prg, nil
}
