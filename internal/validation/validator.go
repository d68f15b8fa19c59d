package validation

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/pkg/schema"
)

// ActionLookup reports whether a service action is registered.
type ActionLookup interface {
	Has(service, action string) bool
}

// Validator checks a definition end to end: document schema, graph
// compilation, and (when a lookup is set) that every action is registered.
type Validator struct {
	schema  *JSONSchemaValidator
	actions ActionLookup
}

// NewValidator creates a Validator. lookup may be nil to skip action checks.
func NewValidator(sv *JSONSchemaValidator, lookup ActionLookup) *Validator {
	return &Validator{schema: sv, actions: lookup}
}

// Validate returns the compiled DAG of a valid definition. Schema errors
// short-circuit; compile and action errors are reported as VALIDATION_ERROR
// or CYCLE_DETECTED.
func (v *Validator) Validate(def *schema.WorkflowDefinition) (*engine.DAG, error) {
	if err := v.schema.ValidateDefinition(def); err != nil {
		return nil, err
	}
	dag, err := engine.Compile(def)
	if err != nil {
		return nil, err
	}
	if v.actions == nil {
		return dag, nil
	}

	var missing []string
	for _, step := range dag.StepList() {
		if step.Kind == schema.StepKindTrigger {
			continue
		}
		if !v.actions.Has(step.Service, step.Action) {
			missing = append(missing, fmt.Sprintf("%s: %s.%s", step.ID, step.Service, step.Action))
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unregistered actions: %v", missing).
			WithDetails(map[string]any{"violations": missing})
	}
	return dag, nil
}

// Violations extracts the individual violations from a validation error, or
// its message when it carries none.
func Violations(err error) []string {
	var se *schema.Error
	if !errors.As(err, &se) {
		return []string{err.Error()}
	}
	if list, ok := se.Details["violations"].([]string); ok {
		return list
	}
	return []string{se.Message}
}
