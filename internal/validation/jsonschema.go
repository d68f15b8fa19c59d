package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/stepflow/pkg/schema"
)

const definitionSchemaURL = "https://stepflow.dev/schemas/workflow.json"

// definitionSchemaJSON describes the workflow document. Structural rules that
// need the whole graph (cycles, unknown dependencies) are left to the compiler.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://stepflow.dev/schemas/workflow.json",
  "type": "object",
  "required": ["id"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "name": { "type": "string" },
    "created_by": { "type": "string" },
    "max_concurrent_steps": { "type": "integer", "minimum": 0 },
    "input_schema": { "type": "object" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "connections": {
      "type": "array",
      "items": { "$ref": "#/$defs/connection" }
    }
  },
  "oneOf": [
    { "required": ["steps"], "not": { "anyOf": [{ "required": ["nodes"] }, { "required": ["connections"] }] } },
    { "required": ["nodes"], "not": { "required": ["steps"] } }
  ],
  "additionalProperties": false,
  "$defs": {
    "id": { "type": "string", "pattern": "^[A-Za-z0-9_-]+$" },
    "step": {
      "type": "object",
      "required": ["id", "service", "action"],
      "properties": {
        "id": { "$ref": "#/$defs/id" },
        "name": { "type": "string" },
        "kind": { "type": "string", "enum": ["action"] },
        "sequence_order": { "type": "integer", "minimum": 0 },
        "service": { "type": "string", "minLength": 1 },
        "action": { "type": "string", "minLength": 1 },
        "parameters": { "type": "object" },
        "depends_on": {
          "type": "array",
          "items": { "$ref": "#/$defs/id" },
          "uniqueItems": true
        },
        "continue_on_error": { "type": "boolean" },
        "timeout": { "type": "number", "minimum": 0 }
      },
      "additionalProperties": false
    },
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "$ref": "#/$defs/id" },
        "title": { "type": "string" },
        "type": { "type": "string", "enum": ["trigger", "action"] },
        "config": { "$ref": "#/$defs/node_config" }
      },
      "if": { "properties": { "type": { "const": "action" } } },
      "then": { "required": ["config"], "properties": { "config": { "required": ["service", "action"] } } },
      "additionalProperties": false
    },
    "node_config": {
      "type": "object",
      "properties": {
        "service": { "type": "string", "minLength": 1 },
        "action": { "type": "string", "minLength": 1 },
        "parameters": { "type": "object" },
        "continue_on_error": { "type": "boolean" },
        "timeout": { "type": "number", "minimum": 0 }
      },
      "additionalProperties": false
    },
    "connection": {
      "type": "object",
      "required": ["source_node_id", "target_node_id"],
      "properties": {
        "source_node_id": { "$ref": "#/$defs/id" },
        "target_node_id": { "$ref": "#/$defs/id" },
        "condition": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator checks workflow documents against the definition schema
// and input data against a definition's input_schema. It is safe for
// concurrent use.
type JSONSchemaValidator struct {
	definition *jsonschema.Schema

	// mu guards the compiled input schema cache.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the definition schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(definitionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal definition schema: %w", err)
	}
	if err := c.AddResource(definitionSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add definition schema resource: %w", err)
	}
	compiled, err := c.Compile(definitionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}
	return &JSONSchemaValidator{definition: compiled, cache: make(map[string]*jsonschema.Schema)}, nil
}

// ValidateDocument validates a decoded workflow document (generic maps and
// slices, as produced by a JSON or YAML decoder).
func (v *JSONSchemaValidator) ValidateDocument(doc any) error {
	value, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow document is not JSON-compatible").WithCause(err)
	}
	if err := v.definition.Validate(value); err != nil {
		return toSchemaError(err)
	}
	return nil
}

// ValidateDefinition validates an already-typed definition.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	return v.ValidateDocument(def)
}

// ValidateInput validates input against def's input_schema, if any.
func (v *JSONSchemaValidator) ValidateInput(def *schema.WorkflowDefinition, input map[string]any) error {
	if def == nil || len(def.InputSchema) == 0 {
		return nil
	}
	raw, err := json.Marshal(def.InputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input_schema").WithCause(err)
	}
	compiled, err := v.getOrCompile(raw)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input_schema").WithCause(err)
	}

	if input == nil {
		input = map[string]any{}
	}
	value, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "input is not JSON-compatible").WithCause(err)
	}
	if err := compiled.Validate(value); err != nil {
		return toSchemaError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(raw []byte) (*jsonschema.Schema, error) {
	key := string(raw)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	url := fmt.Sprintf("stepflow://input-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through encoding/json so numbers become
// json.Number, as the jsonschema package expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toSchemaError flattens a validation error tree into one VALIDATION_ERROR
// listing every leaf violation with its instance location.
func toSchemaError(err error) *schema.Error {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	sort.Strings(violations)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		return []string{"/" + strings.Join(verr.InstanceLocation, "/") + ": " + verr.Error()}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
