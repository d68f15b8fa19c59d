package validation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

func newSchemaValidator(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

func TestValidateDocument_FlatValid(t *testing.T) {
	v := newSchemaValidator(t)
	err := v.ValidateDocument(map[string]any{
		"id": "wf",
		"steps": []any{
			map[string]any{"id": "a", "service": "core", "action": "echo", "parameters": map[string]any{"value": 1}},
			map[string]any{"id": "b", "service": "core", "action": "echo", "depends_on": []any{"a"}, "timeout": 1.5},
		},
	})
	assert.NoError(t, err)
}

func TestValidateDocument_GraphValid(t *testing.T) {
	v := newSchemaValidator(t)
	err := v.ValidateDocument(map[string]any{
		"id": "wf",
		"nodes": []any{
			map[string]any{"id": "start", "type": "trigger"},
			map[string]any{"id": "a", "type": "action", "config": map[string]any{"service": "core", "action": "echo"}},
		},
		"connections": []any{
			map[string]any{"source_node_id": "start", "target_node_id": "a", "condition": "output.ok"},
		},
	})
	assert.NoError(t, err)
}

func TestValidateDocument_Violations(t *testing.T) {
	step := func(extra map[string]any) map[string]any {
		s := map[string]any{"id": "a", "service": "core", "action": "echo"}
		for k, val := range extra {
			s[k] = val
		}
		return s
	}
	tests := []struct {
		name string
		doc  map[string]any
	}{
		{"missing id", map[string]any{"steps": []any{step(nil)}}},
		{"no steps or nodes", map[string]any{"id": "wf"}},
		{"both forms", map[string]any{
			"id":    "wf",
			"steps": []any{step(nil)},
			"nodes": []any{map[string]any{"id": "n", "type": "trigger"}},
		}},
		{"connections with steps", map[string]any{
			"id":          "wf",
			"steps":       []any{step(nil)},
			"connections": []any{map[string]any{"source_node_id": "a", "target_node_id": "a"}},
		}},
		{"unknown field", map[string]any{"id": "wf", "steps": []any{step(map[string]any{"retry": 3})}}},
		{"missing action", map[string]any{"id": "wf", "steps": []any{map[string]any{"id": "a", "service": "core"}}}},
		{"bad id characters", map[string]any{"id": "wf", "steps": []any{step(map[string]any{"id": "a b"})}}},
		{"negative timeout", map[string]any{"id": "wf", "steps": []any{step(map[string]any{"timeout": -1})}}},
		{"fractional order", map[string]any{"id": "wf", "steps": []any{step(map[string]any{"sequence_order": 1.5})}}},
		{"unknown node type", map[string]any{"id": "wf", "nodes": []any{map[string]any{"id": "n", "type": "webhook"}}}},
		{"action node without config", map[string]any{"id": "wf", "nodes": []any{map[string]any{"id": "n", "type": "action"}}}},
		{"negative concurrency", map[string]any{"id": "wf", "max_concurrent_steps": -2, "steps": []any{step(nil)}}},
	}
	v := newSchemaValidator(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateDocument(tt.doc)
			require.Error(t, err)
			assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
			assert.NotEmpty(t, Violations(err))
		})
	}
}

func TestValidateDefinition_Typed(t *testing.T) {
	v := newSchemaValidator(t)
	assert.Error(t, v.ValidateDefinition(nil))

	def := &schema.WorkflowDefinition{
		ID:    "wf",
		Steps: []schema.Step{{ID: "a", Service: "core", Action: "echo"}},
	}
	assert.NoError(t, v.ValidateDefinition(def))
}

func TestValidateInput(t *testing.T) {
	v := newSchemaValidator(t)
	def := &schema.WorkflowDefinition{
		ID: "wf",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"amount"},
			"properties": map[string]any{
				"amount": map[string]any{"type": "number", "minimum": 0},
			},
		},
	}

	assert.NoError(t, v.ValidateInput(def, map[string]any{"amount": 12}))
	assert.Error(t, v.ValidateInput(def, map[string]any{"amount": -1}))
	assert.Error(t, v.ValidateInput(def, nil))
	assert.NoError(t, v.ValidateInput(&schema.WorkflowDefinition{ID: "plain"}, nil))

	bad := &schema.WorkflowDefinition{ID: "wf", InputSchema: map[string]any{"type": 5}}
	assert.True(t, schema.HasCode(v.ValidateInput(bad, map[string]any{}), schema.ErrCodeValidation))
}

func TestValidateInput_ConcurrentCache(t *testing.T) {
	v := newSchemaValidator(t)
	def := &schema.WorkflowDefinition{ID: "wf", InputSchema: map[string]any{"type": "object"}}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, v.ValidateInput(def, map[string]any{"n": 1}))
		}()
	}
	wg.Wait()

	v.mu.RLock()
	defer v.mu.RUnlock()
	assert.Len(t, v.cache, 1)
}
