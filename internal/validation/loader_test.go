package validation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

const flatYAML = `
id: orders
name: Order pipeline
created_by: alice
max_concurrent_steps: 2
steps:
  - id: fetch
    service: core
    action: echo
    parameters:
      value: ${order.id}
  - id: notify
    service: http
    action: request
    timeout: 2.5
    continue_on_error: true
    parameters:
      url: https://example.com/hook
      body:
        order: ${fetch.output}
`

const graphJSON = `{
  "id": "branches",
  "nodes": [
    {"id": "start", "type": "trigger"},
    {"id": "big", "type": "action", "config": {"service": "core", "action": "echo", "parameters": {"value": 3}}}
  ],
  "connections": [
    {"source_node_id": "start", "target_node_id": "big", "condition": "output.amount > 100"}
  ]
}`

func newLoader(t *testing.T) *Loader {
	t.Helper()
	l, err := NewLoader()
	require.NoError(t, err)
	return l
}

func TestLoad_YAML(t *testing.T) {
	def, err := newLoader(t).Load([]byte(flatYAML), FormatYAML)
	require.NoError(t, err)

	assert.Equal(t, "orders", def.ID)
	assert.Equal(t, "alice", def.CreatedBy)
	assert.Equal(t, 2, def.MaxConcurrentSteps)
	require.Len(t, def.Steps, 2)
	assert.Equal(t, "${order.id}", def.Steps[0].Parameters["value"])
	assert.Equal(t, 2.5, def.Steps[1].Timeout)
	assert.True(t, def.Steps[1].ContinueOnError)
	assert.Equal(t, map[string]any{"order": "${fetch.output}"}, def.Steps[1].Parameters["body"])
}

func TestLoad_JSONGraphSniffed(t *testing.T) {
	def, err := newLoader(t).Load([]byte(graphJSON), "")
	require.NoError(t, err)

	assert.True(t, def.IsGraph())
	require.Len(t, def.Nodes, 2)
	assert.Equal(t, schema.NodeTypeTrigger, def.Nodes[0].Type)
	assert.Equal(t, float64(3), def.Nodes[1].Config.Parameters["value"])
	assert.Equal(t, "output.amount > 100", def.Connections[0].Condition)
}

func TestLoad_Errors(t *testing.T) {
	l := newLoader(t)
	tests := []struct {
		name   string
		data   string
		format Format
	}{
		{"malformed JSON", `{"id":`, FormatJSON},
		{"malformed YAML", "id: [unclosed", FormatYAML},
		{"empty", "", FormatYAML},
		{"schema violation", "id: wf\nsteps: []\n", FormatYAML},
		{"unsupported format", "id: wf", Format("toml")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Load([]byte(tt.data), tt.format)
			require.Error(t, err)
			assert.True(t, schema.HasCode(err, schema.ErrCodeValidation), "got %v", err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wf.yml")
	require.NoError(t, os.WriteFile(path, []byte(flatYAML), 0o600))

	def, err := newLoader(t).LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "orders", def.ID)

	_, err = newLoader(t).LoadFile(filepath.Join(dir, "absent.yaml"))
	assert.Error(t, err)
}

func TestFormatFromPath(t *testing.T) {
	assert.Equal(t, FormatJSON, FormatFromPath("a/b.JSON"))
	assert.Equal(t, FormatYAML, FormatFromPath("wf.yaml"))
	assert.Equal(t, FormatYAML, FormatFromPath("wf.yml"))
	assert.Equal(t, Format(""), FormatFromPath("wf.txt"))
}

func TestDecodeInput(t *testing.T) {
	in, err := DecodeInput([]byte(`{"missing": {"input": "value"}}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"missing": map[string]any{"input": "value"}}, in)

	in, err = DecodeInput([]byte("amount: 150\n"))
	require.NoError(t, err)
	assert.Equal(t, 150, in["amount"])

	in, err = DecodeInput(nil)
	require.NoError(t, err)
	assert.Empty(t, in)

	_, err = DecodeInput([]byte("[1, 2]"))
	assert.Error(t, err)
}
