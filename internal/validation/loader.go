package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/stepflow/pkg/schema"
)

// Format is the encoding of a workflow document.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromPath infers the document format from a file extension. Unknown
// extensions yield "" so the content decides.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".yaml", ".yml":
		return FormatYAML
	}
	return ""
}

// sniff picks JSON when the document starts with an object, YAML otherwise.
func sniff(data []byte) Format {
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		return FormatJSON
	}
	return FormatYAML
}

// Loader decodes workflow documents and validates them against the
// definition schema before producing a typed definition.
type Loader struct {
	schema *JSONSchemaValidator
}

// NewLoader creates a Loader.
func NewLoader() (*Loader, error) {
	v, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &Loader{schema: v}, nil
}

// Schema returns the loader's schema validator.
func (l *Loader) Schema() *JSONSchemaValidator { return l.schema }

// LoadFile reads and decodes the workflow at path.
func (l *Loader) LoadFile(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow %s: %w", path, err)
	}
	def, err := l.Load(data, FormatFromPath(path))
	if err != nil {
		return nil, fmt.Errorf("load workflow %s: %w", path, err)
	}
	return def, nil
}

// Load decodes data in format (sniffed when empty), validates the document
// and returns the typed definition.
func (l *Loader) Load(data []byte, format Format) (*schema.WorkflowDefinition, error) {
	if format == "" {
		format = sniff(data)
	}

	doc, err := decodeDocument(data, format)
	if err != nil {
		return nil, err
	}
	if err := l.schema.ValidateDocument(doc); err != nil {
		return nil, err
	}

	// Re-encode the generic document so one set of (json) tags drives decoding.
	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow document is not JSON-compatible").WithCause(err)
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(normalized, &def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode workflow: %s", err.Error()).WithCause(err)
	}
	return &def, nil
}

func decodeDocument(data []byte, format Format) (any, error) {
	var doc any
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid JSON: %s", err.Error()).WithCause(err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid YAML: %s", err.Error()).WithCause(err)
		}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported workflow format %q", format)
	}
	if doc == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow document is empty")
	}
	return doc, nil
}

// DecodeInput parses a JSON or YAML object used as execution input. An empty
// document yields an empty map.
func DecodeInput(data []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]any{}, nil
	}
	var in map[string]any
	var err error
	if sniff(data) == FormatJSON {
		err = json.Unmarshal(data, &in)
	} else {
		err = yaml.Unmarshal(data, &in)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid input: %s", err.Error()).WithCause(err)
	}
	if in == nil {
		in = map[string]any{}
	}
	return in, nil
}
