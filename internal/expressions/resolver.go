package expressions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rendis/stepflow/pkg/schema"
)

// Namespace is the data a reference root can resolve against. Lookup order is
// step outputs, then inputs supplied on resume, then the initial input data.
type Namespace struct {
	Outputs   map[string]map[string]any
	Inputs    map[string]any
	InputData map[string]any
}

func (ns Namespace) lookup(root string) (any, bool) {
	if out, ok := ns.Outputs[root]; ok {
		return out, true
	}
	if v, ok := ns.Inputs[root]; ok {
		return v, true
	}
	if v, ok := ns.InputData[root]; ok {
		return v, true
	}
	return nil, false
}

// MissingInputError signals that a reference root is not yet available.
// It pauses an execution instead of failing it.
type MissingInputError struct {
	Reference string
	Root      string
	Parameter string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("missing input ${%s} in parameter %q", e.Reference, e.Parameter)
}

// AsError converts the signal into a structured error for persistence.
func (e *MissingInputError) AsError() *schema.Error {
	return schema.NewErrorf(schema.ErrCodeMissingInput, "missing input ${%s}", e.Reference).
		WithDetails(map[string]any{"reference": e.Reference, "root": e.Root, "parameter": e.Parameter})
}

// Resolve materializes a step's parameters. String values are parsed as
// templates and substituted; other values pass through unchanged. The first
// reference whose root is absent, in sorted parameter order, yields a
// *MissingInputError and no parameters are returned.
func Resolve(params map[string]any, ns Namespace) (map[string]any, error) {
	resolved := make(map[string]any, len(params))
	for _, key := range sortedKeys(params) {
		raw := params[key]
		s, ok := raw.(string)
		if !ok {
			resolved[key] = raw
			continue
		}
		t, err := ParseTemplate(s)
		if err != nil {
			return nil, err
		}
		val, err := resolveTemplate(key, t, ns)
		if err != nil {
			return nil, err
		}
		resolved[key] = val
	}
	return resolved, nil
}

// ResolveString resolves a single template string.
func ResolveString(s string, ns Namespace) (any, error) {
	t, err := ParseTemplate(s)
	if err != nil {
		return nil, err
	}
	return resolveTemplate("", t, ns)
}

func resolveTemplate(param string, t *Template, ns Namespace) (any, error) {
	if !t.HasReferences() {
		var b strings.Builder
		for _, seg := range t.Segments {
			b.WriteString(seg.Literal)
		}
		return b.String(), nil
	}

	// Check every root before substituting anything.
	for _, ref := range t.References() {
		if _, ok := ns.lookup(ref.Root); !ok {
			return nil, &MissingInputError{Reference: ref.String(), Root: ref.Root, Parameter: param}
		}
	}

	if ref, ok := t.SingleRef(); ok {
		return resolveRef(*ref, ns)
	}

	var b strings.Builder
	for _, seg := range t.Segments {
		if seg.Ref == nil {
			b.WriteString(seg.Literal)
			continue
		}
		val, err := resolveRef(*seg.Ref, ns)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(val))
	}
	return b.String(), nil
}

func resolveRef(ref Reference, ns Namespace) (any, error) {
	current, _ := ns.lookup(ref.Root)

	for i, seg := range ref.Path {
		switch v := current.(type) {
		case map[string]any:
			if val, ok := v[seg]; ok {
				current = val
				continue
			}
			if i == 0 && isOutputAlias(seg) {
				current = aliasOutput(v)
				continue
			}
			return nil, schema.NewErrorf(schema.ErrCodeResolution,
				"field %q not found in ${%s}; available: [%s]", seg, ref, strings.Join(sortedKeys(v), ", ")).
				WithDetails(map[string]any{"reference": ref.String()})
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, schema.NewErrorf(schema.ErrCodeResolution,
					"index %q out of range in ${%s}", seg, ref)
			}
			current = v[idx]
		default:
			if i == 0 && isOutputAlias(seg) {
				continue
			}
			return nil, schema.NewErrorf(schema.ErrCodeResolution,
				"cannot traverse into %T at %q in ${%s}", current, seg, ref)
		}
	}
	return current, nil
}

func isOutputAlias(seg string) bool {
	return seg == "output" || seg == "result"
}

// aliasOutput maps the output/result alias onto whichever of the two fields
// the producer set, or the whole output when it set neither.
func aliasOutput(m map[string]any) any {
	if v, ok := m["output"]; ok {
		return v
	}
	if v, ok := m["result"]; ok {
		return v
	}
	return m
}

func stringify(val any) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
