package expressions

import (
	"strings"

	"github.com/rendis/stepflow/pkg/schema"
)

// Reference is a single ${root.field...} token. Root names a step or an
// input namespace; Path is the field chain below it.
type Reference struct {
	Root string
	Path []string
}

// String returns the dotted form without the ${ } delimiters.
func (r Reference) String() string {
	if len(r.Path) == 0 {
		return r.Root
	}
	return r.Root + "." + strings.Join(r.Path, ".")
}

// Segment is one piece of a parsed template: either literal text or a reference.
type Segment struct {
	Literal string
	Ref     *Reference
}

// Template is the parsed form of a parameter string.
type Template struct {
	Source   string
	Segments []Segment
}

// HasReferences reports whether the template contains at least one reference.
func (t *Template) HasReferences() bool {
	for _, seg := range t.Segments {
		if seg.Ref != nil {
			return true
		}
	}
	return false
}

// SingleRef returns the reference when the template is exactly one token with
// no surrounding text. Such templates keep the referenced value's type.
func (t *Template) SingleRef() (*Reference, bool) {
	if len(t.Segments) == 1 && t.Segments[0].Ref != nil {
		return t.Segments[0].Ref, true
	}
	return nil, false
}

// References lists the references in source order.
func (t *Template) References() []Reference {
	var refs []Reference
	for _, seg := range t.Segments {
		if seg.Ref != nil {
			refs = append(refs, *seg.Ref)
		}
	}
	return refs
}

// ParseTemplate tokenizes s into literal and reference segments.
// "$${" is an escape for a literal "${".
func ParseTemplate(s string) (*Template, error) {
	t := &Template{Source: s}
	var lit strings.Builder

	flush := func() {
		if lit.Len() > 0 {
			t.Segments = append(t.Segments, Segment{Literal: lit.String()})
			lit.Reset()
		}
	}

	i := 0
	for i < len(s) {
		if strings.HasPrefix(s[i:], "$${") {
			lit.WriteString("${")
			i += 3
			continue
		}
		if !strings.HasPrefix(s[i:], "${") {
			lit.WriteByte(s[i])
			i++
			continue
		}

		start := i + 2
		end := strings.IndexByte(s[start:], '}')
		if end == -1 {
			return nil, schema.NewErrorf(schema.ErrCodeResolution, "unclosed reference in %q", s)
		}
		end += start

		ref, err := parseReference(s[start:end], s)
		if err != nil {
			return nil, err
		}
		flush()
		t.Segments = append(t.Segments, Segment{Ref: ref})
		i = end + 1
	}
	flush()

	return t, nil
}

func parseReference(body, source string) (*Reference, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, schema.NewErrorf(schema.ErrCodeResolution, "empty reference in %q", source)
	}
	if strings.Contains(body, "${") {
		return nil, schema.NewErrorf(schema.ErrCodeResolution, "nested reference not allowed in %q", source)
	}

	parts := strings.Split(body, ".")
	for i, p := range parts {
		if p == "" {
			return nil, schema.NewErrorf(schema.ErrCodeResolution,
				"empty segment at position %d in reference ${%s}", i, body)
		}
		if !validSegment(p) {
			return nil, schema.NewErrorf(schema.ErrCodeResolution,
				"invalid character in segment %q of reference ${%s}", p, body)
		}
	}

	return &Reference{Root: parts[0], Path: parts[1:]}, nil
}

func validSegment(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// ParseParameters parses every string parameter and returns all references
// found, so definitions can be checked before execution starts.
func ParseParameters(params map[string]any) ([]Reference, error) {
	var refs []Reference
	for _, key := range sortedKeys(params) {
		s, ok := params[key].(string)
		if !ok {
			continue
		}
		t, err := ParseTemplate(s)
		if err != nil {
			return nil, err
		}
		refs = append(refs, t.References()...)
	}
	return refs, nil
}
