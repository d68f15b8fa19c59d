package expressions

import (
	"testing"

	"github.com/rendis/stepflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTemplate_Literal(t *testing.T) {
	tmpl, err := ParseTemplate("plain text")
	require.NoError(t, err)
	assert.False(t, tmpl.HasReferences())
	require.Len(t, tmpl.Segments, 1)
	assert.Equal(t, "plain text", tmpl.Segments[0].Literal)
}

func TestParseTemplate_SingleRef(t *testing.T) {
	tmpl, err := ParseTemplate("${fetch.output}")
	require.NoError(t, err)

	ref, ok := tmpl.SingleRef()
	require.True(t, ok)
	assert.Equal(t, "fetch", ref.Root)
	assert.Equal(t, []string{"output"}, ref.Path)
	assert.Equal(t, "fetch.output", ref.String())
}

func TestParseTemplate_Mixed(t *testing.T) {
	tmpl, err := ParseTemplate("hello ${user.name}, id=${user.id}!")
	require.NoError(t, err)

	_, single := tmpl.SingleRef()
	assert.False(t, single)

	refs := tmpl.References()
	require.Len(t, refs, 2)
	assert.Equal(t, "user.name", refs[0].String())
	assert.Equal(t, "user.id", refs[1].String())
	require.Len(t, tmpl.Segments, 5)
	assert.Equal(t, "!", tmpl.Segments[4].Literal)
}

func TestParseTemplate_RootOnly(t *testing.T) {
	tmpl, err := ParseTemplate("${step-1}")
	require.NoError(t, err)
	ref, ok := tmpl.SingleRef()
	require.True(t, ok)
	assert.Equal(t, "step-1", ref.Root)
	assert.Empty(t, ref.Path)
}

func TestParseTemplate_Escape(t *testing.T) {
	tmpl, err := ParseTemplate("cost: $${price}")
	require.NoError(t, err)
	assert.False(t, tmpl.HasReferences())
	assert.Equal(t, "cost: ${price}", tmpl.Segments[0].Literal)
}

func TestParseTemplate_Errors(t *testing.T) {
	cases := map[string]string{
		"unclosed":     "${step.output",
		"empty":        "${}",
		"empty_seg":    "${step..output}",
		"invalid_char": "${step.out put}",
		"nested":       "${a.${b}}",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseTemplate(input)
			require.Error(t, err)
			assert.True(t, schema.HasCode(err, schema.ErrCodeResolution))
		})
	}
}

func TestParseParameters_CollectsRefs(t *testing.T) {
	refs, err := ParseParameters(map[string]any{
		"a": "${s1.output}",
		"b": 42,
		"c": "${s2.result}-${input.x}",
	})
	require.NoError(t, err)
	require.Len(t, refs, 3)
	assert.Equal(t, "s1", refs[0].Root)
	assert.Equal(t, "s2", refs[1].Root)
	assert.Equal(t, "input", refs[2].Root)
}
