package actions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

func constHandler(out map[string]any) Handler {
	return HandlerFunc(func(context.Context, map[string]any) (map[string]any, error) {
		return out, nil
	})
}

func TestRegistry_RegisterAndInvoke(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("billing", "charge", constHandler(map[string]any{"output": "ok"}), "charge a card"))

	out, err := reg.Invoke(context.Background(), "billing", "charge", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", out["output"])
	assert.True(t, reg.Has("billing", "charge"))
	assert.False(t, reg.Has("billing", "refund"))
}

func TestRegistry_Duplicate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("s", "a", constHandler(nil), ""))

	err := reg.Register("s", "a", constHandler(nil), "")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
}

func TestRegistry_InvalidRegistration(t *testing.T) {
	reg := NewRegistry()
	assert.True(t, schema.HasCode(reg.Register("s", "a", nil, ""), schema.ErrCodeValidation))
	assert.True(t, schema.HasCode(reg.Register("", "a", constHandler(nil), ""), schema.ErrCodeValidation))
	assert.True(t, schema.HasCode(reg.Register("s", "", constHandler(nil), ""), schema.ErrCodeValidation))
}

func TestRegistry_Unavailable(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Invoke(context.Background(), "nope", "missing", nil)
	require.Error(t, err)

	var se *schema.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, schema.ErrCodeActionUnavailable, se.Code)
	assert.Equal(t, "nope", se.Details["service"])
}

func TestRegistry_RegisterServiceAndList(t *testing.T) {
	reg := NewRegistry()
	n, err := reg.RegisterService("github", map[string]Handler{
		"list_repos":   constHandler(nil),
		"create_issue": constHandler(nil),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, reg.Register("aws", "s3_put", constHandler(nil), "upload"))

	infos := reg.List()
	require.Len(t, infos, 3)
	assert.Equal(t, ActionInfo{Service: "aws", Action: "s3_put", Description: "upload"}, infos[0])
	assert.Equal(t, "create_issue", infos[1].Action)
	assert.Equal(t, "list_repos", infos[2].Action)
}

func TestRegistry_RegisterServiceStopsOnError(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("svc", "b", constHandler(nil), ""))

	n, err := reg.RegisterService("svc", map[string]Handler{
		"a": constHandler(nil),
		"b": constHandler(nil),
	})
	require.Error(t, err)
	assert.Equal(t, 1, n)
}
