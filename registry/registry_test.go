package registry

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	command "github.com/goliatone/go-lifecycle"
	"github.com/goliatone/go-lifecycle/hooks"
	"github.com/goliatone/go-lifecycle/scope"
)

type TestMessage struct {
	Content string `json:"content"`
}

func (TestMessage) Type() string {
	return "test_message"
}

type TestResponse struct {
	Result string `json:"result"`
}

type untyped struct{}

func echoExtensions(t *testing.T) *hooks.Registry {
	t.Helper()
	reg := hooks.NewRegistry()
	require.NoError(t, reg.Register(hooks.Execute, func(ctx context.Context, sc *scope.Scope) error {
		cmd, ok := command.From[TestMessage, TestResponse](sc)
		if !ok {
			return assert.AnError
		}
		return cmd.Complete(ctx, TestResponse{Result: "echo: " + cmd.Params().Content})
	}))
	return reg
}

func TestRegisterAndBuild(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, Register[TestMessage, TestResponse](r,
		WithDescription("echoes content"),
		WithExtensions(echoExtensions(t)),
	))

	assert.True(t, r.Has("test_message"))
	assert.Equal(t, []string{"test_message"}, r.Codes())
	assert.Equal(t, []Definition{{Code: "test_message", Description: "echoes content"}}, r.Definitions())

	entity, err := r.New(scope.New("owner"), "test_message", json.RawMessage(`{"content":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, "test_message", entity.Code())

	require.NoError(t, entity.Execute(context.Background()))
	assert.Equal(t, command.StatusCompleted, entity.Status())

	raw, err := json.Marshal(entity)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"result":{"result":"echo: hi"}`)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, Register[TestMessage, TestResponse](r))
	err := Register[TestMessage, any](r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REGISTRY_DUPLICATE_CODE")

	require.NoError(t, Register[TestMessage, any](r, WithCode("test_message_v2")))
	assert.Equal(t, []string{"test_message", "test_message_v2"}, r.Codes())
}

func TestRegisterDerivesCodeFromType(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, Register[untyped, any](r))
	assert.Equal(t, []string{"registry::untyped"}, r.Codes())

	entity, err := r.New(scope.New("owner"), "registry::untyped", nil)
	require.NoError(t, err)
	assert.Equal(t, "registry::untyped", entity.Code())
}

func TestNewUnknownCodeAndBadParams(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, Register[TestMessage, TestResponse](r))

	_, err := r.New(scope.New("owner"), "missing", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REGISTRY_UNKNOWN_CODE")

	_, err = r.New(scope.New("owner"), "test_message", json.RawMessage(`{"content":`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REGISTRY_PARAMS_INVALID")
}

func TestRestoreByCode(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, Register[TestMessage, TestResponse](r, WithExtensions(echoExtensions(t))))

	entity, err := r.New(scope.New("owner"), "test_message", json.RawMessage(`{"content":"persist me"}`))
	require.NoError(t, err)
	require.NoError(t, entity.Execute(context.Background()))
	raw, err := json.Marshal(entity)
	require.NoError(t, err)

	restored, err := r.Restore(scope.New("other"), raw)
	require.NoError(t, err)
	assert.Equal(t, entity.ID(), restored.ID())
	assert.Equal(t, command.OriginRestored, restored.Origin())
	assert.Equal(t, command.StatusCompleted, restored.Status())

	typed, ok := restored.(*command.Command[TestMessage, TestResponse])
	require.True(t, ok)
	result, ok := typed.Result()
	require.True(t, ok)
	assert.Equal(t, "echo: persist me", result.Result)

	_, err = r.Restore(scope.New("other"), []byte(`{"code":"nope","status":"CREATED"}`))
	assert.Error(t, err)
}

func TestWithTestRegistryIsolatesDefault(t *testing.T) {
	original := Default()
	WithTestRegistry(func(r *Registry) {
		assert.Same(t, r, Default())
		require.NoError(t, Register[TestMessage, any](Default()))
	})
	assert.Same(t, original, Default())
	assert.False(t, Default().Has("test_message"))
}
