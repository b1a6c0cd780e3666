package operation

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewErrorCarriesKind(t *testing.T) {
	cause := errors.New("boom")
	err := NewError(KindExecution, "", cause, map[string]any{"command_id": "c-1"})

	assert.True(t, IsDomainError(err))
	assert.True(t, IsKind(err, KindExecution))
	assert.Equal(t, "A-Command Execution Error", Title(err))
	assert.Equal(t, KindExecution.Description, Description(err))
	assert.Equal(t, cause, Original(err))
}

func TestWrapKeepsDomainErrors(t *testing.T) {
	binding := NewError(KindScopeBinding, "detached", nil, nil)
	assert.Same(t, binding, Wrap(KindExecution, binding))

	wrapped := Wrap(KindExecution, errors.New("plain"))
	assert.True(t, IsKind(wrapped, KindExecution))
	assert.Nil(t, Wrap(KindExecution, nil))
	assert.False(t, IsDomainError(errors.New("plain")))
}

func TestErrorPayloadRoundTrip(t *testing.T) {
	inner := NewError(KindScopeBinding, "owner scope destroyed", nil, nil)
	outer := NewError(KindTransition, "transition executingFailed failed", inner, map[string]any{"transition": "executingFailed"})

	raw, err := json.Marshal(MarshalError(outer))
	require.NoError(t, err)

	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(raw, &payload))
	assert.Equal(t, "A-StateMachine Transition Error", payload.Title)
	assert.Equal(t, "executingFailed", payload.Metadata["transition"])
	require.NotNil(t, payload.OriginalError)
	assert.Equal(t, "A-Command Scope Binding Error", payload.OriginalError.Title)

	restored := UnmarshalError(&payload)
	assert.True(t, IsKind(restored, KindTransition))
	assert.Equal(t, "transition executingFailed failed", Description(restored))
	assert.True(t, IsKind(Original(restored), KindScopeBinding))
}

func TestPlainCauseSerializesMessage(t *testing.T) {
	err := NewError(KindExecution, "", errors.New("boom"), nil)
	payload := MarshalError(err)

	require.NotNil(t, payload.OriginalError)
	assert.Equal(t, "boom", payload.OriginalError.Message)
	assert.Empty(t, payload.OriginalError.Title)

	restored := UnmarshalError(payload)
	assert.EqualError(t, Original(restored), "boom")
}

func TestUnknownCodeRestoresAsExecution(t *testing.T) {
	restored := UnmarshalError(&ErrorPayload{Title: "Custom", Code: "SOMETHING_ELSE", Description: "odd"})
	assert.True(t, IsKind(restored, KindExecution))
	assert.Equal(t, "Custom", Title(restored))
}
