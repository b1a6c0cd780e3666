package command

import (
	apperrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-lifecycle/operation"
)

// ErrInvalidTransition is returned when a status change would move the
// command backwards or skip the graph.
var ErrInvalidTransition = apperrors.New("invalid command status transition", apperrors.CategoryConflict).
	WithTextCode("COMMAND_INVALID_TRANSITION")

// ErrInvalidPayload is returned by Restore for malformed serialized commands.
var ErrInvalidPayload = apperrors.New("invalid serialized command", apperrors.CategoryBadInput).
	WithTextCode("COMMAND_PAYLOAD_INVALID")

func invalidTransition(id string, from, to Status) error {
	return ErrInvalidTransition.Clone().WithMetadata(map[string]any{
		"command_id": id,
		"from":       from,
		"to":         to,
	})
}

func invalidPayload(err error, meta map[string]any) error {
	out := apperrors.Wrap(err, apperrors.CategoryBadInput, ErrInvalidPayload.Message).
		WithTextCode(ErrInvalidPayload.TextCode)
	if len(meta) > 0 {
		out = out.WithMetadata(meta)
	}
	return out
}

// IsExecutionError reports whether err is a command execution error.
func IsExecutionError(err error) bool {
	return operation.IsKind(err, operation.KindExecution)
}

// IsScopeBindingError reports whether err signals a command detached from
// its owner scope.
func IsScopeBindingError(err error) bool {
	return operation.IsKind(err, operation.KindScopeBinding)
}
