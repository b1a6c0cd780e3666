package command

import (
	"fmt"
	"runtime"

	"github.com/goliatone/go-lifecycle/hooks"
	"github.com/goliatone/go-lifecycle/operation"
)

// panicError converts a value recovered from the execution pipeline into an
// execution error carrying the cleaned stack.
func panicError(id, code string, recovered any) error {
	fullStack := make([]byte, 8096)
	n := runtime.Stack(fullStack, false)
	fullStack = fullStack[:n]

	cause, ok := recovered.(error)
	if !ok {
		cause = fmt.Errorf("%v", recovered)
	}

	return operation.NewError(operation.KindExecution, "command pipeline panicked", cause, map[string]any{
		"command_id": id,
		"code":       code,
		"panic_type": fmt.Sprintf("%T", recovered),
		"stack":      string(hooks.CleanStackTrace(fullStack)),
	})
}
