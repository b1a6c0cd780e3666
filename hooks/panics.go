package hooks

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	apperrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-lifecycle/scope"
)

// invoke runs one handler and turns a panic into an error so callers can
// still release their scopes.
func invoke(ctx context.Context, hook string, e *entry, sc *scope.Scope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(hook, e.id, r)
		}
	}()
	return e.handler(ctx, sc)
}

func panicError(hook, id string, recovered any) error {
	stack := make([]byte, 8096)
	stack = stack[:runtime.Stack(stack, false)]

	var cause error
	if e, ok := recovered.(error); ok {
		cause = e
	} else {
		cause = fmt.Errorf("%v", recovered)
	}

	return apperrors.Wrap(cause, apperrors.CategoryHandler, "hook handler panicked").
		WithTextCode("HOOK_PANIC").
		WithMetadata(map[string]any{
			"hook":  hook,
			"id":    id,
			"stack": string(CleanStackTrace(stack)),
		})
}

// CleanStackTrace drops the runtime frames up to and including the panic()
// call so a recovered stack starts at the panicking code.
func CleanStackTrace(stack []byte) []byte {
	lines := strings.Split(string(stack), "\n")

	panicLineIndex := -1
	for i, line := range lines {
		if strings.Contains(line, "panic(") {
			panicLineIndex = i
			break
		}
	}

	// drop the panic() call line and its file reference
	if panicLineIndex >= 0 && panicLineIndex+2 < len(lines) {
		lines = lines[panicLineIndex+2:]
	}

	return []byte(strings.Join(lines, "\n"))
}
