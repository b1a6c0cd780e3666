package operation

import (
	"sync"

	apperrors "github.com/goliatone/go-errors"
)

// ErrResolved is returned when a resolved context is asked to change.
var ErrResolved = apperrors.New("operation context already resolved", apperrors.CategoryConflict).
	WithTextCode("OPERATION_RESOLVED")

// Context is a named envelope holding the params, result and error of one
// unit of work. Result and error are mutually exclusive; once either is set
// the context is resolved and further writes are rejected.
type Context[T any] struct {
	name   string
	params map[string]any

	mu       sync.RWMutex
	result   T
	err      error
	resolved bool
}

// New creates an unresolved context. The params map is copied.
func New[T any](name string, params map[string]any) *Context[T] {
	return &Context[T]{
		name:   name,
		params: copyMap(params),
	}
}

func (c *Context[T]) Name() string {
	return c.name
}

// Params returns a copy of the context params.
func (c *Context[T]) Params() map[string]any {
	return copyMap(c.params)
}

func (c *Context[T]) Param(key string) (any, bool) {
	v, ok := c.params[key]
	return v, ok
}

// Succeed stores the result and resolves the context.
func (c *Context[T]) Succeed(result T) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolved {
		return ErrResolved
	}
	c.result = result
	c.resolved = true
	return nil
}

// Fail stores the error and resolves the context. A nil error is rejected.
func (c *Context[T]) Fail(err error) error {
	if err == nil {
		return apperrors.New("operation failure requires an error", apperrors.CategoryBadInput).
			WithTextCode("OPERATION_NIL_ERROR")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolved {
		return ErrResolved
	}
	c.err = err
	c.resolved = true
	return nil
}

// Result returns the stored result and whether the context succeeded.
func (c *Context[T]) Result() (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.result, c.resolved && c.err == nil
}

func (c *Context[T]) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

func (c *Context[T]) Resolved() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resolved
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
