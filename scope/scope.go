// Package scope provides hierarchical, disposable dependency containers.
//
// Values are provided and resolved by their static type: Resolve walks from
// the scope to its ancestors and returns the first match. A scope is
// destroyed explicitly and exactly once; destroying a parent does not destroy
// its children, but a child whose ancestor is gone is no longer bound.
package scope

import (
	stderrors "errors"
	"sync"

	apperrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"go.uber.org/atomic"
)

var (
	ErrDestroyed = apperrors.New("scope already destroyed", apperrors.CategoryConflict).
			WithTextCode("SCOPE_DESTROYED")
	ErrNilScope = apperrors.New("scope cannot be nil", apperrors.CategoryBadInput).
			WithTextCode("SCOPE_NIL")
)

type key[T any] struct{}

// Scope is a node in a dependency hierarchy.
type Scope struct {
	id     string
	name   string
	parent *Scope

	mu        sync.RWMutex
	values    map[any]any
	onDestroy []func()
	destroyed atomic.Bool
}

// New creates a root scope.
func New(name string) *Scope {
	return newScope(name, nil)
}

func newScope(name string, parent *Scope) *Scope {
	return &Scope{
		id:     uuid.NewString(),
		name:   name,
		parent: parent,
		values: make(map[any]any),
	}
}

// NewChild creates a scope inheriting lookups from s.
func (s *Scope) NewChild(name string) (*Scope, error) {
	if s == nil {
		return nil, ErrNilScope
	}
	if s.destroyed.Load() {
		return nil, destroyedError(s)
	}
	return newScope(name, s), nil
}

func (s *Scope) ID() string   { return s.id }
func (s *Scope) Name() string { return s.name }

func (s *Scope) Parent() *Scope {
	return s.parent
}

// Destroyed reports whether Destroy has run on s.
func (s *Scope) Destroyed() bool {
	return s == nil || s.destroyed.Load()
}

// Inherits reports whether ancestor is s itself or one of its parents and
// every scope on the path between them is still alive.
func (s *Scope) Inherits(ancestor *Scope) bool {
	if s == nil || ancestor == nil {
		return false
	}
	for cur := s; cur != nil; cur = cur.parent {
		if cur.destroyed.Load() {
			return false
		}
		if cur == ancestor {
			return true
		}
	}
	return false
}

// OnDestroy registers fn to run when s is destroyed. Callbacks run in
// reverse registration order.
func (s *Scope) OnDestroy(fn func()) error {
	if fn == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed.Load() {
		return destroyedError(s)
	}
	s.onDestroy = append(s.onDestroy, fn)
	return nil
}

// Destroy releases every value held by s and runs destroy callbacks. A
// second call returns ErrDestroyed.
func (s *Scope) Destroy() error {
	if s == nil {
		return ErrNilScope
	}
	if !s.destroyed.CompareAndSwap(false, true) {
		return destroyedError(s)
	}

	s.mu.Lock()
	callbacks := s.onDestroy
	s.onDestroy = nil
	s.values = make(map[any]any)
	s.mu.Unlock()

	for i := len(callbacks) - 1; i >= 0; i-- {
		callbacks[i]()
	}
	return nil
}

func (s *Scope) set(k, v any) error {
	if s == nil {
		return ErrNilScope
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed.Load() {
		return destroyedError(s)
	}
	s.values[k] = v
	return nil
}

func (s *Scope) get(k any) (any, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		if cur.destroyed.Load() {
			return nil, false
		}
		cur.mu.RLock()
		v, ok := cur.values[k]
		cur.mu.RUnlock()
		if ok {
			return v, true
		}
	}
	return nil, false
}

// Provide registers value under its static type T in s.
func Provide[T any](s *Scope, value T) error {
	return s.set(key[T]{}, value)
}

// Resolve looks up a value of type T in s and its ancestors. Lookup stops
// at the first destroyed scope on the path.
func Resolve[T any](s *Scope) (T, bool) {
	var zero T
	v, ok := s.get(key[T]{})
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	return typed, ok
}

// IsDestroyed reports whether err signals use of a destroyed scope.
func IsDestroyed(err error) bool {
	var ge *apperrors.Error
	return stderrors.As(err, &ge) && ge.TextCode == ErrDestroyed.TextCode
}

func destroyedError(s *Scope) error {
	return ErrDestroyed.Clone().WithMetadata(map[string]any{
		"scope_id":   s.id,
		"scope_name": s.name,
	})
}
