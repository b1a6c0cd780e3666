package flow

import (
	"context"
	"sync"

	"github.com/goliatone/go-lifecycle/hooks"
	"github.com/goliatone/go-lifecycle/operation"
	"github.com/goliatone/go-lifecycle/scope"
)

// StateMachine executes transitions between caller supplied state labels.
// It owns no business state: every Transition call names both ends, so one
// machine can serve any state table whose labels are of type S.
//
// Each transition runs onBeforeTransition, the hook named after the
// transition (when registered) and onAfterTransition inside a fresh child
// scope that is destroyed on every path.
type StateMachine[S ~string] struct {
	name   string
	scope  *scope.Scope
	hooks  hooks.Dispatcher
	logger Logger

	readyOnce sync.Once
	readyDone chan struct{}
	readyErr  error
}

// StateMachineOption customizes state machine behavior.
type StateMachineOption[S ~string] func(*StateMachine[S])

// WithLogger sets the state-machine logger.
func WithLogger[S ~string](logger Logger) StateMachineOption[S] {
	return func(sm *StateMachine[S]) {
		sm.logger = logger
	}
}

// WithName labels the machine in logs and error metadata.
func WithName[S ~string](name string) StateMachineOption[S] {
	return func(sm *StateMachine[S]) {
		sm.name = name
	}
}

// NewStateMachine binds a machine to sc and the hook dispatcher d. The
// machine provides itself into sc so hooks can resolve it.
func NewStateMachine[S ~string](sc *scope.Scope, d hooks.Dispatcher, opts ...StateMachineOption[S]) (*StateMachine[S], error) {
	if sc == nil {
		return nil, scope.ErrNilScope
	}
	if d == nil {
		d = hooks.NewRegistry()
	}
	sm := &StateMachine[S]{
		name:      "state_machine",
		scope:     sc,
		hooks:     d,
		readyDone: make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(sm)
		}
	}
	sm.logger = normalizeLogger(sm.logger)

	if err := scope.Provide(sc, sm); err != nil {
		return nil, err
	}
	return sm, nil
}

func (s *StateMachine[S]) Name() string {
	return s.name
}

func (s *StateMachine[S]) Scope() *scope.Scope {
	return s.scope
}

// Ready runs the onInitialize hook once and memoizes its outcome, failure
// included. Concurrent callers share the same initialization; a caller whose
// ctx ends first gets ctx.Err() while initialization carries on.
func (s *StateMachine[S]) Ready(ctx context.Context) error {
	s.readyOnce.Do(func() {
		initCtx := context.WithoutCancel(ctx)
		go func() {
			defer close(s.readyDone)
			s.readyErr = s.initialize(initCtx)
		}()
	})

	select {
	case <-s.readyDone:
		return s.readyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *StateMachine[S]) initialize(ctx context.Context) error {
	if !s.hooks.Has(hooks.Initialize) {
		return nil
	}
	if err := s.hooks.Call(ctx, hooks.Initialize, s.scope); err != nil {
		s.logger.Error("state machine %s initialization failed: %v", s.name, err)
		return operation.NewError(operation.KindInitialization, "", err, map[string]any{
			"machine": s.name,
		})
	}
	return nil
}

// Transition executes from -> to and returns the result stored on the
// transition record by its hooks, if any. Failures are wrapped once as a
// transition error after the onError hook ran.
func (s *StateMachine[S]) Transition(ctx context.Context, from, to S, props any) (any, error) {
	if err := s.Ready(ctx); err != nil {
		return nil, err
	}

	name := TransitionName(string(from), string(to))
	record := NewTransitionRecord(string(from), string(to), props)

	tsc, err := s.scope.NewChild("transition:" + name)
	if err != nil {
		return nil, s.transitionError(name, record, err)
	}
	defer func() {
		_ = tsc.Destroy()
	}()

	if err := scope.Provide(tsc, record); err != nil {
		return nil, s.fail(ctx, tsc, name, record, err)
	}

	if err := s.run(ctx, tsc, name); err != nil {
		return nil, s.fail(ctx, tsc, name, record, err)
	}

	result, _ := record.Result()
	return result, nil
}

func (s *StateMachine[S]) run(ctx context.Context, tsc *scope.Scope, name string) error {
	if err := s.hooks.Call(ctx, hooks.BeforeTransition, tsc); err != nil {
		return err
	}
	if s.hooks.Has(name) {
		if err := s.hooks.Call(ctx, name, tsc); err != nil {
			return err
		}
	}
	return s.hooks.Call(ctx, hooks.AfterTransition, tsc)
}

func (s *StateMachine[S]) fail(ctx context.Context, tsc *scope.Scope, name string, record *TransitionRecord, cause error) error {
	wrapped := s.transitionError(name, record, cause)
	_ = scope.Provide[error](tsc, wrapped)

	if err := s.hooks.Call(ctx, hooks.Error, tsc); err != nil {
		s.logger.Warn("state machine %s onError hook failed for %s: %v", s.name, name, err)
	}
	return wrapped
}

func (s *StateMachine[S]) transitionError(name string, record *TransitionRecord, cause error) error {
	var wrapped error = cause
	if !IsTransitionError(cause) {
		wrapped = operation.NewError(operation.KindTransition, "", cause, map[string]any{
			"machine":    s.name,
			"transition": name,
			"from":       record.From(),
			"to":         record.To(),
		})
	}
	if !record.Resolved() {
		_ = record.Fail(wrapped)
	}
	return wrapped
}
