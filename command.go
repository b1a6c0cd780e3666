// Package command implements a lifecycle-managed command entity. A command
// owns a private execution scope and a state machine, drives its params
// through the onBeforeExecute, onExecute and onAfterExecute extension points
// and settles exactly once as COMPLETED or FAILED. Settled commands stay
// readable and serializable.
package command

import (
	"context"
	"encoding/json"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/goliatone/go-lifecycle/flow"
	"github.com/goliatone/go-lifecycle/hooks"
	"github.com/goliatone/go-lifecycle/scope"
)

// Entity is the params and result agnostic view of a command.
type Entity interface {
	ID() string
	Code() string
	Status() Status
	Origin() Origin
	Err() error
	IsProcessed() bool
	CreatedAt() time.Time
	StartedAt() (time.Time, bool)
	EndedAt() (time.Time, bool)
	Duration() (time.Duration, bool)
	IdleTime() (time.Duration, bool)
	Init(ctx context.Context) error
	Execute(ctx context.Context) error
	Fail(ctx context.Context, err error) error
	Done() <-chan struct{}
	On(event string, fn Listener) func()
	Once(event string, fn Listener) func()
	Emit(ctx context.Context, event string, payload any)
	json.Marshaler
}

// Command is a stateful unit of work with params P producing a result R.
type Command[P any, R any] struct {
	id     string
	code   string
	origin Origin
	params P

	owner      *scope.Scope
	scope      *scope.Scope
	machine    *flow.StateMachine[Status]
	private    *hooks.Registry
	extensions *hooks.Registry
	clock      func() time.Time
	events     *emitter

	mu        sync.RWMutex
	status    Status
	result    R
	hasResult bool
	err       error
	fatal     error
	createdAt time.Time
	startedAt time.Time
	endedAt   time.Time

	started      atomic.Bool
	finalizing   atomic.Bool
	settled      chan struct{}
	pipelineDone chan struct{}
}

var _ Entity = (*Command[any, any])(nil)

// Option customizes command construction.
type Option func(*options)

type options struct {
	id         string
	code       string
	extensions *hooks.Registry
	logger     flow.Logger
	clock      func() time.Time
}

// WithID sets the command id instead of generating one.
func WithID(id string) Option {
	return func(o *options) {
		o.id = strings.TrimSpace(id)
	}
}

// WithCode overrides the code derived from the params type.
func WithCode(code string) Option {
	return func(o *options) {
		o.code = strings.TrimSpace(code)
	}
}

// WithExtensions sets the registry holding the command's extension hooks.
// A registry may be shared by many commands.
func WithExtensions(reg *hooks.Registry) Option {
	return func(o *options) {
		o.extensions = reg
	}
}

// WithLogger provides a logger into the execution scope. Without it the
// command uses whatever logger the owner scope chain provides.
func WithLogger(logger flow.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock replaces time.Now for timestamps.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		o.clock = clock
	}
}

func newOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.clock == nil {
		o.clock = time.Now
	}
	if o.extensions == nil {
		o.extensions = hooks.NewRegistry()
	}
	return o
}

// New creates a fresh command bound to owner. Params implementing Validate
// are checked first.
func New[P any, R any](owner *scope.Scope, params P, opts ...Option) (*Command[P, R], error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}

	c, err := build[P, R](owner, params, OriginInvoked, newOptions(opts))
	if err != nil {
		return nil, err
	}

	c.status = StatusCreated
	c.createdAt = c.now()
	return c, nil
}

func build[P any, R any](owner *scope.Scope, params P, origin Origin, o options) (*Command[P, R], error) {
	if owner == nil {
		return nil, scope.ErrNilScope
	}

	code := o.code
	if code == "" {
		code = codeOf(params)
	}
	id := o.id
	if id == "" {
		id = uuid.NewString()
	}

	sc, err := owner.NewChild("command:" + code)
	if err != nil {
		return nil, bindingError(id, code, err)
	}

	c := &Command[P, R]{
		id:           id,
		code:         code,
		origin:       origin,
		params:       params,
		owner:        owner,
		scope:        sc,
		private:      hooks.NewRegistry(),
		extensions:   o.extensions,
		clock:        o.clock,
		events:       newEmitter(),
		settled:      make(chan struct{}),
		pipelineDone: make(chan struct{}),
	}

	if err := c.setup(o.logger); err != nil {
		_ = sc.Destroy()
		return nil, err
	}
	return c, nil
}

func (c *Command[P, R]) setup(logger flow.Logger) error {
	if logger != nil {
		if err := scope.Provide(c.scope, logger); err != nil {
			return err
		}
	}
	if err := c.registerTransitions(); err != nil {
		return err
	}

	machine, err := flow.NewStateMachine[Status](
		c.scope,
		hooks.Chain(c.private, c.extensions),
		flow.WithName[Status]("command:"+c.code),
		flow.WithLogger[Status](c.logger()),
	)
	if err != nil {
		return err
	}
	c.machine = machine

	if err := scope.Provide(c.scope, c); err != nil {
		return err
	}
	return scope.Provide[Entity](c.scope, c)
}

// From resolves the command running in sc, typically inside a hook.
func From[P any, R any](sc *scope.Scope) (*Command[P, R], bool) {
	return scope.Resolve[*Command[P, R]](sc)
}

// Current resolves the command running in sc without knowing its types.
func Current(sc *scope.Scope) (Entity, bool) {
	return scope.Resolve[Entity](sc)
}

func (c *Command[P, R]) ID() string     { return c.id }
func (c *Command[P, R]) Code() string   { return c.code }
func (c *Command[P, R]) Origin() Origin { return c.origin }
func (c *Command[P, R]) Params() P      { return c.params }

// Extensions returns the registry the command dispatches its hooks to.
func (c *Command[P, R]) Extensions() *hooks.Registry {
	return c.extensions
}

func (c *Command[P, R]) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// IsProcessed reports whether the command reached COMPLETED or FAILED.
func (c *Command[P, R]) IsProcessed() bool {
	return c.Status().Processed()
}

// Result returns the stored result and whether one was set.
func (c *Command[P, R]) Result() (R, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.result, c.hasResult
}

func (c *Command[P, R]) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

func (c *Command[P, R]) CreatedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.createdAt
}

func (c *Command[P, R]) StartedAt() (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.startedAt, !c.startedAt.IsZero()
}

func (c *Command[P, R]) EndedAt() (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endedAt, !c.endedAt.IsZero()
}

// Duration is endedAt-startedAt, or the time elapsed since start for a
// running command. It is undefined before the command starts.
func (c *Command[P, R]) Duration() (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.durationLocked()
}

func (c *Command[P, R]) durationLocked() (time.Duration, bool) {
	switch {
	case c.startedAt.IsZero():
		return 0, false
	case c.endedAt.IsZero():
		return c.now().Sub(c.startedAt), true
	default:
		return c.endedAt.Sub(c.startedAt), true
	}
}

// IdleTime is the time between creation and start.
func (c *Command[P, R]) IdleTime() (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.idleTimeLocked()
}

func (c *Command[P, R]) idleTimeLocked() (time.Duration, bool) {
	if c.startedAt.IsZero() || c.createdAt.IsZero() {
		return 0, false
	}
	return c.startedAt.Sub(c.createdAt), true
}

// Done is closed once the command settled and its scope is gone.
func (c *Command[P, R]) Done() <-chan struct{} {
	return c.settled
}

func (c *Command[P, R]) now() time.Time {
	return c.clock().UTC()
}

func (c *Command[P, R]) logger() flow.Logger {
	return loggerFrom(c.scope)
}

func loggerFrom(sc *scope.Scope) flow.Logger {
	if logger, ok := scope.Resolve[flow.Logger](sc); ok && logger != nil {
		return logger
	}
	return flow.NopLogger{}
}

// CodeOf derives the code for params of type P without a value at hand.
func CodeOf[P any]() string {
	var zero P
	t := reflect.TypeOf((*P)(nil)).Elem()
	if t.Kind() == reflect.Ptr {
		return codeOf(reflect.New(t.Elem()).Interface())
	}
	return codeOf(any(zero))
}

// codeOf returns Type() when params implement it, otherwise the snake-cased
// pkg::type_name of the params type.
func codeOf(params any) string {
	if typer, ok := params.(interface{ Type() string }); ok && !IsNilMessage(params) {
		if code := strings.TrimSpace(typer.Type()); code != "" {
			return code
		}
	}

	t := reflect.TypeOf(params)
	if t == nil {
		return "unknown_type"
	}

	typeName := t.String()
	if t.Kind() == reflect.Ptr {
		typeName = typeName[1:]
		t = t.Elem()
	}

	// pkg.Type in String() is replaced by our own pkg:: prefix
	if i := strings.LastIndex(typeName, "."); i >= 0 {
		typeName = typeName[i+1:]
	}

	pkgPath := t.PkgPath()
	if pkgPath != "" {
		parts := strings.Split(pkgPath, "/")
		pkgPath = parts[len(parts)-1]
	}

	txName := toSnakeCase(typeName)
	if pkgPath == "" {
		return txName
	}
	return pkgPath + "::" + txName
}

var snakeBoundary = regexp.MustCompile("([a-z0-9])([A-Z])")

func toSnakeCase(s string) string {
	return strings.ToLower(snakeBoundary.ReplaceAllString(s, "${1}_${2}"))
}
