package command

import (
	"context"

	"github.com/goliatone/go-lifecycle/flow"
	"github.com/goliatone/go-lifecycle/hooks"
	"github.com/goliatone/go-lifecycle/operation"
	"github.com/goliatone/go-lifecycle/scope"
)

// ExecuteOperation names the operation context provided into the execution
// scope for every Execute run.
const ExecuteOperation = "command.execute"

func (c *Command[P, R]) registerTransitions() error {
	steps := []struct {
		name    string
		handler hooks.Handler
	}{
		{hooks.BeforeTransition, c.beforeTransition},
		{flow.TransitionName(string(StatusCreated), string(StatusInitialized)), c.advanceTo(StatusInitialized, EventInit)},
		{flow.TransitionName(string(StatusCreated), string(StatusExecuting)), c.advanceTo(StatusExecuting, EventExecute)},
		{flow.TransitionName(string(StatusInitialized), string(StatusExecuting)), c.advanceTo(StatusExecuting, EventExecute)},
	}
	for _, step := range steps {
		if err := c.private.Register(step.name, step.handler, hooks.WithID("command")); err != nil {
			return err
		}
	}
	return nil
}

func (c *Command[P, R]) beforeTransition(_ context.Context, sc *scope.Scope) error {
	if err := c.checkBinding(); err != nil {
		return err
	}
	if rec, ok := scope.Resolve[*flow.TransitionRecord](sc); ok {
		loggerFrom(sc).Debug("command %s (%s) transition %s -> %s", c.id, c.code, rec.From(), rec.To())
	}
	return nil
}

func (c *Command[P, R]) checkBinding() error {
	if c.owner.Destroyed() || !c.scope.Inherits(c.owner) {
		return bindingError(c.id, c.code, nil)
	}
	return nil
}

func bindingError(id, code string, cause error) error {
	return operation.NewError(operation.KindScopeBinding, "command is not bound to a live owner scope", cause, map[string]any{
		"command_id": id,
		"code":       code,
	})
}

// advanceTo applies a non-terminal status change and emits its event.
func (c *Command[P, R]) advanceTo(to Status, event string) hooks.Handler {
	return func(ctx context.Context, _ *scope.Scope) error {
		c.mu.Lock()
		if !c.status.CanTransitionTo(to) {
			from := c.status
			c.mu.Unlock()
			return invalidTransition(c.id, from, to)
		}
		c.status = to
		switch to {
		case StatusInitialized:
			c.createdAt = c.now()
		case StatusExecuting:
			c.startedAt = c.now()
		}
		c.mu.Unlock()

		c.Emit(ctx, event, nil)
		return nil
	}
}

// Init moves a CREATED command to INITIALIZED. It is a no-op for commands
// already past that point.
func (c *Command[P, R]) Init(ctx context.Context) error {
	status := c.Status()
	switch {
	case status == StatusCreated:
	case status == StatusInitialized, status.Processed():
		return nil
	default:
		return invalidTransition(c.id, status, StatusInitialized)
	}
	_, err := c.machine.Transition(ctx, status, StatusInitialized, nil)
	return err
}

// Execute runs the extension pipeline and waits until the command settles.
// It returns nil when the command completed and its stored error when it
// failed; a failing terminal transition is returned instead. Calls on a
// running command wait for the same run. When ctx ends first, ctx.Err() is
// returned and the command is left running.
//
// Restored commands are never completed by the pipeline itself: once their
// hooks return without settling, Execute returns nil and the command stays
// EXECUTING until Complete or Fail is called. Execute called from one of the
// command's own hooks returns nil at once.
func (c *Command[P, R]) Execute(ctx context.Context) error {
	if running, _ := ctx.Value(pipelineKey{}).(*Command[P, R]); running == c {
		return nil
	}

	if !c.IsProcessed() && c.started.CompareAndSwap(false, true) {
		go c.run(context.WithoutCancel(ctx))
	}

	select {
	case <-c.settled:
		return c.outcome()
	case <-c.pipelineDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	// another caller is finalizing, wait for it
	if c.finalizing.Load() {
		select {
		case <-c.settled:
			return c.outcome()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *Command[P, R]) outcome() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.fatal != nil {
		return c.fatal
	}
	if c.status == StatusFailed {
		return c.err
	}
	return nil
}

// pipelineKey marks contexts derived from a running pipeline.
type pipelineKey struct{}

func (c *Command[P, R]) run(ctx context.Context) {
	defer close(c.pipelineDone)
	defer func() {
		if r := recover(); r != nil {
			_ = c.Fail(ctx, panicError(c.id, c.code, r))
		}
	}()

	ctx = context.WithValue(ctx, pipelineKey{}, c)
	if err := c.pipeline(ctx); err != nil {
		_ = c.Fail(ctx, operation.Wrap(operation.KindExecution, err))
	}
}

func (c *Command[P, R]) pipeline(ctx context.Context) error {
	if err := c.checkBinding(); err != nil {
		return err
	}

	op := operation.New[R](ExecuteOperation, map[string]any{
		"command_id": c.id,
		"code":       c.code,
	})
	if err := scope.Provide(c.scope, op); err != nil {
		return err
	}

	handles := []*hooks.Handle{
		c.extensions.Handle(hooks.BeforeExecute),
		c.extensions.Handle(hooks.Execute),
		c.extensions.Handle(hooks.AfterExecute),
	}
	interrupt := func(context.Context, Event) {
		for _, h := range handles {
			h.Interrupt()
		}
	}
	offComplete := c.Once(EventComplete, interrupt)
	defer offComplete()
	offFail := c.Once(EventFail, interrupt)
	defer offFail()

	if status := c.Status(); status != StatusExecuting {
		if _, err := c.machine.Transition(ctx, status, StatusExecuting, nil); err != nil {
			return err
		}
	}

	for _, h := range handles {
		if c.IsProcessed() {
			return nil
		}
		if err := h.Process(ctx, c.scope); err != nil {
			return err
		}
	}

	if c.origin != OriginInvoked || c.IsProcessed() {
		return nil
	}

	// hooks may report through the operation instead of calling Complete
	if err := op.Err(); err != nil {
		return err
	}
	result, ok := op.Result()
	_ = c.complete(ctx, result, ok)
	return nil
}

// Complete stores result and settles the command as COMPLETED. Calls on a
// processed command are no-ops.
func (c *Command[P, R]) Complete(ctx context.Context, result R) error {
	return c.complete(ctx, result, true)
}

func (c *Command[P, R]) complete(ctx context.Context, result R, hasResult bool) error {
	if c.IsProcessed() || !c.finalizing.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	from := c.status
	c.status = StatusCompleted
	c.result = result
	c.hasResult = hasResult
	c.endedAt = c.now()
	c.mu.Unlock()

	return c.finish(ctx, from, StatusCompleted, EventComplete, result)
}

// Fail stores err and settles the command as FAILED. Errors outside the
// lifecycle vocabulary are wrapped as execution errors; a nil err records a
// bare execution error. Calls on a processed command are no-ops.
func (c *Command[P, R]) Fail(ctx context.Context, err error) error {
	if c.IsProcessed() || !c.finalizing.CompareAndSwap(false, true) {
		return nil
	}

	if err == nil {
		err = operation.NewError(operation.KindExecution, "", nil, map[string]any{
			"command_id": c.id,
		})
	}
	err = operation.Wrap(operation.KindExecution, err)

	c.mu.Lock()
	from := c.status
	c.status = StatusFailed
	c.err = err
	c.endedAt = c.now()
	c.mu.Unlock()

	_ = scope.Provide[error](c.scope, err)
	return c.finish(ctx, from, StatusFailed, EventFail, err)
}

// finish runs the terminal transition, notifies listeners and releases the
// execution scope. The status is already terminal when it runs.
func (c *Command[P, R]) finish(ctx context.Context, from, to Status, event string, payload any) error {
	ctx = context.WithoutCancel(ctx)

	_, terr := c.machine.Transition(ctx, from, to, payload)
	c.Emit(ctx, event, payload)

	logger := c.logger()
	if err := c.scope.Destroy(); err != nil {
		logger.Warn("command %s execution scope: %v", c.id, err)
	}

	if terr != nil {
		logger.Error("command %s (%s) failed to finalize as %s: %v", c.id, c.code, to, terr)
		c.mu.Lock()
		c.fatal = terr
		c.mu.Unlock()
	}
	close(c.settled)
	return terr
}
