package hooks

import (
	"context"
	"sync"

	"github.com/goliatone/go-lifecycle/runner"
	"github.com/goliatone/go-lifecycle/scope"
)

// Handle is a single extension point bound to a snapshot of its handlers.
// Interrupt stops the chain before its next handler and cancels the context
// seen by the handler in flight; it never aborts a running handler.
type Handle struct {
	name     string
	handlers []*entry
	control  *runner.Control

	mu      sync.Mutex
	running bool
}

func newHandle(name string, handlers []*entry) *Handle {
	return &Handle{
		name:     name,
		handlers: handlers,
		control:  runner.NewControl(),
	}
}

func (h *Handle) Name() string {
	return h.name
}

// Len returns how many handlers the handle will run.
func (h *Handle) Len() int {
	return len(h.handlers)
}

// Interrupt cancels the remaining chain. Safe to call from any goroutine
// and more than once.
func (h *Handle) Interrupt() {
	h.control.Interrupt(nil)
}

func (h *Handle) Interrupted() bool {
	return h.control.Interrupted()
}

// Pause holds the chain before its next handler until Resume.
func (h *Handle) Pause()  { h.control.Pause() }
func (h *Handle) Resume() { h.control.Resume() }

// Process runs the handlers in order. An interrupted chain returns nil,
// including when the in-flight handler fails because of the interruption.
func (h *Handle) Process(ctx context.Context, sc *scope.Scope) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = true
	h.mu.Unlock()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	go func() {
		select {
		case <-h.control.Done():
			cancel(h.control.Cause())
		case <-runCtx.Done():
		}
	}()

	for _, e := range h.handlers {
		if err := h.control.WaitIfPaused(runCtx); err != nil {
			if h.Interrupted() {
				return nil
			}
			return err
		}
		if err := invoke(runCtx, h.name, e, sc); err != nil {
			if h.Interrupted() {
				return nil
			}
			return err
		}
		if h.Interrupted() {
			return nil
		}
	}
	return nil
}
