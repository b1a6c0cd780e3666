package runner

import (
	"context"
	"errors"
	"sync"
)

// ErrInterrupted is the default cause recorded by Interrupt.
var ErrInterrupted = errors.New("execution interrupted")

// ExecutionControl provides cooperative execution control for handler chains.
type ExecutionControl interface {
	WaitIfPaused(ctx context.Context) error
	Done() <-chan struct{}
	Cause() error
}

// Control is a cooperative interrupt switch. Interrupt never aborts a
// running function; callers check Done or Interrupted between steps.
type Control struct {
	mu sync.RWMutex

	paused   bool
	resumeCh chan struct{}
	doneCh   chan struct{}
	cause    error
}

// NewControl creates a control that can be paused, resumed and interrupted.
func NewControl() *Control {
	return &Control{
		resumeCh: make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// WaitIfPaused blocks while the control is paused. It returns the interrupt
// cause once interrupted, or ctx.Err() when ctx ends first.
func (c *Control) WaitIfPaused(ctx context.Context) error {
	if c == nil {
		return ctx.Err()
	}
	for {
		c.mu.RLock()
		paused := c.paused
		resume := c.resumeCh
		done := c.doneCh
		c.mu.RUnlock()

		if !paused {
			select {
			case <-done:
				return c.Cause()
			default:
				return ctx.Err()
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return c.Cause()
		case <-resume:
		}
	}
}

func (c *Control) Done() <-chan struct{} {
	if c == nil {
		return nil
	}
	return c.doneCh
}

// Interrupted reports whether Interrupt has been called.
func (c *Control) Interrupted() bool {
	if c == nil {
		return false
	}
	select {
	case <-c.doneCh:
		return true
	default:
		return false
	}
}

func (c *Control) Cause() error {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cause
}

// Pause blocks future WaitIfPaused calls until Resume is called.
func (c *Control) Pause() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused || c.isDone() {
		return
	}
	c.paused = true
	c.resumeCh = make(chan struct{})
}

// Resume unblocks waiters created by Pause.
func (c *Control) Resume() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return
	}
	c.paused = false
	close(c.resumeCh)
}

// Interrupt marks the control as done. Only the first call records a cause;
// a nil cause records ErrInterrupted.
func (c *Control) Interrupt(cause error) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isDone() {
		return
	}
	if cause == nil {
		cause = ErrInterrupted
	}
	c.cause = cause
	if c.paused {
		c.paused = false
		close(c.resumeCh)
	}
	close(c.doneCh)
}

func (c *Control) isDone() bool {
	select {
	case <-c.doneCh:
		return true
	default:
		return false
	}
}
