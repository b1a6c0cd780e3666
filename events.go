package command

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Lifecycle events emitted by every command.
const (
	EventInit     = "onInit"
	EventExecute  = "onExecute"
	EventComplete = "onComplete"
	EventFail     = "onFail"
)

// Event is delivered to listeners. Payload is the result for onComplete,
// the error for onFail and whatever the emitter passed for custom events.
type Event struct {
	Name      string
	CommandID string
	Code      string
	Payload   any
}

// Listener handles a command event. Listeners run synchronously on the
// emitting goroutine.
type Listener func(ctx context.Context, evt Event)

type listener struct {
	id   uint64
	fn   Listener
	once bool
}

type emitter struct {
	mu        sync.Mutex
	seq       uint64
	listeners map[string][]*listener
}

func newEmitter() *emitter {
	return &emitter{listeners: make(map[string][]*listener)}
}

func (e *emitter) add(name string, fn Listener, once bool) func() {
	name = strings.TrimSpace(name)
	if name == "" || fn == nil {
		return func() {}
	}

	e.mu.Lock()
	e.seq++
	l := &listener{id: e.seq, fn: fn, once: once}
	e.listeners[name] = append(e.listeners[name], l)
	e.mu.Unlock()

	return func() { e.remove(name, l.id) }
}

func (e *emitter) remove(name string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	current := e.listeners[name]
	for i, l := range current {
		if l.id == id {
			e.listeners[name] = append(current[:i:i], current[i+1:]...)
			return
		}
	}
}

// take returns the listeners for name and drops the once listeners.
func (e *emitter) take(name string) []*listener {
	e.mu.Lock()
	defer e.mu.Unlock()
	current := e.listeners[name]
	if len(current) == 0 {
		return nil
	}
	out := append([]*listener(nil), current...)
	kept := current[:0:0]
	for _, l := range current {
		if !l.once {
			kept = append(kept, l)
		}
	}
	e.listeners[name] = kept
	return out
}

// On subscribes fn to event and returns its unsubscribe func.
func (c *Command[P, R]) On(event string, fn Listener) func() {
	return c.events.add(event, fn, false)
}

// Once subscribes fn for a single delivery of event.
func (c *Command[P, R]) Once(event string, fn Listener) func() {
	return c.events.add(event, fn, true)
}

// Emit delivers event to its listeners in subscription order. A panicking
// listener is logged and does not stop the others.
func (c *Command[P, R]) Emit(ctx context.Context, event string, payload any) {
	evt := Event{
		Name:      event,
		CommandID: c.id,
		Code:      c.code,
		Payload:   payload,
	}
	for _, l := range c.events.take(event) {
		c.deliver(ctx, l, evt)
	}
}

func (c *Command[P, R]) deliver(ctx context.Context, l *listener, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger().Error("command %s listener for %s panicked: %s", c.id, evt.Name, fmt.Sprint(r))
		}
	}()
	l.fn(ctx, evt)
}
