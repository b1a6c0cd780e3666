// Package hooks implements named extension points. Handlers attach to a hook
// name and run in dependency order; ordering constraints reference other
// handlers by id and are resolved whenever the hook's handler set changes.
package hooks

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	apperrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-lifecycle/scope"
)

// Well known hook names.
const (
	Initialize       = "onInitialize"
	BeforeTransition = "onBeforeTransition"
	AfterTransition  = "onAfterTransition"
	Error            = "onError"
	BeforeExecute    = "onBeforeExecute"
	Execute          = "onExecute"
	AfterExecute     = "onAfterExecute"
)

// Handler is one extension attached to a hook. Collaborators are resolved
// from the scope it receives.
type Handler func(ctx context.Context, sc *scope.Scope) error

// Dispatcher invokes every handler registered for a hook name.
type Dispatcher interface {
	Call(ctx context.Context, name string, sc *scope.Scope) error
	Has(name string) bool
}

// Option customizes a single registration.
type Option func(*entry)

// WithID names a registration so others can order against it.
func WithID(id string) Option {
	return func(e *entry) {
		e.id = strings.TrimSpace(id)
	}
}

// Before requires the registration to run before the given ids.
func Before(ids ...string) Option {
	return func(e *entry) {
		e.before = append(e.before, ids...)
	}
}

// After requires the registration to run after the given ids.
func After(ids ...string) Option {
	return func(e *entry) {
		e.after = append(e.after, ids...)
	}
}

type entry struct {
	id      string
	seq     int
	handler Handler
	before  []string
	after   []string
}

// Registry maps hook names to ordered handler lists.
type Registry struct {
	mu      sync.RWMutex
	seq     int
	entries map[string][]*entry
	ordered map[string][]*entry
}

var _ Dispatcher = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string][]*entry),
		ordered: make(map[string][]*entry),
	}
}

// Register attaches handler to the hook name. It fails when the id is
// already taken for that hook or when the constraints form a cycle.
func (r *Registry) Register(name string, handler Handler, opts ...Option) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return apperrors.New("hook name required", apperrors.CategoryBadInput).
			WithTextCode("HOOK_NAME_REQUIRED")
	}
	if handler == nil {
		return apperrors.New("hook handler cannot be nil", apperrors.CategoryBadInput).
			WithTextCode("HOOK_NIL_HANDLER").
			WithMetadata(map[string]any{"hook": name})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	e := &entry{seq: r.seq, handler: handler}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.id == "" {
		e.id = fmt.Sprintf("%s#%d", name, e.seq)
	}

	current := r.entries[name]
	for _, existing := range current {
		if existing.id == e.id {
			return apperrors.New("hook handler id already registered", apperrors.CategoryConflict).
				WithTextCode("HOOK_DUPLICATE_ID").
				WithMetadata(map[string]any{"hook": name, "id": e.id})
		}
	}

	candidate := append(append([]*entry(nil), current...), e)
	ordered, err := order(candidate)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CategoryConflict, "hook ordering constraints form a cycle").
			WithTextCode("HOOK_ORDER_CYCLE").
			WithMetadata(map[string]any{"hook": name, "id": e.id})
	}

	r.entries[name] = candidate
	r.ordered[name] = ordered
	return nil
}

// Has reports whether any handler is registered for name.
func (r *Registry) Has(name string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ordered[name]) > 0
}

// IDs returns the handler ids for name in execution order.
func (r *Registry) IDs(name string) []string {
	handlers := r.snapshot(name)
	ids := make([]string, 0, len(handlers))
	for _, e := range handlers {
		ids = append(ids, e.id)
	}
	return ids
}

// Call runs every handler for name in order and stops at the first error.
func (r *Registry) Call(ctx context.Context, name string, sc *scope.Scope) error {
	for _, e := range r.snapshot(name) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := invoke(ctx, name, e, sc); err != nil {
			return err
		}
	}
	return nil
}

// Handle returns an interruptible handle over the handlers currently
// registered for name.
func (r *Registry) Handle(name string) *Handle {
	return newHandle(name, r.snapshot(name))
}

func (r *Registry) snapshot(name string) []*entry {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*entry(nil), r.ordered[name]...)
}

// order sorts entries topologically. Unknown ids in constraints are
// ignored; ties keep registration order.
func order(entries []*entry) ([]*entry, error) {
	byID := make(map[string]*entry, len(entries))
	for _, e := range entries {
		byID[e.id] = e
	}

	edges := make(map[string]map[string]struct{}, len(entries))
	indegree := make(map[string]int, len(entries))
	addEdge := func(from, to string) {
		if _, ok := byID[from]; !ok {
			return
		}
		if _, ok := byID[to]; !ok {
			return
		}
		if edges[from] == nil {
			edges[from] = make(map[string]struct{})
		}
		if _, dup := edges[from][to]; dup {
			return
		}
		edges[from][to] = struct{}{}
		indegree[to]++
	}
	for _, e := range entries {
		for _, id := range e.before {
			addEdge(e.id, id)
		}
		for _, id := range e.after {
			addEdge(id, e.id)
		}
	}

	var ready []*entry
	for _, e := range entries {
		if indegree[e.id] == 0 {
			ready = append(ready, e)
		}
	}

	out := make([]*entry, 0, len(entries))
	for len(ready) > 0 {
		sort.SliceStable(ready, func(i, j int) bool { return ready[i].seq < ready[j].seq })
		next := ready[0]
		ready = ready[1:]
		out = append(out, next)
		for to := range edges[next.id] {
			indegree[to]--
			if indegree[to] == 0 {
				ready = append(ready, byID[to])
			}
		}
	}

	if len(out) != len(entries) {
		return nil, fmt.Errorf("cycle detected among %d handlers", len(entries)-len(out))
	}
	return out, nil
}
