// Package registry maps command codes to typed factories so commands can be
// built from raw params or restored from their serialized form without the
// caller knowing their Go types.
package registry

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-errors"

	command "github.com/goliatone/go-lifecycle"
	"github.com/goliatone/go-lifecycle/hooks"
	"github.com/goliatone/go-lifecycle/scope"
)

// Definition describes a registered command.
type Definition struct {
	Code        string
	Description string
}

type definition struct {
	Definition
	extensions *hooks.Registry
	defaults   []command.Option

	build   func(owner *scope.Scope, params json.RawMessage, opts []command.Option) (command.Entity, error)
	restore func(owner *scope.Scope, data []byte, opts []command.Option) (command.Entity, error)
}

// Option customizes a registration.
type Option func(*definition)

// WithCode registers under code instead of the one derived from P.
func WithCode(code string) Option {
	return func(d *definition) {
		d.Code = strings.TrimSpace(code)
	}
}

func WithDescription(desc string) Option {
	return func(d *definition) {
		d.Description = desc
	}
}

// WithExtensions shares reg across every command built for the code.
func WithExtensions(reg *hooks.Registry) Option {
	return func(d *definition) {
		d.extensions = reg
	}
}

// WithCommandOptions adds options applied to every command built for the
// code, before the per-call ones.
func WithCommandOptions(opts ...command.Option) Option {
	return func(d *definition) {
		d.defaults = append(d.defaults, opts...)
	}
}

// Registry holds command factories by code.
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]*definition
}

func NewRegistry() *Registry {
	return &Registry{
		definitions: make(map[string]*definition),
	}
}

var (
	globalMu       sync.RWMutex
	globalRegistry = NewRegistry()
)

// Default returns the process wide registry.
func Default() *Registry {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalRegistry
}

// WithTestRegistry swaps the default registry for a fresh one while fn runs.
func WithTestRegistry(fn func(r *Registry)) {
	globalMu.Lock()
	old := globalRegistry
	globalRegistry = NewRegistry()
	current := globalRegistry
	globalMu.Unlock()

	defer func() {
		globalMu.Lock()
		globalRegistry = old
		globalMu.Unlock()
	}()
	fn(current)
}

// Register binds the code of P to a factory for Command[P, R].
func Register[P any, R any](r *Registry, opts ...Option) error {
	if r == nil {
		return errors.New("registry cannot be nil", errors.CategoryBadInput).
			WithTextCode("REGISTRY_NIL")
	}

	d := &definition{Definition: Definition{Code: command.CodeOf[P]()}}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if d.Code == "" {
		return errors.New("command code required", errors.CategoryBadInput).
			WithTextCode("REGISTRY_CODE_REQUIRED")
	}

	d.build = func(owner *scope.Scope, raw json.RawMessage, opts []command.Option) (command.Entity, error) {
		var params P
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &params); err != nil {
				return nil, errors.Wrap(err, errors.CategoryBadInput, "invalid command params").
					WithTextCode("REGISTRY_PARAMS_INVALID").
					WithMetadata(map[string]any{"code": d.Code})
			}
		}
		return command.New[P, R](owner, params, opts...)
	}
	d.restore = func(owner *scope.Scope, data []byte, opts []command.Option) (command.Entity, error) {
		return command.Restore[P, R](owner, data, opts...)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.definitions[d.Code]; exists {
		return errors.New("command code already registered", errors.CategoryConflict).
			WithTextCode("REGISTRY_DUPLICATE_CODE").
			WithMetadata(map[string]any{"code": d.Code})
	}
	r.definitions[d.Code] = d
	return nil
}

// New builds a fresh command for code from its JSON params.
func (r *Registry) New(owner *scope.Scope, code string, params json.RawMessage, opts ...command.Option) (command.Entity, error) {
	d, err := r.lookup(code)
	if err != nil {
		return nil, err
	}
	return d.build(owner, params, d.options(opts))
}

// Restore rebuilds a serialized command, reading its code from data.
func (r *Registry) Restore(owner *scope.Scope, data []byte, opts ...command.Option) (command.Entity, error) {
	code, err := command.PeekCode(data)
	if err != nil {
		return nil, err
	}
	d, err := r.lookup(code)
	if err != nil {
		return nil, err
	}
	return d.restore(owner, data, d.options(opts))
}

func (r *Registry) Has(code string) bool {
	_, err := r.lookup(code)
	return err == nil
}

// Codes returns the registered codes, sorted.
func (r *Registry) Codes() []string {
	defs := r.Definitions()
	codes := make([]string, 0, len(defs))
	for _, d := range defs {
		codes = append(codes, d.Code)
	}
	return codes
}

// Definitions returns every registration sorted by code.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.definitions))
	for _, d := range r.definitions {
		out = append(out, d.Definition)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

func (r *Registry) lookup(code string) (*definition, error) {
	code = strings.TrimSpace(code)
	r.mu.RLock()
	d, ok := r.definitions[code]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.New("unknown command code", errors.CategoryBadInput).
			WithTextCode("REGISTRY_UNKNOWN_CODE").
			WithMetadata(map[string]any{"code": code})
	}
	return d, nil
}

func (d *definition) options(extra []command.Option) []command.Option {
	opts := make([]command.Option, 0, len(d.defaults)+len(extra)+2)
	opts = append(opts, command.WithCode(d.Code))
	if d.extensions != nil {
		opts = append(opts, command.WithExtensions(d.extensions))
	}
	opts = append(opts, d.defaults...)
	return append(opts, extra...)
}
