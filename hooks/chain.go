package hooks

import (
	"context"

	"github.com/goliatone/go-lifecycle/scope"
)

// Chain combines dispatchers; each call runs them in the given order.
func Chain(dispatchers ...Dispatcher) Dispatcher {
	out := make(chain, 0, len(dispatchers))
	for _, d := range dispatchers {
		if d != nil {
			out = append(out, d)
		}
	}
	return out
}

type chain []Dispatcher

func (c chain) Call(ctx context.Context, name string, sc *scope.Scope) error {
	for _, d := range c {
		if !d.Has(name) {
			continue
		}
		if err := d.Call(ctx, name, sc); err != nil {
			return err
		}
	}
	return nil
}

func (c chain) Has(name string) bool {
	for _, d := range c {
		if d.Has(name) {
			return true
		}
	}
	return false
}
