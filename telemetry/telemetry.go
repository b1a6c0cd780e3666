// Package telemetry instruments lifecycle transitions and commands with
// OpenTelemetry spans and Prometheus metrics. Everything attaches through
// hook registries and command listeners; the engine itself stays unaware.
package telemetry

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	command "github.com/goliatone/go-lifecycle"
	"github.com/goliatone/go-lifecycle/flow"
	"github.com/goliatone/go-lifecycle/hooks"
	"github.com/goliatone/go-lifecycle/scope"
)

const (
	instrumentationName = "github.com/goliatone/go-lifecycle"

	outcomeSuccess = "success"
	outcomeError   = "error"
)

// Option customizes the instrumentation.
type Option func(*Instrumentation)

// WithTracerProvider sets the span provider. Defaults to the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(i *Instrumentation) {
		i.provider = tp
	}
}

// WithRegisterer sets where the transition counter is registered. Defaults
// to prometheus.DefaultRegisterer.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(i *Instrumentation) {
		i.registerer = r
	}
}

// Instrumentation traces and counts transitions of every machine that
// dispatches to the instrumented registry.
type Instrumentation struct {
	provider    trace.TracerProvider
	registerer  prometheus.Registerer
	tracer      trace.Tracer
	transitions *prometheus.CounterVec
}

// transitionSpan is provided into the transition scope between the before
// and after/error hooks.
type transitionSpan struct {
	span trace.Span
	once sync.Once
}

// Instrument registers span and counter handlers on reg.
func Instrument(reg *hooks.Registry, opts ...Option) (*Instrumentation, error) {
	if reg == nil {
		return nil, errors.New("telemetry: hook registry cannot be nil")
	}

	i := &Instrumentation{}
	for _, opt := range opts {
		if opt != nil {
			opt(i)
		}
	}
	if i.provider == nil {
		i.provider = otel.GetTracerProvider()
	}
	if i.registerer == nil {
		i.registerer = prometheus.DefaultRegisterer
	}
	i.tracer = i.provider.Tracer(instrumentationName)

	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lifecycle_transitions_total",
		Help: "Total number of lifecycle transitions by from state, to state and outcome",
	}, []string{"from", "to", "outcome"})
	transitions, err := register(i.registerer, counter)
	if err != nil {
		return nil, err
	}
	i.transitions = transitions

	if err := reg.Register(hooks.BeforeTransition, i.start, hooks.WithID("telemetry")); err != nil {
		return nil, err
	}
	if err := reg.Register(hooks.AfterTransition, i.succeed, hooks.WithID("telemetry")); err != nil {
		return nil, err
	}
	if err := reg.Register(hooks.Error, i.fail, hooks.WithID("telemetry")); err != nil {
		return nil, err
	}
	return i, nil
}

// Transitions exposes the counter for the given labels.
func (i *Instrumentation) Transitions(from, to, outcome string) prometheus.Counter {
	return i.transitions.WithLabelValues(from, to, outcome)
}

func (i *Instrumentation) start(ctx context.Context, sc *scope.Scope) error {
	rec, ok := scope.Resolve[*flow.TransitionRecord](sc)
	if !ok {
		return nil
	}

	attrs := []attribute.KeyValue{
		attribute.String("lifecycle.from", rec.From()),
		attribute.String("lifecycle.to", rec.To()),
	}
	if entity, ok := command.Current(sc); ok {
		attrs = append(attrs,
			attribute.String("command.id", entity.ID()),
			attribute.String("command.code", entity.Code()),
		)
	}

	_, span := i.tracer.Start(ctx, "transition."+rec.Name(), trace.WithAttributes(attrs...))
	return scope.Provide(sc, &transitionSpan{span: span})
}

func (i *Instrumentation) succeed(_ context.Context, sc *scope.Scope) error {
	i.finish(sc, nil)
	return nil
}

func (i *Instrumentation) fail(_ context.Context, sc *scope.Scope) error {
	err, _ := scope.Resolve[error](sc)
	if err == nil {
		err = errors.New("transition failed")
	}
	i.finish(sc, err)
	return nil
}

func (i *Instrumentation) finish(sc *scope.Scope, err error) {
	rec, ok := scope.Resolve[*flow.TransitionRecord](sc)
	if !ok {
		return
	}
	ts, hasSpan := scope.Resolve[*transitionSpan](sc)
	if !hasSpan {
		// the transition failed before our onBeforeTransition ran
		i.transitions.WithLabelValues(rec.From(), rec.To(), outcome(err)).Inc()
		return
	}

	ts.once.Do(func() {
		if err != nil {
			ts.span.RecordError(err)
			ts.span.SetStatus(codes.Error, err.Error())
		} else {
			ts.span.SetStatus(codes.Ok, "")
		}
		ts.span.End()
		i.transitions.WithLabelValues(rec.From(), rec.To(), outcome(err)).Inc()
	})
}

func outcome(err error) string {
	if err != nil {
		return outcomeError
	}
	return outcomeSuccess
}

// register adds c to r, reusing an identical collector already there.
func register[C prometheus.Collector](r prometheus.Registerer, c C) (C, error) {
	if err := r.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		var zero C
		return zero, err
	}
	return c, nil
}
