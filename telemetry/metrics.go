package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	command "github.com/goliatone/go-lifecycle"
	"github.com/goliatone/go-lifecycle/hooks"
	"github.com/goliatone/go-lifecycle/scope"
)

// Metrics records settled commands.
type Metrics struct {
	duration *prometheus.HistogramVec
	total    *prometheus.CounterVec
}

// NewMetrics registers the command collectors on r, or on
// prometheus.DefaultRegisterer when r is nil.
func NewMetrics(r prometheus.Registerer) (*Metrics, error) {
	if r == nil {
		r = prometheus.DefaultRegisterer
	}

	duration, err := register(r, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lifecycle_command_duration_seconds",
		Help:    "Duration of settled commands by code and status",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60, 300},
	}, []string{"code", "status"}))
	if err != nil {
		return nil, err
	}

	total, err := register(r, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lifecycle_commands_total",
		Help: "Total number of settled commands by code and status",
	}, []string{"code", "status"}))
	if err != nil {
		return nil, err
	}

	return &Metrics{duration: duration, total: total}, nil
}

// Observe records e if it is processed. Commands that never started count
// without a duration sample.
func (m *Metrics) Observe(e command.Entity) {
	if e == nil || !e.IsProcessed() {
		return
	}
	code, status := e.Code(), e.Status().String()
	m.total.WithLabelValues(code, status).Inc()
	if d, ok := e.Duration(); ok {
		m.duration.WithLabelValues(code, status).Observe(d.Seconds())
	}
}

// Track observes e once it settles. The returned func cancels tracking.
func (m *Metrics) Track(e command.Entity) func() {
	observe := func(context.Context, command.Event) { m.Observe(e) }
	offComplete := e.Once(command.EventComplete, observe)
	offFail := e.Once(command.EventFail, observe)
	return func() {
		offComplete()
		offFail()
	}
}

// Attach tracks every command built with reg as its extensions. Tracking
// starts when the command's machine initializes, on its first transition.
func (m *Metrics) Attach(reg *hooks.Registry) error {
	return reg.Register(hooks.Initialize, func(_ context.Context, sc *scope.Scope) error {
		if e, ok := command.Current(sc); ok {
			m.Track(e)
		}
		return nil
	}, hooks.WithID("metrics"))
}

// Total exposes the settled counter for the given labels.
func (m *Metrics) Total(code string, status command.Status) prometheus.Counter {
	return m.total.WithLabelValues(code, status.String())
}
