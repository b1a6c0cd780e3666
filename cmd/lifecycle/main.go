// Command lifecycle runs, inspects and schedules lifecycle commands.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"
	"github.com/goliatone/go-logger/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	command "github.com/goliatone/go-lifecycle"
	"github.com/goliatone/go-lifecycle/config"
	"github.com/goliatone/go-lifecycle/cron"
	"github.com/goliatone/go-lifecycle/flow"
	"github.com/goliatone/go-lifecycle/hooks"
	"github.com/goliatone/go-lifecycle/operation"
	"github.com/goliatone/go-lifecycle/registry"
	"github.com/goliatone/go-lifecycle/scope"
	"github.com/goliatone/go-lifecycle/telemetry"
)

type cli struct {
	LogLevel  string `help:"Log level." default:"info" enum:"trace,debug,info,warn,error"`
	LogFormat string `help:"Log format." default:"console" enum:"console,json"`

	Run      runCmd      `cmd:"" help:"Execute a built-in command and print it as JSON."`
	Inspect  inspectCmd  `cmd:"" help:"Restore a serialized command and print a summary."`
	List     listCmd     `cmd:"" help:"List registered command codes."`
	Schedule scheduleCmd `cmd:"" help:"Run the jobs of a config file until interrupted."`
}

type app struct {
	out      io.Writer
	logger   flow.Logger
	registry *registry.Registry
	metrics  *prometheus.Registry
}

func main() {
	var c cli
	kctx := kong.Parse(&c,
		kong.Name("lifecycle"),
		kong.Description("Run, inspect and schedule lifecycle commands."),
		kong.UsageOnError(),
	)

	a, err := newApp(os.Stdout, newLogger(os.Stderr, c.LogLevel, c.LogFormat))
	kctx.FatalIfErrorf(err)
	kctx.FatalIfErrorf(kctx.Run(a))
}

func newApp(out io.Writer, logger flow.Logger) (*app, error) {
	a := &app{
		out:     out,
		logger:  logger,
		metrics: prometheus.NewRegistry(),
	}

	metrics, err := telemetry.NewMetrics(a.metrics)
	if err != nil {
		return nil, err
	}
	reg, err := builtins(func(ext *hooks.Registry) error {
		if _, err := telemetry.Instrument(ext, telemetry.WithRegisterer(a.metrics)); err != nil {
			return err
		}
		return metrics.Attach(ext)
	})
	if err != nil {
		return nil, err
	}
	a.registry = reg
	return a, nil
}

func newLogger(w io.Writer, level, format string) flow.Logger {
	if strings.EqualFold(format, "json") {
		return flow.NewGlogLogger(glog.NewLogger(
			glog.WithWriter(w),
			glog.WithLoggerTypeJSON(),
			glog.WithLevel(level),
		))
	}
	return flow.NewGlogLogger(glog.NewLogger(
		glog.WithWriter(w),
		glog.WithLevel(level),
	))
}

// owner returns a root scope carrying the app logger.
func (a *app) owner(name string) (*scope.Scope, error) {
	sc := scope.New(name)
	if err := scope.Provide[flow.Logger](sc, a.logger); err != nil {
		return nil, err
	}
	return sc, nil
}

type runCmd struct {
	Code    string        `help:"Command code." default:"greet"`
	Params  string        `help:"Command params as JSON." default:"{}"`
	Timeout time.Duration `help:"Fail the command when it has not settled in time (0 waits forever)."`
	Output  string        `help:"Also write the serialized command to this file." type:"path"`
}

func (r *runCmd) Run(a *app) error {
	owner, err := a.owner("cli")
	if err != nil {
		return err
	}
	defer owner.Destroy()

	entity, err := a.registry.New(owner, r.Code, json.RawMessage(r.Params))
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if r.Timeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, r.Timeout)
		defer stop()
	}

	if err := entity.Execute(ctx); err != nil && ctx.Err() != nil {
		a.logger.Warn("command %s did not settle: %v", entity.ID(), err)
		_ = entity.Fail(context.WithoutCancel(ctx), context.Cause(ctx))
	}
	<-entity.Done()

	raw, err := json.MarshalIndent(entity, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, string(raw))

	if r.Output != "" {
		if err := os.WriteFile(r.Output, raw, 0o644); err != nil {
			return fmt.Errorf("write output file: %w", err)
		}
	}
	return entity.Err()
}

type inspectCmd struct {
	File string `arg:"" help:"Serialized command file." type:"existingfile"`
}

func (i *inspectCmd) Run(a *app) error {
	data, err := os.ReadFile(i.File)
	if err != nil {
		return fmt.Errorf("read command file: %w", err)
	}
	owner, err := a.owner("inspect")
	if err != nil {
		return err
	}
	defer owner.Destroy()

	entity, err := a.registry.Restore(owner, data)
	if err != nil {
		return err
	}
	return summarize(a.out, entity)
}

func summarize(out io.Writer, e command.Entity) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "id\t%s\n", e.ID())
	fmt.Fprintf(w, "code\t%s\n", e.Code())
	fmt.Fprintf(w, "status\t%s\n", e.Status())
	fmt.Fprintf(w, "origin\t%s\n", e.Origin())
	fmt.Fprintf(w, "created\t%s\n", e.CreatedAt().Format(time.RFC3339Nano))
	if t, ok := e.StartedAt(); ok {
		fmt.Fprintf(w, "started\t%s\n", t.Format(time.RFC3339Nano))
	}
	if t, ok := e.EndedAt(); ok {
		fmt.Fprintf(w, "ended\t%s\n", t.Format(time.RFC3339Nano))
	}
	if d, ok := e.Duration(); ok {
		fmt.Fprintf(w, "duration\t%s\n", d)
	}
	if d, ok := e.IdleTime(); ok {
		fmt.Fprintf(w, "idle\t%s\n", d)
	}
	if err := e.Err(); err != nil {
		fmt.Fprintf(w, "error\t%s\n", operation.Title(err))
		fmt.Fprintf(w, "\t%s\n", operation.Description(err))
	}
	return w.Flush()
}

type listCmd struct{}

func (l *listCmd) Run(a *app) error {
	w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	for _, def := range a.registry.Definitions() {
		fmt.Fprintf(w, "%s\t%s\n", def.Code, def.Description)
	}
	return w.Flush()
}

type scheduleCmd struct {
	Config          string        `help:"Path to the YAML or JSON config." type:"existingfile" required:""`
	MetricsAddr     string        `help:"Serve Prometheus metrics on this address."`
	ShutdownTimeout time.Duration `help:"How long to wait for running jobs on shutdown." default:"10s"`
}

func (s *scheduleCmd) Run(a *app) error {
	cfg, err := config.Load(s.Config)
	if err != nil {
		return err
	}
	a.logger = newLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	opts, err := cfg.Scheduler.Options()
	if err != nil {
		return err
	}
	owner, err := a.owner("scheduler")
	if err != nil {
		return err
	}
	defer owner.Destroy()

	scheduler, err := cron.NewScheduler(a.registry, owner, append(opts, cron.WithLogger(a.logger))...)
	if err != nil {
		return err
	}

	handles := make([]cron.Handle, 0, len(cfg.Jobs))
	for _, job := range cfg.Jobs {
		h, err := job.Schedule(scheduler)
		if err != nil {
			return fmt.Errorf("schedule job %s: %w", job.Name, err)
		}
		a.logger.Info("scheduled job %s (%s)", job.Name, job.Code)
		handles = append(handles, h)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if s.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              s.MetricsAddr,
			Handler:           promhttp.HandlerFor(a.metrics, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server: %v", err)
			}
		}()
		defer srv.Shutdown(context.Background())
	}

	if err := scheduler.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down scheduler")
	case <-allDone(handles):
		a.logger.Info("all jobs finished")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.ShutdownTimeout)
	defer cancel()
	return scheduler.Stop(shutdownCtx)
}

func allDone(handles []cron.Handle) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, h := range handles {
			<-h.Done()
		}
	}()
	return done
}
