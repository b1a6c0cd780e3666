// Package cron runs registered commands on cron schedules or after a delay.
// Every run builds a fresh command from the registry and drives it through a
// runner.Handler, so timeouts, retries and run limits apply per job.
package cron

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	apperrors "github.com/goliatone/go-errors"
	rcron "github.com/robfig/cron/v3"

	command "github.com/goliatone/go-lifecycle"
	"github.com/goliatone/go-lifecycle/flow"
	"github.com/goliatone/go-lifecycle/registry"
	"github.com/goliatone/go-lifecycle/runner"
	"github.com/goliatone/go-lifecycle/scope"
)

// Scheduler wraps cron functionality.
type Scheduler struct {
	mu           sync.Mutex
	cron         *rcron.Cron
	cronLogger   rcron.Logger
	location     *time.Location
	errorHandler func(error)

	registry       *registry.Registry
	owner          *scope.Scope
	commandOptions []command.Option
	retryStrategy  runner.RetryStrategy

	logger   flow.Logger
	parser   Parser
	logLevel LogLevel

	maxConcurrent int
	pool          pond.Pool
	poolOnce      sync.Once

	ctx    context.Context
	cancel context.CancelCauseFunc

	nextHandleID int64
	handles      map[int64]*cronSubscription
}

// ErrSchedulerStopped is the cause handed to runs still in flight on Stop.
var ErrSchedulerStopped = apperrors.New("scheduler stopped", apperrors.CategoryConflict).
	WithTextCode("SCHEDULER_STOPPED")

// NewScheduler creates a scheduler that builds commands from reg under
// owner. A nil reg uses registry.Default().
func NewScheduler(reg *registry.Registry, owner *scope.Scope, opts ...Option) (*Scheduler, error) {
	if owner == nil {
		return nil, scope.ErrNilScope
	}
	if reg == nil {
		reg = registry.Default()
	}

	s := &Scheduler{
		registry: reg,
		owner:    owner,
		location: time.Local,
		parser:   DefaultParser,
		logLevel: LogLevelError,
		handles:  make(map[int64]*cronSubscription),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = flow.NopLogger{}
	}
	if s.errorHandler == nil {
		s.errorHandler = func(err error) {
			s.logger.Error("scheduled command error: %v", err)
		}
	}

	if s.maxConcurrent > 0 {
		s.pool = pond.NewPool(s.maxConcurrent)
	}
	s.ctx, s.cancel = context.WithCancelCause(context.Background())
	s.cron = rcron.New(s.build()...)
	return s, nil
}

// ScheduleCommand runs the command registered under code on every tick of
// cfg.Expression. params is decoded into the command params on each run.
func (s *Scheduler) ScheduleCommand(cfg JobConfig, code string, params json.RawMessage) (Handle, error) {
	if strings.TrimSpace(cfg.Expression) == "" {
		return nil, apperrors.New("cron expression cannot be empty", apperrors.CategoryBadInput).
			WithTextCode("SCHEDULE_EXPRESSION_REQUIRED")
	}
	if err := s.checkCode(code); err != nil {
		return nil, err
	}

	sub := s.newHandle(code)
	h := s.handler(sub, cfg)

	job := rcron.FuncJob(func() {
		if sub.closed() {
			return
		}
		sub.setStatus(ScheduleStatusRunning, nil)
		if err := s.run(h, sub, params); err != nil {
			sub.setStatus(ScheduleStatusFailed, err)
			return
		}
		if cfg.RunOnce {
			s.complete(sub)
			return
		}
		sub.setStatus(ScheduleStatusIdle, nil)
	})

	s.storeHandle(sub)
	wrapped := rcron.NewChain(rcron.SkipIfStillRunning(s.cronLogger)).Then(job)
	entryID, err := s.cron.AddJob(cfg.Expression, wrapped)
	if err != nil {
		s.removeStoredHandle(sub.id)
		return nil, apperrors.Wrap(err, apperrors.CategoryBadInput, "failed to add job").
			WithTextCode("SCHEDULE_EXPRESSION_INVALID").
			WithMetadata(map[string]any{"expression": cfg.Expression, "code": code})
	}

	s.mu.Lock()
	_, active := s.handles[sub.id]
	if active {
		sub.entryID = int(entryID)
	}
	s.mu.Unlock()
	if !active {
		// finished or canceled before the entry was recorded
		s.cron.Remove(entryID)
	}

	s.logger.Debug("scheduled command %s with %q", code, cfg.Expression)
	return sub, nil
}

// ScheduleAfter runs the command registered under code once, after delay.
// cfg.Expression is ignored.
func (s *Scheduler) ScheduleAfter(delay time.Duration, cfg JobConfig, code string, params json.RawMessage) (Handle, error) {
	if delay < 0 {
		delay = 0
	}
	if err := s.checkCode(code); err != nil {
		return nil, err
	}

	sub := s.newHandle(code)
	h := s.handler(sub, cfg)
	s.storeHandle(sub)

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-sub.Done():
			return
		case <-s.ctx.Done():
			return
		}

		if sub.closed() {
			return
		}
		sub.setStatus(ScheduleStatusRunning, nil)
		err := s.run(h, sub, params)
		s.removeStoredHandle(sub.id)
		if err != nil {
			sub.setTerminal(ScheduleStatusFailed, err)
			return
		}
		sub.setTerminal(ScheduleStatusCompleted, nil)
	}()

	return sub, nil
}

// Start begins executing scheduled cron jobs.
func (s *Scheduler) Start(_ context.Context) error {
	s.cron.Start()
	return nil
}

// Stop halts the cron engine, fails runs still in flight and marks active
// handles as stopped. It waits for running jobs until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel(ErrSchedulerStopped)
	stopped := s.cron.Stop()

	var handles []*cronSubscription
	var entries []rcron.EntryID
	s.mu.Lock()
	for _, handle := range s.handles {
		handles = append(handles, handle)
		if handle.entryID > 0 {
			entries = append(entries, rcron.EntryID(handle.entryID))
		}
	}
	s.handles = make(map[int64]*cronSubscription)
	s.mu.Unlock()

	for _, id := range entries {
		s.cron.Remove(id)
	}
	for _, handle := range handles {
		handle.setTerminal(ScheduleStatusStopped, nil)
	}

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		<-stopped.Done()
		if s.pool != nil {
			s.poolOnce.Do(func() { s.pool.StopAndWait() })
		}
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handles returns the active handles.
func (s *Scheduler) Handles() []Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Handle, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, h)
	}
	return out
}

func (s *Scheduler) checkCode(code string) error {
	if s.registry.Has(code) {
		return nil
	}
	return apperrors.New("unknown command code", apperrors.CategoryBadInput).
		WithTextCode("SCHEDULE_UNKNOWN_CODE").
		WithMetadata(map[string]any{"code": code})
}

func (s *Scheduler) handler(sub *cronSubscription, cfg JobConfig) *runner.Handler {
	opts := []runner.Option{
		runner.WithMaxRetries(cfg.MaxRetries),
		runner.WithDeadline(cfg.Deadline),
		runner.WithRunOnce(cfg.RunOnce),
		runner.WithErrorHandler(s.errorHandler),
		runner.WithLogger(flow.WithLoggerFields(s.logger, map[string]any{"code": sub.code})),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, runner.WithTimeout(cfg.Timeout))
	}
	if cfg.MaxRuns > 0 {
		opts = append(opts,
			runner.WithMaxRuns(cfg.MaxRuns),
			runner.WithDoneHandler(func(*runner.Handler) { s.complete(sub) }),
		)
	}
	if s.retryStrategy != nil {
		opts = append(opts, runner.WithRetryStrategy(s.retryStrategy))
	}
	return runner.NewHandler(opts...)
}

// run blocks until the run finishes. With a pool the run waits for a free
// worker first.
func (s *Scheduler) run(h *runner.Handler, sub *cronSubscription, params json.RawMessage) error {
	runNow := func() error {
		return h.Run(s.ctx, func(ctx context.Context) error {
			return s.execute(ctx, sub, params)
		})
	}
	if s.pool == nil {
		return runNow()
	}

	var err error
	if perr := s.pool.Submit(func() { err = runNow() }).Wait(); perr != nil {
		return perr
	}
	return err
}

// execute builds and runs one command. The engine imposes no timeout, so
// when ctx ends before the command settles the command is failed here.
func (s *Scheduler) execute(ctx context.Context, sub *cronSubscription, params json.RawMessage) error {
	entity, err := s.registry.New(s.owner, sub.code, params, s.commandOptions...)
	if err != nil {
		return err
	}
	sub.setLast(entity)

	err = entity.Execute(ctx)
	select {
	case <-entity.Done():
		return err
	default:
	}

	cause := apperrors.Wrap(context.Cause(ctx), apperrors.CategoryHandler, "command did not settle in time").
		WithTextCode("SCHEDULE_RUN_EXPIRED").
		WithMetadata(map[string]any{"command_id": entity.ID(), "code": entity.Code()})
	if ferr := entity.Fail(context.WithoutCancel(ctx), cause); ferr != nil {
		s.logger.Warn("failing expired command %s: %v", entity.ID(), ferr)
	}
	<-entity.Done()
	return entity.Err()
}

func (s *Scheduler) complete(sub *cronSubscription) {
	s.removeHandle(sub.id)
	sub.setTerminal(ScheduleStatusCompleted, nil)
}

func (s *Scheduler) removeHandle(id int64) {
	if entryID := s.removeStoredHandle(id); entryID > 0 {
		s.cron.Remove(rcron.EntryID(entryID))
	}
}

// removeStoredHandle forgets the handle and returns its cron entry id.
func (s *Scheduler) removeStoredHandle(id int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle, ok := s.handles[id]
	if !ok {
		return 0
	}
	delete(s.handles, id)
	return handle.entryID
}

func (s *Scheduler) storeHandle(handle *cronSubscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[handle.id] = handle
}

func (s *Scheduler) newHandle(code string) *cronSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandleID++
	return &cronSubscription{
		scheduler: s,
		id:        s.nextHandleID,
		code:      code,
		status:    ScheduleStatusScheduled,
		done:      make(chan struct{}),
	}
}

// build converts scheduler options to rcron options.
func (s *Scheduler) build() []rcron.Option {
	opts := make([]rcron.Option, 0, 4)

	if s.location != nil {
		opts = append(opts, rcron.WithLocation(s.location))
	}

	switch s.parser {
	case StandardParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	case SecondsParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Second|rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	}

	opts = append(opts, rcron.WithChain(
		rcron.Recover(&errorHandlerAdapter{handler: s.errorHandler}),
	))

	s.cronLogger = rcron.DiscardLogger
	if s.logLevel > LogLevelSilent {
		s.cronLogger = &loggerAdapter{logger: s.logger, level: s.logLevel}
	}
	opts = append(opts, rcron.WithLogger(s.cronLogger))

	return opts
}
