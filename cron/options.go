package cron

import (
	"fmt"
	"time"

	command "github.com/goliatone/go-lifecycle"
	"github.com/goliatone/go-lifecycle/flow"
	"github.com/goliatone/go-lifecycle/runner"
)

// LogLevel filters what the underlying cron engine logs.
type LogLevel int

const (
	LogLevelSilent LogLevel = iota
	LogLevelError
	LogLevelInfo
	LogLevelDebug
)

// Parser represents a cron expression parser type
type Parser int

const (
	DefaultParser Parser = iota
	StandardParser
	SecondsParser
)

// Option defines the functional option type for Scheduler
type Option func(*Scheduler)

// WithLocation sets the timezone location for the scheduler
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		s.location = loc
	}
}

// WithLogger sets the logger used by the scheduler, the cron engine and
// every run handler.
func WithLogger(logger flow.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithLogLevel sets the cron engine logging level
func WithLogLevel(level LogLevel) Option {
	return func(s *Scheduler) {
		s.logLevel = level
	}
}

// WithErrorHandler is called with every failed run and recovered panic.
func WithErrorHandler(handler func(error)) Option {
	return func(s *Scheduler) {
		s.errorHandler = handler
	}
}

// WithParser sets the type of cron expression parser to use
func WithParser(p Parser) Option {
	return func(s *Scheduler) {
		s.parser = p
	}
}

// WithRetryStrategy sets the backoff used between attempts of one run.
func WithRetryStrategy(strategy runner.RetryStrategy) Option {
	return func(s *Scheduler) {
		s.retryStrategy = strategy
	}
}

// WithMaxConcurrent caps how many runs execute at once across all jobs.
// Zero leaves runs unbounded.
func WithMaxConcurrent(n int) Option {
	return func(s *Scheduler) {
		if n < 0 {
			n = 0
		}
		s.maxConcurrent = n
	}
}

// WithCommandOptions are passed to every command the scheduler builds.
func WithCommandOptions(opts ...command.Option) Option {
	return func(s *Scheduler) {
		s.commandOptions = append(s.commandOptions, opts...)
	}
}

// JobConfig defines scheduling and run policies for a job.
type JobConfig struct {
	Expression string
	Timeout    time.Duration
	Deadline   time.Time
	MaxRetries int
	MaxRuns    int
	RunOnce    bool
}

// loggerAdapter adapts flow.Logger to robfig/cron's logger. Cron logs
// key/value pairs, which are turned into logger fields.
type loggerAdapter struct {
	logger flow.Logger
	level  LogLevel
}

func (l *loggerAdapter) Info(msg string, keysAndValues ...any) {
	logger := flow.WithLoggerFields(l.logger, pairs(keysAndValues))
	switch {
	case l.level >= LogLevelDebug:
		logger.Debug(msg)
	case l.level >= LogLevelInfo:
		logger.Info(msg)
	}
}

func (l *loggerAdapter) Error(err error, msg string, keysAndValues ...any) {
	if l.level < LogLevelError {
		return
	}
	fields := pairs(keysAndValues)
	if err != nil {
		if fields == nil {
			fields = map[string]any{}
		}
		fields["error"] = err.Error()
	}
	flow.WithLoggerFields(l.logger, fields).Error(msg)
}

func pairs(kv []any) map[string]any {
	if len(kv) == 0 {
		return nil
	}
	out := make(map[string]any, len(kv)/2+1)
	for i := 0; i < len(kv); i += 2 {
		key := fmt.Sprint(kv[i])
		if i+1 < len(kv) {
			out[key] = kv[i+1]
		} else {
			out[key] = nil
		}
	}
	return out
}

// errorHandlerAdapter adapts a simple error handler function to implement cron.Logger
type errorHandlerAdapter struct {
	handler func(error)
}

func (e *errorHandlerAdapter) Info(string, ...any) {}

func (e *errorHandlerAdapter) Error(err error, msg string, keysAndValues ...any) {
	if e.handler == nil {
		return
	}
	if err != nil {
		e.handler(err)
		return
	}
	e.handler(fmt.Errorf("%s %v", msg, keysAndValues))
}
