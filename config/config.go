// Package config loads the lifecycle CLI configuration: logging and the
// commands to schedule.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/goliatone/go-lifecycle/cron"
)

const (
	defaultLogLevel  = "info"
	defaultLogFormat = "console"
)

// Config is the top level configuration document.
type Config struct {
	Version   int       `json:"version" yaml:"version"`
	Log       Log       `json:"log,omitempty" yaml:"log,omitempty"`
	Scheduler Scheduler `json:"scheduler,omitempty" yaml:"scheduler,omitempty"`
	Jobs      []Job     `json:"jobs,omitempty" yaml:"jobs,omitempty"`
}

// Log configures the process logger.
type Log struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

// Scheduler configures the cron engine.
type Scheduler struct {
	Location string `json:"location,omitempty" yaml:"location,omitempty"`
	Parser   string `json:"parser,omitempty" yaml:"parser,omitempty"`
	LogLevel string `json:"log_level,omitempty" yaml:"log_level,omitempty"`
	// MaxConcurrent caps simultaneous runs; zero is unbounded.
	MaxConcurrent int `json:"max_concurrent,omitempty" yaml:"max_concurrent,omitempty"`
}

// Job schedules one registered command. A job with an expression recurs,
// one without runs once after Delay.
type Job struct {
	Name       string         `json:"name" yaml:"name"`
	Code       string         `json:"code" yaml:"code"`
	Expression string         `json:"expression,omitempty" yaml:"expression,omitempty"`
	Delay      time.Duration  `json:"delay,omitempty" yaml:"delay,omitempty"`
	Params     map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	Timeout    time.Duration  `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Deadline   time.Time      `json:"deadline,omitempty" yaml:"deadline,omitempty"`
	MaxRetries int            `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	MaxRuns    int            `json:"max_runs,omitempty" yaml:"max_runs,omitempty"`
	RunOnce    bool           `json:"run_once,omitempty" yaml:"run_once,omitempty"`
}

// Load reads and parses the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes JSON or YAML, applies defaults and validates.
func Parse(data []byte) (Config, error) {
	var cfg Config
	// yaml handles JSON documents too
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

func (c *Config) applyDefaults() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = defaultLogFormat
	}
	for i := range c.Jobs {
		if c.Jobs[i].Name == "" {
			c.Jobs[i].Name = fmt.Sprintf("job-%d", i)
		}
	}
}

// Validate performs basic structural validation.
func (c Config) Validate() error {
	switch strings.ToLower(c.Log.Format) {
	case "", "console", "json":
	default:
		return fmt.Errorf("log format %q not supported", c.Log.Format)
	}
	if _, err := c.Scheduler.parser(); err != nil {
		return err
	}
	if _, err := c.Scheduler.logLevel(); err != nil {
		return err
	}
	if _, err := c.Scheduler.location(); err != nil {
		return err
	}
	if c.Scheduler.MaxConcurrent < 0 {
		return fmt.Errorf("scheduler max_concurrent cannot be negative")
	}

	names := make(map[string]struct{}, len(c.Jobs))
	for idx, job := range c.Jobs {
		if err := job.Validate(); err != nil {
			return fmt.Errorf("jobs[%d]: %w", idx, err)
		}
		if _, dup := names[job.Name]; dup {
			return fmt.Errorf("jobs[%d]: duplicate job name %s", idx, job.Name)
		}
		names[job.Name] = struct{}{}
	}
	return nil
}

// Validate checks required fields for the job.
func (j Job) Validate() error {
	if strings.TrimSpace(j.Code) == "" {
		return fmt.Errorf("code is required for job %s", j.Name)
	}
	if j.Expression != "" && j.Delay > 0 {
		return fmt.Errorf("job %s sets both expression and delay", j.Name)
	}
	if j.Delay < 0 || j.Timeout < 0 {
		return fmt.Errorf("job %s has a negative duration", j.Name)
	}
	if j.MaxRetries < 0 || j.MaxRuns < 0 {
		return fmt.Errorf("job %s has a negative run limit", j.Name)
	}
	return nil
}

// Recurring reports whether the job runs on a cron expression.
func (j Job) Recurring() bool {
	return j.Expression != ""
}

// ParamsJSON encodes the job params for the command registry.
func (j Job) ParamsJSON() (json.RawMessage, error) {
	if len(j.Params) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(j.Params)
	if err != nil {
		return nil, fmt.Errorf("encode params for job %s: %w", j.Name, err)
	}
	return raw, nil
}

// JobConfig maps the job to scheduler run policies.
func (j Job) JobConfig() cron.JobConfig {
	return cron.JobConfig{
		Expression: j.Expression,
		Timeout:    j.Timeout,
		Deadline:   j.Deadline,
		MaxRetries: j.MaxRetries,
		MaxRuns:    j.MaxRuns,
		RunOnce:    j.RunOnce,
	}
}

// Schedule registers the job on s.
func (j Job) Schedule(s *cron.Scheduler) (cron.Handle, error) {
	params, err := j.ParamsJSON()
	if err != nil {
		return nil, err
	}
	if j.Recurring() {
		return s.ScheduleCommand(j.JobConfig(), j.Code, params)
	}
	return s.ScheduleAfter(j.Delay, j.JobConfig(), j.Code, params)
}

// Options maps the scheduler section to cron options.
func (s Scheduler) Options() ([]cron.Option, error) {
	parser, err := s.parser()
	if err != nil {
		return nil, err
	}
	level, err := s.logLevel()
	if err != nil {
		return nil, err
	}
	loc, err := s.location()
	if err != nil {
		return nil, err
	}
	return []cron.Option{
		cron.WithParser(parser),
		cron.WithLogLevel(level),
		cron.WithLocation(loc),
		cron.WithMaxConcurrent(s.MaxConcurrent),
	}, nil
}

func (s Scheduler) parser() (cron.Parser, error) {
	switch strings.ToLower(s.Parser) {
	case "":
		return cron.DefaultParser, nil
	case "standard":
		return cron.StandardParser, nil
	case "seconds":
		return cron.SecondsParser, nil
	default:
		return cron.DefaultParser, fmt.Errorf("scheduler parser %q not supported", s.Parser)
	}
}

func (s Scheduler) logLevel() (cron.LogLevel, error) {
	switch strings.ToLower(s.LogLevel) {
	case "", "error":
		return cron.LogLevelError, nil
	case "silent":
		return cron.LogLevelSilent, nil
	case "info":
		return cron.LogLevelInfo, nil
	case "debug":
		return cron.LogLevelDebug, nil
	default:
		return cron.LogLevelError, fmt.Errorf("scheduler log level %q not supported", s.LogLevel)
	}
}

func (s Scheduler) location() (*time.Location, error) {
	if s.Location == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(s.Location)
	if err != nil {
		return nil, fmt.Errorf("scheduler location: %w", err)
	}
	return loc, nil
}
