package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/goliatone/go-errors"
)

type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

type Option func(*Handler)

func WithTimeout(t time.Duration) Option {
	return func(h *Handler) {
		h.timeout = t
	}
}

func WithDeadline(d time.Time) Option {
	return func(h *Handler) {
		h.deadline = d
	}
}

func WithRunOnce(once bool) Option {
	return func(h *Handler) {
		h.runOnce = once
	}
}

func WithMaxRetries(max int) Option {
	return func(h *Handler) {
		if max < 0 {
			max = 0
		}
		h.maxRetries = max
	}
}

func WithMaxRuns(max int) Option {
	return func(h *Handler) {
		h.maxRuns = max
	}
}

func WithErrorHandler(fn func(error)) Option {
	return func(h *Handler) {
		if fn == nil {
			fn = func(error) {}
		}
		h.errorHandler = fn
	}
}

func WithLogger(l Logger) Option {
	return func(h *Handler) {
		h.logger = l
	}
}

func WithDoneHandler(fn func(*Handler)) Option {
	return func(h *Handler) {
		if fn == nil {
			fn = func(*Handler) {}
		}
		h.doneHandler = fn
	}
}

// WithRetryStrategy lets you define a custom retry/backoff approach.
func WithRetryStrategy(s RetryStrategy) Option {
	return func(h *Handler) {
		h.retryStrategy = s
	}
}

// ErrRunSkipped is returned when run limits prevent another run.
var ErrRunSkipped = apperrors.New("run skipped by run limits", apperrors.CategoryConflict).
	WithTextCode("RUN_SKIPPED")

// Handler runs a function with timeout, deadline, retry and run-count
// policies. It is safe for concurrent use.
type Handler struct {
	mu sync.Mutex

	logger        Logger
	errorHandler  func(error)
	doneHandler   func(*Handler)
	retryStrategy RetryStrategy

	runs           int
	successfulRuns int

	maxRuns    int
	maxRetries int
	timeout    time.Duration
	deadline   time.Time
	runOnce    bool
}

// NewHandler constructs a Handler from options, applying defaults if unset.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		errorHandler:  func(error) {},
		doneHandler:   func(*Handler) {},
		retryStrategy: NoDelayStrategy{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Run executes fn, retrying failures up to the configured limit. Each
// attempt receives a context bound by the handler timeout and deadline.
func (h *Handler) Run(ctx context.Context, fn func(context.Context) error) error {
	h.mu.Lock()
	if h.exhausted() {
		h.mu.Unlock()
		return ErrRunSkipped
	}
	maxRetries := h.maxRetries
	strategy := h.retryStrategy
	h.mu.Unlock()

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = h.attempt(ctx, fn)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			break
		}

		if attempt < maxRetries {
			h.handleError(apperrors.Wrap(err, apperrors.CategoryHandler,
				fmt.Sprintf("run failed, attempt %d of %d", attempt+1, maxRetries+1),
			).WithTextCode("RUN_ATTEMPT_FAILED"))

			if strategy != nil {
				if delay := strategy.SleepDuration(attempt, err); delay > 0 {
					select {
					case <-time.After(delay):
					case <-ctx.Done():
					}
				}
			}
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.runs++
	if err == nil {
		h.successfulRuns++
		h.logInfo("run succeeded after %d runs", h.runs)
	} else {
		err = apperrors.Wrap(err, apperrors.CategoryHandler,
			fmt.Sprintf("run failed after %d attempts", maxRetries+1),
		).WithTextCode("RUN_FAILED")
		h.handleError(err)
	}

	if h.maxRuns > 0 && h.successfulRuns >= h.maxRuns {
		h.doneHandler(h)
	}
	return err
}

// Runs returns the total and successful run counts.
func (h *Handler) Runs() (total, successful int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runs, h.successfulRuns
}

func (h *Handler) exhausted() bool {
	if h.runOnce && h.successfulRuns >= 1 {
		return true
	}
	return h.maxRuns > 0 && h.successfulRuns >= h.maxRuns
}

func (h *Handler) attempt(parent context.Context, fn func(context.Context) error) error {
	ctx, cancel := h.contextWithSettings(parent)
	defer cancel()
	return fn(ctx)
}

func (h *Handler) handleError(err error) {
	if h.logger != nil {
		h.logger.Error("runner error: %v", err)
	}
	h.errorHandler(err)
}

func (h *Handler) logInfo(format string, args ...any) {
	if h.logger != nil {
		h.logger.Info(format, args...)
	}
}

func (h *Handler) contextWithSettings(parent context.Context) (context.Context, context.CancelFunc) {
	switch {
	case h.timeout > 0 && !h.deadline.IsZero():
		ctx, cancelTimeout := context.WithTimeout(parent, h.timeout)
		ctxDeadline, cancelDeadline := context.WithDeadline(ctx, h.deadline)
		return ctxDeadline, func() {
			cancelDeadline()
			cancelTimeout()
		}
	case h.timeout > 0:
		return context.WithTimeout(parent, h.timeout)
	case !h.deadline.IsZero():
		return context.WithDeadline(parent, h.deadline)
	default:
		return context.WithCancel(parent)
	}
}
