package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	command "github.com/goliatone/go-lifecycle"
	"github.com/goliatone/go-lifecycle/hooks"
	"github.com/goliatone/go-lifecycle/operation"
	"github.com/goliatone/go-lifecycle/registry"
	"github.com/goliatone/go-lifecycle/scope"
)

type tickParams struct {
	Label string `json:"label"`
}

func (tickParams) Type() string { return "tick" }

// newRegistry registers tick with an execute hook running fn.
func newRegistry(t *testing.T, fn hooks.Handler) *registry.Registry {
	t.Helper()
	ext := hooks.NewRegistry()
	require.NoError(t, ext.Register(hooks.Execute, fn))
	reg := registry.NewRegistry()
	require.NoError(t, registry.Register[tickParams, string](reg, registry.WithExtensions(ext)))
	return reg
}

func completing(count *atomic.Int32) hooks.Handler {
	return func(ctx context.Context, sc *scope.Scope) error {
		count.Add(1)
		cmd, ok := command.From[tickParams, string](sc)
		if !ok {
			return errors.New("command not bound")
		}
		return cmd.Complete(ctx, "tick "+cmd.Params().Label)
	}
}

func newScheduler(t *testing.T, reg *registry.Registry, opts ...Option) *Scheduler {
	t.Helper()
	s, err := NewScheduler(reg, scope.New("scheduler"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func waitDone(t *testing.T, h Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("expected handle completion")
	}
}

func TestScheduleAfterRunsCommand(t *testing.T) {
	var count atomic.Int32
	s := newScheduler(t, newRegistry(t, completing(&count)))

	handle, err := s.ScheduleAfter(20*time.Millisecond, JobConfig{}, "tick", []byte(`{"label":"a"}`))
	require.NoError(t, err)
	assert.Equal(t, ScheduleStatusScheduled, handle.Status())
	assert.Equal(t, "tick", handle.Code())

	waitDone(t, handle)
	assert.Equal(t, int32(1), count.Load())
	assert.Equal(t, ScheduleStatusCompleted, handle.Status())
	require.NoError(t, handle.Err())

	last := handle.Last()
	require.NotNil(t, last)
	assert.Equal(t, command.StatusCompleted, last.Status())
	typed, ok := last.(*command.Command[tickParams, string])
	require.True(t, ok)
	result, _ := typed.Result()
	assert.Equal(t, "tick a", result)
	assert.Empty(t, s.Handles())
}

func TestScheduleAfterFailsCommandOnTimeout(t *testing.T) {
	reg := newRegistry(t, func(ctx context.Context, _ *scope.Scope) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s := newScheduler(t, reg)

	handle, err := s.ScheduleAfter(0, JobConfig{Timeout: 50 * time.Millisecond}, "tick", nil)
	require.NoError(t, err)
	waitDone(t, handle)

	assert.Equal(t, ScheduleStatusFailed, handle.Status())
	require.Error(t, handle.Err())

	last := handle.Last()
	require.NotNil(t, last)
	assert.Equal(t, command.StatusFailed, last.Status())
	assert.True(t, operation.IsKind(last.Err(), operation.KindExecution))
	assert.ErrorIs(t, last.Err(), context.DeadlineExceeded)
	assert.Contains(t, last.Err().Error(), "did not settle")
}

func TestScheduleAfterRetriesWithFreshCommands(t *testing.T) {
	var count atomic.Int32
	seen := make(chan string, 8)
	reg := newRegistry(t, func(_ context.Context, sc *scope.Scope) error {
		count.Add(1)
		if e, ok := command.Current(sc); ok {
			seen <- e.ID()
		}
		return errors.New("boom")
	})

	var handled atomic.Int32
	s := newScheduler(t, reg, WithErrorHandler(func(error) { handled.Add(1) }))

	handle, err := s.ScheduleAfter(0, JobConfig{MaxRetries: 2}, "tick", nil)
	require.NoError(t, err)
	waitDone(t, handle)

	assert.Equal(t, int32(3), count.Load())
	assert.Equal(t, ScheduleStatusFailed, handle.Status())
	// two attempt failures and the final one
	assert.Equal(t, int32(3), handled.Load())

	close(seen)
	ids := map[string]bool{}
	for id := range seen {
		ids[id] = true
	}
	assert.Len(t, ids, 3)
}

func TestScheduleAfterCancelPreventsExecution(t *testing.T) {
	var count atomic.Int32
	s := newScheduler(t, newRegistry(t, completing(&count)))

	handle, err := s.ScheduleAfter(200*time.Millisecond, JobConfig{}, "tick", nil)
	require.NoError(t, err)
	handle.Cancel()
	waitDone(t, handle)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(0), count.Load())
	assert.Equal(t, ScheduleStatusCanceled, handle.Status())
	assert.Nil(t, handle.Last())

	handle.Cancel()
	assert.Equal(t, ScheduleStatusCanceled, handle.Status())
}

func TestScheduleCommandStopsAfterMaxRuns(t *testing.T) {
	var count atomic.Int32
	s := newScheduler(t, newRegistry(t, completing(&count)), WithParser(SecondsParser))

	handle, err := s.ScheduleCommand(JobConfig{Expression: "@every 1s", MaxRuns: 1}, "tick", nil)
	require.NoError(t, err)
	require.Len(t, s.Handles(), 1)
	require.NoError(t, s.Start(context.Background()))

	waitDone(t, handle)
	assert.Equal(t, ScheduleStatusCompleted, handle.Status())
	assert.Equal(t, int32(1), count.Load())
	assert.Empty(t, s.Handles())
}

func TestScheduleCommandCancel(t *testing.T) {
	var count atomic.Int32
	s := newScheduler(t, newRegistry(t, completing(&count)))

	handle, err := s.ScheduleCommand(JobConfig{Expression: "@every 1s"}, "tick", nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return count.Load() > 0 }, 3*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool { return handle.Status() == ScheduleStatusIdle }, time.Second, 10*time.Millisecond)

	handle.Cancel()
	waitDone(t, handle)
	assert.Equal(t, ScheduleStatusCanceled, handle.Status())
	assert.Empty(t, s.Handles())
}

func TestStopMarksHandlesStopped(t *testing.T) {
	var count atomic.Int32
	s := newScheduler(t, newRegistry(t, completing(&count)))

	recurring, err := s.ScheduleCommand(JobConfig{Expression: "@every 5s"}, "tick", nil)
	require.NoError(t, err)
	delayed, err := s.ScheduleAfter(time.Hour, JobConfig{}, "tick", nil)
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop(context.Background()))

	for _, h := range []Handle{recurring, delayed} {
		waitDone(t, h)
		assert.Equal(t, ScheduleStatusStopped, h.Status())
	}
	assert.Equal(t, int32(0), count.Load())
}

func TestScheduleValidation(t *testing.T) {
	var count atomic.Int32
	s := newScheduler(t, newRegistry(t, completing(&count)))

	_, err := s.ScheduleCommand(JobConfig{}, "tick", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SCHEDULE_EXPRESSION_REQUIRED")

	_, err = s.ScheduleCommand(JobConfig{Expression: "not a cron"}, "tick", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SCHEDULE_EXPRESSION_INVALID")

	_, err = s.ScheduleCommand(JobConfig{Expression: "@every 1s"}, "missing", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SCHEDULE_UNKNOWN_CODE")

	_, err = s.ScheduleAfter(0, JobConfig{}, "missing", nil)
	require.Error(t, err)

	_, err = NewScheduler(nil, nil)
	assert.ErrorIs(t, err, scope.ErrNilScope)
}

func TestBadParamsFailTheRun(t *testing.T) {
	var count atomic.Int32
	s := newScheduler(t, newRegistry(t, completing(&count)))

	handle, err := s.ScheduleAfter(0, JobConfig{}, "tick", []byte(`{"label":`))
	require.NoError(t, err)
	waitDone(t, handle)

	assert.Equal(t, ScheduleStatusFailed, handle.Status())
	assert.Contains(t, handle.Err().Error(), "invalid command params")
	assert.Nil(t, handle.Last())
	assert.Equal(t, int32(0), count.Load())
}

func TestMaxConcurrentBoundsRuns(t *testing.T) {
	var active, peak, count atomic.Int32
	reg := newRegistry(t, func(ctx context.Context, sc *scope.Scope) error {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		active.Add(-1)
		count.Add(1)

		cmd, ok := command.From[tickParams, string](sc)
		if !ok {
			return errors.New("command not bound")
		}
		return cmd.Complete(ctx, "done")
	})
	s := newScheduler(t, reg, WithMaxConcurrent(1))

	var handles []Handle
	for i := 0; i < 3; i++ {
		h, err := s.ScheduleAfter(0, JobConfig{}, "tick", nil)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		waitDone(t, h)
		assert.Equal(t, ScheduleStatusCompleted, h.Status())
	}
	assert.Equal(t, int32(3), count.Load())
	assert.Equal(t, int32(1), peak.Load())
}
