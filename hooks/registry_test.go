package hooks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-lifecycle/scope"
)

func recorder(calls *[]string, mu *sync.Mutex, label string) Handler {
	return func(context.Context, *scope.Scope) error {
		mu.Lock()
		defer mu.Unlock()
		*calls = append(*calls, label)
		return nil
	}
}

func TestRegistryKeepsRegistrationOrder(t *testing.T) {
	var (
		calls []string
		mu    sync.Mutex
	)
	r := NewRegistry()
	require.NoError(t, r.Register(Execute, recorder(&calls, &mu, "a")))
	require.NoError(t, r.Register(Execute, recorder(&calls, &mu, "b")))

	require.NoError(t, r.Call(context.Background(), Execute, scope.New("test")))
	assert.Equal(t, []string{"a", "b"}, calls)
}

func TestRegistryHonorsOrderingConstraints(t *testing.T) {
	var (
		calls []string
		mu    sync.Mutex
	)
	r := NewRegistry()
	require.NoError(t, r.Register(Execute, recorder(&calls, &mu, "audit"), WithID("audit"), After("persist")))
	require.NoError(t, r.Register(Execute, recorder(&calls, &mu, "persist"), WithID("persist")))
	require.NoError(t, r.Register(Execute, recorder(&calls, &mu, "validate"), WithID("validate"), Before("persist")))

	assert.Equal(t, []string{"validate", "persist", "audit"}, r.IDs(Execute))

	require.NoError(t, r.Call(context.Background(), Execute, scope.New("test")))
	assert.Equal(t, []string{"validate", "persist", "audit"}, calls)
}

func TestRegistryRejectsCyclesAndDuplicates(t *testing.T) {
	noop := func(context.Context, *scope.Scope) error { return nil }
	r := NewRegistry()
	require.NoError(t, r.Register(Execute, noop, WithID("a"), Before("b")))

	err := r.Register(Execute, noop, WithID("b"), Before("a"))
	require.Error(t, err)
	assert.Equal(t, []string{"a"}, r.IDs(Execute), "failed registration leaves registry untouched")

	assert.Error(t, r.Register(Execute, noop, WithID("a")))
	assert.Error(t, r.Register("", noop))
	assert.Error(t, r.Register(Execute, nil))
}

func TestRegistryCallStopsAtFirstError(t *testing.T) {
	boom := errors.New("boom")
	ran := false
	r := NewRegistry()
	require.NoError(t, r.Register(Execute, func(context.Context, *scope.Scope) error { return boom }))
	require.NoError(t, r.Register(Execute, func(context.Context, *scope.Scope) error { ran = true; return nil }))

	err := r.Call(context.Background(), Execute, scope.New("test"))
	assert.ErrorIs(t, err, boom)
	assert.False(t, ran)
}

func TestRegistryRecoversPanics(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Execute, func(context.Context, *scope.Scope) error {
		panic("kaboom")
	}, WithID("explosive")))

	err := r.Call(context.Background(), Execute, scope.New("test"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestCleanStackTraceDropsPanicFrames(t *testing.T) {
	stack := []byte("goroutine 1 [running]:\n" +
		"runtime/debug.Stack()\n" +
		"panic({0x1, 0x2})\n" +
		"\t/usr/local/go/src/runtime/panic.go:770 +0x132\n" +
		"main.explode()\n" +
		"\t/app/main.go:12 +0x25")

	assert.Equal(t, "main.explode()\n\t/app/main.go:12 +0x25", string(CleanStackTrace(stack)))

	plain := []byte("goroutine 1 [running]:\nmain.main()")
	assert.Equal(t, string(plain), string(CleanStackTrace(plain)))
}

func TestChainRunsDispatchersInOrder(t *testing.T) {
	var (
		calls []string
		mu    sync.Mutex
	)
	first := NewRegistry()
	second := NewRegistry()
	require.NoError(t, first.Register(BeforeTransition, recorder(&calls, &mu, "first")))
	require.NoError(t, second.Register(BeforeTransition, recorder(&calls, &mu, "second")))
	require.NoError(t, second.Register("aB", recorder(&calls, &mu, "named")))

	d := Chain(first, nil, second)
	assert.True(t, d.Has("aB"))
	assert.False(t, d.Has("bC"))

	require.NoError(t, d.Call(context.Background(), BeforeTransition, scope.New("test")))
	assert.Equal(t, []string{"first", "second"}, calls)
}

func TestHandleInterruptStopsChain(t *testing.T) {
	r := NewRegistry()
	started := make(chan struct{})
	afterRan := false

	require.NoError(t, r.Register(Execute, func(ctx context.Context, _ *scope.Scope) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	require.NoError(t, r.Register(Execute, func(context.Context, *scope.Scope) error {
		afterRan = true
		return nil
	}))

	h := r.Handle(Execute)
	assert.Equal(t, 2, h.Len())

	result := make(chan error, 1)
	go func() { result <- h.Process(context.Background(), scope.New("test")) }()

	<-started
	h.Interrupt()

	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("interrupted handle did not return")
	}
	assert.True(t, h.Interrupted())
	assert.False(t, afterRan)
}

func TestHandleInterruptedBeforeProcessRunsNothing(t *testing.T) {
	ran := false
	r := NewRegistry()
	require.NoError(t, r.Register(AfterExecute, func(context.Context, *scope.Scope) error {
		ran = true
		return nil
	}))

	h := r.Handle(AfterExecute)
	h.Interrupt()
	require.NoError(t, h.Process(context.Background(), scope.New("test")))
	assert.False(t, ran)
}

func TestHandlePropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	r := NewRegistry()
	require.NoError(t, r.Register(Execute, func(context.Context, *scope.Scope) error { return boom }))

	err := r.Handle(Execute).Process(context.Background(), scope.New("test"))
	assert.ErrorIs(t, err, boom)
}

func TestHandleSnapshotIgnoresLateRegistrations(t *testing.T) {
	r := NewRegistry()
	h := r.Handle(Execute)
	require.NoError(t, r.Register(Execute, func(context.Context, *scope.Scope) error { return errors.New("late") }))

	assert.Equal(t, 0, h.Len())
	assert.NoError(t, h.Process(context.Background(), scope.New("test")))
}
