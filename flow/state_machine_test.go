package flow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-lifecycle/hooks"
	"github.com/goliatone/go-lifecycle/operation"
	"github.com/goliatone/go-lifecycle/scope"
)

type phase string

func newMachine(t *testing.T, reg *hooks.Registry) (*StateMachine[phase], *scope.Scope) {
	t.Helper()
	sc := scope.New("machine")
	sm, err := NewStateMachine[phase](sc, reg, WithName[phase]("test"))
	if err != nil {
		t.Fatalf("new state machine: %v", err)
	}
	return sm, sc
}

func mustRegister(t *testing.T, reg *hooks.Registry, name string, h hooks.Handler) {
	t.Helper()
	if err := reg.Register(name, h); err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
}

func TestTransitionWithoutNamedHookRunsBeforeAndAfterOnce(t *testing.T) {
	reg := hooks.NewRegistry()
	var before, after int32
	mustRegister(t, reg, hooks.BeforeTransition, func(context.Context, *scope.Scope) error {
		atomic.AddInt32(&before, 1)
		return nil
	})
	mustRegister(t, reg, hooks.AfterTransition, func(context.Context, *scope.Scope) error {
		atomic.AddInt32(&after, 1)
		return nil
	})

	sm, _ := newMachine(t, reg)
	result, err := sm.Transition(context.Background(), "a", "b", nil)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result, got %v", result)
	}
	if before != 1 || after != 1 {
		t.Fatalf("expected one before and one after call, got %d/%d", before, after)
	}
}

func TestTransitionRunsNamedHookBetweenPhases(t *testing.T) {
	reg := hooks.NewRegistry()
	var (
		mu    sync.Mutex
		calls []string
	)
	record := func(label string) hooks.Handler {
		return func(context.Context, *scope.Scope) error {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, label)
			return nil
		}
	}
	mustRegister(t, reg, hooks.BeforeTransition, record("before"))
	mustRegister(t, reg, hooks.AfterTransition, record("after"))
	mustRegister(t, reg, "draftApproved", func(ctx context.Context, sc *scope.Scope) error {
		_ = record("named")(ctx, sc)
		rec, ok := scope.Resolve[*TransitionRecord](sc)
		if !ok {
			return errors.New("record not provided")
		}
		if rec.From() != "DRAFT" || rec.To() != "APPROVED" {
			return errors.New("unexpected record ends")
		}
		if rec.Props() != "payload" {
			return errors.New("props not carried")
		}
		if _, ok := scope.Resolve[*StateMachine[phase]](sc); !ok {
			return errors.New("machine not resolvable")
		}
		return rec.Succeed("approved!")
	})

	sm, _ := newMachine(t, reg)
	result, err := sm.Transition(context.Background(), "DRAFT", "APPROVED", "payload")
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if result != "approved!" {
		t.Fatalf("expected named hook result, got %v", result)
	}
	want := []string{"before", "named", "after"}
	if len(calls) != len(want) {
		t.Fatalf("expected %v, got %v", want, calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, calls)
		}
	}
}

func TestTransitionFailureIsWrappedAndReported(t *testing.T) {
	reg := hooks.NewRegistry()
	boom := errors.New("boom")

	var (
		transitionScope *scope.Scope
		seenByOnError   error
		afterRan        bool
	)
	mustRegister(t, reg, "aB", func(_ context.Context, sc *scope.Scope) error {
		transitionScope = sc
		return boom
	})
	mustRegister(t, reg, hooks.AfterTransition, func(context.Context, *scope.Scope) error {
		afterRan = true
		return nil
	})
	mustRegister(t, reg, hooks.Error, func(_ context.Context, sc *scope.Scope) error {
		seenByOnError, _ = scope.Resolve[error](sc)
		return errors.New("onError failing is only logged")
	})

	sm, _ := newMachine(t, reg)
	_, err := sm.Transition(context.Background(), "a", "b", nil)
	if err == nil {
		t.Fatalf("expected transition error")
	}
	if !IsTransitionError(err) {
		t.Fatalf("expected transition error kind, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected original cause in chain, got %v", err)
	}
	if operation.Title(err) != operation.KindTransition.Title {
		t.Fatalf("unexpected title %q", operation.Title(err))
	}
	if seenByOnError != err {
		t.Fatalf("onError should see the wrapped error, got %v", seenByOnError)
	}
	if afterRan {
		t.Fatalf("onAfterTransition must not run after a failure")
	}
	if transitionScope == nil || !transitionScope.Destroyed() {
		t.Fatalf("transition scope must be destroyed on failure")
	}
}

func TestTransitionRecoversHookPanics(t *testing.T) {
	reg := hooks.NewRegistry()
	var transitionScope *scope.Scope
	mustRegister(t, reg, hooks.BeforeTransition, func(_ context.Context, sc *scope.Scope) error {
		transitionScope = sc
		panic("bad hook")
	})

	sm, _ := newMachine(t, reg)
	_, err := sm.Transition(context.Background(), "x", "y", nil)
	if !IsTransitionError(err) {
		t.Fatalf("expected transition error, got %v", err)
	}
	if transitionScope == nil || !transitionScope.Destroyed() {
		t.Fatalf("transition scope must be destroyed after a panic")
	}
}

func TestTransitionScopeDestroyedOnSuccess(t *testing.T) {
	reg := hooks.NewRegistry()
	var transitionScope *scope.Scope
	mustRegister(t, reg, hooks.AfterTransition, func(_ context.Context, sc *scope.Scope) error {
		transitionScope = sc
		return nil
	})

	sm, machineScope := newMachine(t, reg)
	if _, err := sm.Transition(context.Background(), "a", "b", nil); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if !transitionScope.Destroyed() {
		t.Fatalf("transition scope must be destroyed")
	}
	if transitionScope.Parent() != machineScope {
		t.Fatalf("transition scope must be a child of the machine scope")
	}
	if machineScope.Destroyed() {
		t.Fatalf("machine scope must survive transitions")
	}
}

func TestReadyRunsInitializeOnce(t *testing.T) {
	reg := hooks.NewRegistry()
	var calls int32
	release := make(chan struct{})
	mustRegister(t, reg, hooks.Initialize, func(context.Context, *scope.Scope) error {
		atomic.AddInt32(&calls, 1)
		<-release
		return nil
	})

	sm, _ := newMachine(t, reg)

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sm.Transition(context.Background(), "a", "b", nil)
			errs <- err
		}()
	}
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("transition: %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected onInitialize to run once, ran %d times", calls)
	}
}

func TestReadyMemoizesFailure(t *testing.T) {
	reg := hooks.NewRegistry()
	var calls int32
	mustRegister(t, reg, hooks.Initialize, func(context.Context, *scope.Scope) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("not today")
	})
	var beforeRan bool
	mustRegister(t, reg, hooks.BeforeTransition, func(context.Context, *scope.Scope) error {
		beforeRan = true
		return nil
	})

	sm, _ := newMachine(t, reg)
	for i := 0; i < 2; i++ {
		_, err := sm.Transition(context.Background(), "a", "b", nil)
		if !IsInitializationError(err) {
			t.Fatalf("attempt %d: expected initialization error, got %v", i, err)
		}
	}
	if calls != 1 {
		t.Fatalf("failed initialization must not be retried, ran %d times", calls)
	}
	if beforeRan {
		t.Fatalf("no hooks may run after a failed initialization")
	}
}

func TestReadyHonorsCallerContext(t *testing.T) {
	reg := hooks.NewRegistry()
	release := make(chan struct{})
	mustRegister(t, reg, hooks.Initialize, func(context.Context, *scope.Scope) error {
		<-release
		return nil
	})

	sm, _ := newMachine(t, reg)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := sm.Ready(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	close(release)
	if err := sm.Ready(context.Background()); err != nil {
		t.Fatalf("shared initialization should still succeed: %v", err)
	}
}

func TestNewStateMachineRequiresScope(t *testing.T) {
	if _, err := NewStateMachine[phase](nil, nil); err == nil {
		t.Fatalf("expected error for nil scope")
	}
}

func TestNewStateMachineProvidesItself(t *testing.T) {
	sm, sc := newMachine(t, nil)
	got, ok := scope.Resolve[*StateMachine[phase]](sc)
	if !ok || got != sm {
		t.Fatalf("machine not provided into its scope")
	}
	if sm.Name() != "test" {
		t.Fatalf("unexpected name %q", sm.Name())
	}
}
