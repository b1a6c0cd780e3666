package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	command "github.com/goliatone/go-lifecycle"
	"github.com/goliatone/go-lifecycle/hooks"
	"github.com/goliatone/go-lifecycle/registry"
	"github.com/goliatone/go-lifecycle/scope"
)

type greetParams struct {
	Name string `json:"name"`
}

func (greetParams) Type() string { return "greet" }

func (p greetParams) Validate() error {
	if len(p.Name) > 64 {
		return fmt.Errorf("name too long")
	}
	return nil
}

type sleepParams struct {
	For string `json:"for"`
}

func (sleepParams) Type() string { return "sleep" }

type sleepResult struct {
	Slept string `json:"slept"`
}

// builtins registers the commands the CLI can run. instrument is applied
// to the extensions registry of each command.
func builtins(instrument func(*hooks.Registry) error) (*registry.Registry, error) {
	greet := hooks.NewRegistry()
	if err := greet.Register(hooks.Execute, runGreet); err != nil {
		return nil, err
	}
	sleep := hooks.NewRegistry()
	if err := sleep.Register(hooks.Execute, runSleep); err != nil {
		return nil, err
	}
	if instrument != nil {
		for _, ext := range []*hooks.Registry{greet, sleep} {
			if err := instrument(ext); err != nil {
				return nil, err
			}
		}
	}

	reg := registry.NewRegistry()
	if err := registry.Register[greetParams, string](reg,
		registry.WithDescription("greets the given name"),
		registry.WithExtensions(greet),
	); err != nil {
		return nil, err
	}
	if err := registry.Register[sleepParams, sleepResult](reg,
		registry.WithDescription("waits for a duration, honoring interruption"),
		registry.WithExtensions(sleep),
	); err != nil {
		return nil, err
	}
	return reg, nil
}

func runGreet(ctx context.Context, sc *scope.Scope) error {
	cmd, ok := command.From[greetParams, string](sc)
	if !ok {
		return fmt.Errorf("greet command not bound to scope")
	}
	name := strings.TrimSpace(cmd.Params().Name)
	if name == "" {
		name = "world"
	}
	return cmd.Complete(ctx, "hello, "+name)
}

func runSleep(ctx context.Context, sc *scope.Scope) error {
	cmd, ok := command.From[sleepParams, sleepResult](sc)
	if !ok {
		return fmt.Errorf("sleep command not bound to scope")
	}
	d, err := time.ParseDuration(cmd.Params().For)
	if err != nil {
		return err
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return cmd.Complete(ctx, sleepResult{Slept: d.String()})
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
