package agents

import (
	"context"
	"errors"
	"sync"
)

// fakeRunner records commands and replays a canned result
type fakeRunner struct {
	mu       sync.Mutex
	commands []Command
	result   CommandResult
	err      error
	paths    map[string]bool
	block    bool
}

func (r *fakeRunner) Run(ctx context.Context, cmd Command) (CommandResult, error) {
	r.mu.Lock()
	r.commands = append(r.commands, cmd)
	r.mu.Unlock()

	if r.block {
		<-ctx.Done()
		return CommandResult{}, ctx.Err()
	}
	return r.result, r.err
}

func (r *fakeRunner) LookPath(name string) (string, error) {
	if r.paths[name] {
		return "/usr/bin/" + name, nil
	}
	return "", errors.New("executable file not found in $PATH")
}

func (r *fakeRunner) last() Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commands[len(r.commands)-1]
}

// stubAgent is a minimal Agent for registry tests
type stubAgent struct {
	name    string
	healthy bool
	closed  bool
}

func (s *stubAgent) Name() string { return s.name }
func (s *stubAgent) Type() string { return "stub" }
func (s *stubAgent) Execute(ctx context.Context, inputs map[string]interface{}) (Result, error) {
	return Succeeded(inputs), nil
}
func (s *stubAgent) HealthCheck(ctx context.Context) bool { return s.healthy }
func (s *stubAgent) Close() error {
	s.closed = true
	return nil
}
