package agents

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"
)

// Command is a process invocation made by the CLI and Docker agents
type Command struct {
	Name  string
	Args  []string
	Dir   string
	Env   []string
	Stdin string
}

// String renders the command line for logs and metadata
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// CommandResult is the outcome of a process that ran to completion
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// CommandRunner starts processes. A non-zero exit is reported through
// CommandResult.ExitCode, not as an error.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (CommandResult, error)
	LookPath(name string) (string, error)
}

// ExecRunner runs commands with os/exec
type ExecRunner struct{}

// Run starts the command and waits for it, killing it when ctx ends
func (ExecRunner) Run(ctx context.Context, c Command) (CommandResult, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.WaitDelay = time.Second
	if c.Stdin != "" {
		cmd.Stdin = strings.NewReader(c.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctx.Err() != nil {
		return result, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	return result, err
}

// LookPath resolves name against PATH
func (ExecRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}
