package agents

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/tcmartin/agentrunner/pkg/logging"
	"github.com/tcmartin/agentrunner/pkg/utils"
)

// CLIAgent runs a local command line tool such as an AI coding assistant
type CLIAgent struct {
	baseAgent
	runner CommandRunner
}

// NewCLIAgent creates a CLI agent using the os/exec runner
func NewCLIAgent(cfg Config, logger logging.Logger) (*CLIAgent, error) {
	if cfg.Type == "" {
		cfg.Type = TypeCLI
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &CLIAgent{baseAgent: newBaseAgent(cfg, logger), runner: ExecRunner{}}, nil
}

// WithRunner replaces the process runner
func (a *CLIAgent) WithRunner(runner CommandRunner) *CLIAgent {
	a.runner = runner
	return a
}

// Execute renders the configured arguments from the inputs, writes the
// prompt to stdin and returns stdout
func (a *CLIAgent) Execute(ctx context.Context, inputs map[string]interface{}) (Result, error) {
	args, err := utils.ProcessTemplates(a.config.Args, inputs)
	if err != nil {
		return Failed(fmt.Sprintf("rendering arguments: %v", err)), nil
	}
	args = append(args, extraArgs(inputs)...)

	env, err := renderEnv(a.config.Env, inputs)
	if err != nil {
		return Failed(fmt.Sprintf("rendering environment: %v", err)), nil
	}

	cmd := Command{
		Name:  a.config.Command,
		Args:  args,
		Dir:   a.config.WorkingDirectory,
		Env:   append(os.Environ(), env...),
		Stdin: stdinPrompt(inputs),
	}

	callCtx, cancel := a.withCallTimeout(ctx)
	defer cancel()

	a.logger.Debug("Running command", logging.F("command", cmd.String()))
	res, err := a.runner.Run(callCtx, cmd)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Failed(fmt.Sprintf("running %s: %v", a.config.Command, err)), nil
	}
	return commandResult(res, cmd, a.config.OutputFormat, inputs), nil
}

// HealthCheck reports whether the command can be found
func (a *CLIAgent) HealthCheck(ctx context.Context) bool {
	_, err := a.runner.LookPath(a.config.Command)
	return err == nil
}

// commandResult converts a finished process into a Result
func commandResult(res CommandResult, cmd Command, format string, inputs map[string]interface{}) Result {
	metadata := map[string]interface{}{
		"command":     cmd.String(),
		"exit_code":   res.ExitCode,
		"duration_ms": res.Duration.Milliseconds(),
	}
	if cmd.Dir != "" {
		metadata["working_directory"] = cmd.Dir
	}

	if res.ExitCode != 0 {
		stderr := strings.TrimSpace(res.Stderr)
		result := Failed(fmt.Sprintf("command exited with status %d: %s", res.ExitCode, stderr))
		metadata["stderr"] = stderr
		result.Metadata = metadata
		return result
	}

	if f, ok := inputs[InputResponseFormat].(string); ok && f != "" {
		format = f
	}
	output, err := utils.ParseStructured(res.Stdout, format)
	if err != nil {
		result := Failed(fmt.Sprintf("command returned %s", err))
		result.Metadata = metadata
		return result
	}

	result := Succeeded(output)
	result.Metadata = metadata
	return result
}

// extraArgs returns the "args" input when it is a list
func extraArgs(inputs map[string]interface{}) []string {
	switch v := inputs["args"].(type) {
	case []string:
		return append([]string(nil), v...)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, a := range v {
			out = append(out, renderValue(a))
		}
		return out
	default:
		return nil
	}
}

// stdinPrompt returns the prompt written to the process, if any
func stdinPrompt(inputs map[string]interface{}) string {
	if p, ok := inputs[InputPrompt].(string); ok {
		return p
	}
	return ""
}

// renderEnv renders KEY=value pairs, sorted by key
func renderEnv(env map[string]string, inputs map[string]interface{}) ([]string, error) {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		v, err := utils.ProcessTemplate(env[k], inputs)
		if err != nil {
			return nil, err
		}
		out = append(out, k+"="+v)
	}
	return out, nil
}
