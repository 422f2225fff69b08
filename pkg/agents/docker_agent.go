package agents

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/tcmartin/agentrunner/pkg/logging"
	"github.com/tcmartin/agentrunner/pkg/utils"
)

// DockerAgent runs an agent image in a throwaway container
type DockerAgent struct {
	baseAgent
	runner CommandRunner
	docker string
}

// NewDockerAgent creates a Docker agent using the docker CLI
func NewDockerAgent(cfg Config, logger logging.Logger) (*DockerAgent, error) {
	if cfg.Type == "" {
		cfg.Type = TypeDocker
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &DockerAgent{baseAgent: newBaseAgent(cfg, logger), runner: ExecRunner{}, docker: "docker"}, nil
}

// WithRunner replaces the process runner
func (a *DockerAgent) WithRunner(runner CommandRunner) *DockerAgent {
	a.runner = runner
	return a
}

// Execute runs the image with "docker run --rm -i". The prompt is passed
// both on stdin and as AGENT_PROMPT.
func (a *DockerAgent) Execute(ctx context.Context, inputs map[string]interface{}) (Result, error) {
	cmd, err := a.command(inputs)
	if err != nil {
		return Failed(err.Error()), nil
	}

	callCtx, cancel := a.withCallTimeout(ctx)
	defer cancel()

	a.logger.Debug("Running container", logging.F("image", a.config.DockerImage), logging.F("command", cmd.String()))
	res, err := a.runner.Run(callCtx, cmd)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Failed(fmt.Sprintf("running container %s: %v", a.config.DockerImage, err)), nil
	}

	result := commandResult(res, cmd, a.config.OutputFormat, inputs)
	result.Metadata["docker_image"] = a.config.DockerImage
	return result, nil
}

func (a *DockerAgent) command(inputs map[string]interface{}) (Command, error) {
	containerName := fmt.Sprintf("agent_%s_%s", a.config.Name, uuid.NewString()[:8])
	args := []string{"run", "--rm", "-i", "--name", containerName}

	env, err := renderEnv(a.config.Env, inputs)
	if err != nil {
		return Command{}, fmt.Errorf("rendering environment: %w", err)
	}
	prompt := buildPrompt(inputs)
	env = append(env, "AGENT_PROMPT="+prompt)
	if system := systemPrompt(a.config, inputs); system != "" {
		env = append(env, "AGENT_SYSTEM_PROMPT="+system)
	}
	for _, e := range env {
		args = append(args, "-e", e)
	}

	for _, v := range a.config.Volumes {
		args = append(args, "-v", v)
	}
	if a.config.WorkingDirectory != "" {
		args = append(args, "-w", a.config.WorkingDirectory)
	}

	args = append(args, a.config.DockerImage)
	if a.config.Command != "" {
		args = append(args, a.config.Command)
	}
	containerArgs, err := utils.ProcessTemplates(a.config.Args, inputs)
	if err != nil {
		return Command{}, fmt.Errorf("rendering arguments: %w", err)
	}
	args = append(args, containerArgs...)
	args = append(args, extraArgs(inputs)...)

	return Command{
		Name:  a.docker,
		Args:  args,
		Env:   os.Environ(),
		Stdin: prompt,
	}, nil
}

// HealthCheck asks the docker daemon for its version
func (a *DockerAgent) HealthCheck(ctx context.Context) bool {
	if _, err := a.runner.LookPath(a.docker); err != nil {
		return false
	}
	res, err := a.runner.Run(ctx, Command{Name: a.docker, Args: []string{"version", "--format", "{{.Server.Version}}"}})
	return err == nil && res.ExitCode == 0
}
