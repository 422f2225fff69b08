package agents

import (
	"fmt"

	"github.com/tcmartin/agentrunner/pkg/logging"
)

// NewAgent validates cfg and builds the agent for its type
func NewAgent(cfg Config, logger logging.Logger) (Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Type {
	case TypeLLM:
		return NewLLMAgent(cfg, logger)
	case TypeCLI:
		return NewCLIAgent(cfg, logger)
	case TypeDocker:
		return NewDockerAgent(cfg, logger)
	case TypeMCP:
		return NewMCPAgent(cfg, logger)
	case TypeScript:
		return NewScriptAgent(cfg, logger)
	case TypeHTTP:
		return NewHTTPAgent(cfg, logger)
	default:
		return nil, fmt.Errorf("%w: unsupported agent type %q", ErrInvalidConfig, cfg.Type)
	}
}

// RegisterAll builds every configuration and registers the agents. It stops
// at the first failure.
func RegisterAll(registry *Registry, configs []Config, logger logging.Logger) error {
	for _, cfg := range configs {
		agent, err := NewAgent(cfg, logger)
		if err != nil {
			return err
		}
		if err := registry.RegisterWithDescription(agent, cfg.Description); err != nil {
			return err
		}
	}
	return nil
}
