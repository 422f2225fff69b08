package agents

import (
	"errors"
	"fmt"
	"time"

	"github.com/tcmartin/agentrunner/pkg/models"
)

// Config describes an agent instance. Which fields apply depends on Type.
type Config struct {
	Name        string `json:"name" yaml:"name" mapstructure:"name"`
	Type        string `json:"type" yaml:"type" mapstructure:"type"`
	Description string `json:"description,omitempty" yaml:"description,omitempty" mapstructure:"description"`

	// LLM settings
	Provider      string   `json:"provider,omitempty" yaml:"provider,omitempty" mapstructure:"provider"`
	Model         string   `json:"model,omitempty" yaml:"model,omitempty" mapstructure:"model"`
	APIKey        string   `json:"api_key,omitempty" yaml:"api_key,omitempty" mapstructure:"api_key"`
	BaseURL       string   `json:"base_url,omitempty" yaml:"base_url,omitempty" mapstructure:"base_url"`
	MaxTokens     int      `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty" mapstructure:"max_tokens"`
	Temperature   *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty" mapstructure:"temperature"`
	SystemPrompt  string   `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty" mapstructure:"system_prompt"`
	RetryAttempts int      `json:"retry_attempts,omitempty" yaml:"retry_attempts,omitempty" mapstructure:"retry_attempts"`
	APIVersion    string   `json:"api_version,omitempty" yaml:"api_version,omitempty" mapstructure:"api_version"`
	Endpoint      string   `json:"endpoint,omitempty" yaml:"endpoint,omitempty" mapstructure:"endpoint"`

	// Timeout bounds a single call made by the agent
	Timeout models.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" mapstructure:"timeout"`

	// CLI and Docker settings
	Command          string            `json:"command,omitempty" yaml:"command,omitempty" mapstructure:"command"`
	Args             []string          `json:"args,omitempty" yaml:"args,omitempty" mapstructure:"args"`
	WorkingDirectory string            `json:"working_directory,omitempty" yaml:"working_directory,omitempty" mapstructure:"working_directory"`
	Env              map[string]string `json:"env,omitempty" yaml:"env,omitempty" mapstructure:"env"`
	OutputFormat     string            `json:"output_format,omitempty" yaml:"output_format,omitempty" mapstructure:"output_format"`
	DockerImage      string            `json:"docker_image,omitempty" yaml:"docker_image,omitempty" mapstructure:"docker_image"`
	Volumes          []string          `json:"volumes,omitempty" yaml:"volumes,omitempty" mapstructure:"volumes"`

	// MCP settings
	Transport string `json:"transport,omitempty" yaml:"transport,omitempty" mapstructure:"transport"`
	URL       string `json:"url,omitempty" yaml:"url,omitempty" mapstructure:"url"`
	Tool      string `json:"tool,omitempty" yaml:"tool,omitempty" mapstructure:"tool"`

	// Script settings
	Script string `json:"script,omitempty" yaml:"script,omitempty" mapstructure:"script"`

	// HTTP settings
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty" mapstructure:"headers"`
}

// Validate checks the configuration for the agent's type
func (c Config) Validate() error {
	var errs []error

	if c.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}

	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		errs = append(errs, errors.New("temperature must be between 0 and 2"))
	}
	if c.MaxTokens != 0 && (c.MaxTokens < 1 || c.MaxTokens > 32768) {
		errs = append(errs, errors.New("max_tokens must be between 1 and 32768"))
	}
	if t := c.Timeout.Std(); t != 0 && (t < 10*time.Second || t > 300*time.Second) {
		errs = append(errs, errors.New("timeout must be between 10s and 300s"))
	}
	if c.RetryAttempts < 0 {
		errs = append(errs, errors.New("retry_attempts must not be negative"))
	}

	switch c.Type {
	case TypeLLM:
		switch c.Provider {
		case "openai", "anthropic", "azure", "generic":
		case "":
			errs = append(errs, errors.New("llm agent requires a provider"))
		default:
			errs = append(errs, fmt.Errorf("unsupported llm provider %q", c.Provider))
		}
		if c.Model == "" {
			errs = append(errs, errors.New("llm agent requires a model"))
		}
		if (c.Provider == "azure" || c.Provider == "generic") && c.BaseURL == "" {
			errs = append(errs, fmt.Errorf("%s provider requires base_url", c.Provider))
		}
	case TypeCLI:
		if c.Command == "" {
			errs = append(errs, errors.New("cli agent requires a command"))
		}
	case TypeDocker:
		if c.DockerImage == "" {
			errs = append(errs, errors.New("docker agent requires docker_image"))
		}
	case TypeMCP:
		switch c.Transport {
		case "", "stdio":
			if c.Command == "" {
				errs = append(errs, errors.New("mcp stdio agent requires a command"))
			}
		case "sse":
			if c.URL == "" {
				errs = append(errs, errors.New("mcp sse agent requires a url"))
			}
		default:
			errs = append(errs, fmt.Errorf("unsupported mcp transport %q", c.Transport))
		}
		if c.Tool == "" {
			errs = append(errs, errors.New("mcp agent requires a tool"))
		}
	case TypeScript:
		if c.Script == "" {
			errs = append(errs, errors.New("script agent requires a script"))
		}
	case TypeHTTP:
		if c.URL == "" {
			errs = append(errs, errors.New("http agent requires a url"))
		}
	case "":
		errs = append(errs, errors.New("type is required"))
	default:
		errs = append(errs, fmt.Errorf("unsupported agent type %q", c.Type))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, c.Name, errors.Join(errs...))
}

// callTimeout returns the configured per-call timeout or def.
func (c Config) callTimeout(def time.Duration) time.Duration {
	if c.Timeout > 0 {
		return c.Timeout.Std()
	}
	return def
}
