package agents

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tcmartin/agentrunner/pkg/models"
)

func TestConfig_Validate(t *testing.T) {
	temp := func(v float64) *float64 { return &v }

	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{"valid llm", Config{Name: "a", Type: TypeLLM, Provider: "openai", Model: "gpt-4o"}, ""},
		{"missing name", Config{Type: TypeCLI, Command: "echo"}, "name is required"},
		{"missing type", Config{Name: "a"}, "type is required"},
		{"unknown type", Config{Name: "a", Type: "robot"}, "unsupported agent type"},
		{"llm without provider", Config{Name: "a", Type: TypeLLM, Model: "m"}, "requires a provider"},
		{"llm bad provider", Config{Name: "a", Type: TypeLLM, Provider: "acme", Model: "m"}, "unsupported llm provider"},
		{"llm without model", Config{Name: "a", Type: TypeLLM, Provider: "openai"}, "requires a model"},
		{"azure without base url", Config{Name: "a", Type: TypeLLM, Provider: "azure", Model: "m"}, "requires base_url"},
		{"temperature too high", Config{Name: "a", Type: TypeLLM, Provider: "openai", Model: "m", Temperature: temp(2.5)}, "temperature"},
		{"temperature bounds ok", Config{Name: "a", Type: TypeLLM, Provider: "openai", Model: "m", Temperature: temp(2)}, ""},
		{"max tokens too high", Config{Name: "a", Type: TypeLLM, Provider: "openai", Model: "m", MaxTokens: 40000}, "max_tokens"},
		{"timeout too short", Config{Name: "a", Type: TypeCLI, Command: "x", Timeout: models.Duration(5 * time.Second)}, "timeout"},
		{"timeout ok", Config{Name: "a", Type: TypeCLI, Command: "x", Timeout: models.Duration(300 * time.Second)}, ""},
		{"negative retries", Config{Name: "a", Type: TypeCLI, Command: "x", RetryAttempts: -1}, "retry_attempts"},
		{"cli without command", Config{Name: "a", Type: TypeCLI}, "requires a command"},
		{"docker without image", Config{Name: "a", Type: TypeDocker}, "docker_image"},
		{"mcp stdio without command", Config{Name: "a", Type: TypeMCP, Tool: "t"}, "requires a command"},
		{"mcp sse without url", Config{Name: "a", Type: TypeMCP, Transport: "sse", Tool: "t"}, "requires a url"},
		{"mcp without tool", Config{Name: "a", Type: TypeMCP, Command: "srv"}, "requires a tool"},
		{"mcp bad transport", Config{Name: "a", Type: TypeMCP, Transport: "ws", Tool: "t"}, "unsupported mcp transport"},
		{"script without body", Config{Name: "a", Type: TypeScript}, "requires a script"},
		{"http without url", Config{Name: "a", Type: TypeHTTP}, "requires a url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestConfig_ValidateCollectsAllProblems(t *testing.T) {
	err := Config{Type: TypeLLM}.Validate()
	assert.ErrorContains(t, err, "name is required")
	assert.ErrorContains(t, err, "requires a provider")
	assert.ErrorContains(t, err, "requires a model")
}
