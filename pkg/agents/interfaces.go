// Package agents provides the agent capability used by workflow steps and
// the concrete LLM, CLI, Docker, MCP, script and HTTP agents.
package agents

import (
	"context"
	"errors"
	"time"
)

// Agent types
const (
	TypeLLM    = "llm"
	TypeCLI    = "cli"
	TypeDocker = "docker"
	TypeMCP    = "mcp"
	TypeScript = "script"
	TypeHTTP   = "http"
)

// Common errors
var (
	ErrAgentNotFound      = errors.New("agent not found")
	ErrAgentAlreadyExists = errors.New("agent already registered")
	ErrInvalidConfig      = errors.New("invalid agent configuration")
)

// Agent is an executable capability a workflow step delegates to
type Agent interface {
	// Name returns the registered name of the agent
	Name() string

	// Type returns the agent type, e.g. "llm" or "cli"
	Type() string

	// Execute runs the agent with rendered inputs. A returned error means the
	// call could not be made; a Result with Success false means the agent
	// ran and reported a failure.
	Execute(ctx context.Context, inputs map[string]interface{}) (Result, error)

	// HealthCheck reports whether the agent is usable
	HealthCheck(ctx context.Context) bool
}

// Result is what an agent returns from Execute
type Result struct {
	// Success indicates whether the agent completed its work
	Success bool `json:"success"`

	// Output is the payload; a map binds named outputs, anything else binds
	// a single declared output
	Output interface{} `json:"output,omitempty"`

	// Error describes a reported failure
	Error string `json:"error,omitempty"`

	// Metadata carries agent-specific details such as token usage
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Succeeded builds a successful Result
func Succeeded(output interface{}) Result {
	return Result{Success: true, Output: output}
}

// Failed builds a failed Result
func Failed(message string) Result {
	return Result{Success: false, Error: message}
}

// Info describes a registered agent
type Info struct {
	Name        string     `json:"name"`
	Type        string     `json:"type"`
	Description string     `json:"description,omitempty"`
	Healthy     *bool      `json:"healthy,omitempty"`
	LastChecked *time.Time `json:"last_checked,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}
