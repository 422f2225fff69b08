package agents

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tcmartin/agentrunner/pkg/logging"
	"github.com/tcmartin/agentrunner/pkg/utils"
)

// MCPClient is the part of the mcp-go client the agent uses
type MCPClient interface {
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Ping(ctx context.Context) error
	Close() error
}

// MCPDialer connects and initializes a client for cfg
type MCPDialer func(ctx context.Context, cfg Config) (MCPClient, error)

// MCPAgent calls one tool on an external MCP server
type MCPAgent struct {
	baseAgent
	dial MCPDialer

	mu     sync.Mutex
	client MCPClient
}

// NewMCPAgent creates an MCP agent. The connection is made on first use.
func NewMCPAgent(cfg Config, logger logging.Logger) (*MCPAgent, error) {
	if cfg.Type == "" {
		cfg.Type = TypeMCP
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &MCPAgent{baseAgent: newBaseAgent(cfg, logger), dial: DialMCP}, nil
}

// WithDialer replaces how the agent connects to its server
func (a *MCPAgent) WithDialer(dial MCPDialer) *MCPAgent {
	a.dial = dial
	return a
}

// DialMCP starts a stdio or SSE client and performs the MCP handshake
func DialMCP(ctx context.Context, cfg Config) (MCPClient, error) {
	var (
		c   *client.Client
		err error
	)
	switch cfg.Transport {
	case "sse":
		c, err = client.NewSSEMCPClient(cfg.URL)
		if err == nil {
			err = c.Start(ctx)
		}
	default:
		env := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		c, err = client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	}
	if err != nil {
		if c != nil {
			_ = c.Close()
		}
		return nil, fmt.Errorf("connecting to MCP server: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.Capabilities = mcp.ClientCapabilities{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "agentrunner", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initializing MCP client: %w", err)
	}
	return c, nil
}

func (a *MCPAgent) connect(ctx context.Context) (MCPClient, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client != nil {
		return a.client, nil
	}
	c, err := a.dial(ctx, a.config)
	if err != nil {
		return nil, err
	}
	a.client = c
	return c, nil
}

// reset drops a broken connection so the next call reconnects
func (a *MCPAgent) reset(broken MCPClient) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == broken {
		_ = a.client.Close()
		a.client = nil
	}
}

// Execute calls the configured tool with the inputs as arguments
func (a *MCPAgent) Execute(ctx context.Context, inputs map[string]interface{}) (Result, error) {
	callCtx, cancel := a.withCallTimeout(ctx)
	defer cancel()

	c, err := a.connect(callCtx)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Failed(err.Error()), nil
	}

	arguments := make(map[string]interface{}, len(inputs))
	for k, v := range inputs {
		if k == InputResponseFormat {
			continue
		}
		arguments[k] = v
	}

	res, err := c.CallTool(callCtx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: a.config.Tool, Arguments: arguments},
	})
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		a.logger.Warn("MCP tool call failed", logging.F("tool", a.config.Tool), logging.Err(err))
		a.reset(c)
		return Failed(fmt.Sprintf("calling tool %s: %v", a.config.Tool, err)), nil
	}

	text := toolText(res)
	metadata := map[string]interface{}{"tool": a.config.Tool}
	if res.IsError {
		result := Failed(text)
		result.Metadata = metadata
		return result, nil
	}

	var output interface{}
	if res.StructuredContent != nil {
		output = res.StructuredContent
	} else {
		output, err = utils.ParseStructured(text, outputFormat(a.config, inputs))
		if err != nil {
			result := Failed(fmt.Sprintf("tool returned %s", err))
			result.Metadata = metadata
			return result, nil
		}
	}

	result := Succeeded(output)
	result.Metadata = metadata
	return result, nil
}

// HealthCheck pings the server
func (a *MCPAgent) HealthCheck(ctx context.Context) bool {
	c, err := a.connect(ctx)
	if err != nil {
		return false
	}
	if err := c.Ping(ctx); err != nil {
		a.reset(c)
		return false
	}
	return true
}

// Close shuts down the connection, if any
func (a *MCPAgent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return nil
	}
	err := a.client.Close()
	a.client = nil
	return err
}

// toolText joins the text content blocks of a tool result
func toolText(res *mcp.CallToolResult) string {
	var parts []string
	for _, content := range res.Content {
		switch c := content.(type) {
		case mcp.TextContent:
			parts = append(parts, c.Text)
		case *mcp.TextContent:
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}
