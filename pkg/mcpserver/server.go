// Package mcpserver exposes workflows, executions and agents as MCP tools.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/tcmartin/agentrunner/pkg/agents"
	"github.com/tcmartin/agentrunner/pkg/logging"
	"github.com/tcmartin/agentrunner/pkg/models"
	"github.com/tcmartin/agentrunner/pkg/registry"
	"github.com/tcmartin/agentrunner/pkg/runtime"
)

// Version is reported to MCP clients
const Version = "1.0.0"

const defaultWaitTimeout = 5 * time.Minute

// WorkflowLister lists available workflows
type WorkflowLister interface {
	List(ctx context.Context) ([]registry.WorkflowInfo, error)
}

// ExecutionService runs and inspects executions; *runtime.Engine
// implements it
type ExecutionService interface {
	Start(ctx context.Context, workflowName string, inputs map[string]interface{}, opts ...runtime.StartOption) (string, error)
	AwaitResult(ctx context.Context, executionID string) (*models.Execution, error)
	Get(executionID string) (*models.Execution, error)
	Cancel(executionID string) (bool, error)
}

// AgentLister lists registered agents
type AgentLister interface {
	List() []agents.Info
}

// Server wraps an MCP server with the agentrunner tools
type Server struct {
	mcpServer  *server.MCPServer
	workflows  WorkflowLister
	executions ExecutionService
	agents     AgentLister
	logger     logging.Logger
}

// NewServer creates the MCP server and registers its tools
func NewServer(workflows WorkflowLister, executions ExecutionService, agentList AgentLister, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	s := &Server{
		mcpServer: server.NewMCPServer(
			"agentrunner",
			Version,
			server.WithToolCapabilities(true),
			server.WithRecovery(),
		),
		workflows:  workflows,
		executions: executions,
		agents:     agentList,
		logger:     logger,
	}
	s.registerTools()
	return s
}

// MCPServer returns the underlying server
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_workflows",
			mcp.WithDescription("List the workflows that can be run, including built-in templates"),
		),
		s.handleListWorkflows,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"run_workflow",
			mcp.WithDescription("Start a workflow execution"),
			mcp.WithString("workflow", mcp.Required(), mcp.Description("The workflow name")),
			mcp.WithObject("inputs", mcp.Description("Workflow inputs")),
			mcp.WithBoolean("wait", mcp.Description("Wait for the execution to finish")),
			mcp.WithNumber("timeout_seconds", mcp.Description("How long to wait when wait is true")),
		),
		s.handleRunWorkflow,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_execution",
			mcp.WithDescription("Get the status and result of an execution"),
			mcp.WithString("execution_id", mcp.Required(), mcp.Description("The execution ID")),
		),
		s.handleGetExecution,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"cancel_execution",
			mcp.WithDescription("Request cancellation of a running execution"),
			mcp.WithString("execution_id", mcp.Required(), mcp.Description("The execution ID")),
		),
		s.handleCancelExecution,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_agents",
			mcp.WithDescription("List registered agents and their last health status"),
		),
		s.handleListAgents,
	)
}

func (s *Server) handleListWorkflows(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	infos, err := s.workflows.List(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list workflows: %v", err)), nil
	}
	return jsonResult(map[string]interface{}{"workflows": infos, "count": len(infos)})
}

func (s *Server) handleRunWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	name, ok := args["workflow"].(string)
	if !ok || strings.TrimSpace(name) == "" {
		return mcp.NewToolResultError("Missing required parameter: workflow"), nil
	}

	inputs := map[string]interface{}{}
	if raw, present := args["inputs"]; present && raw != nil {
		m, ok := raw.(map[string]interface{})
		if !ok {
			return mcp.NewToolResultError("Parameter inputs must be an object"), nil
		}
		inputs = m
	}

	id, err := s.executions.Start(ctx, name, inputs, runtime.WithMetadata(map[string]interface{}{"source": "mcp"}))
	if err != nil {
		var verr *runtime.ValidationError
		if errors.As(err, &verr) && id != "" {
			return mcp.NewToolResultError(fmt.Sprintf("Execution %s rejected: %v", id, err)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to start workflow: %v", err)), nil
	}
	s.logger.Info("Workflow started over MCP", logging.F("workflow", name), logging.F("execution_id", id))

	wait, _ := args["wait"].(bool)
	if !wait {
		return jsonResult(map[string]interface{}{"execution_id": id, "status": models.StatePending})
	}

	timeout := defaultWaitTimeout
	if secs, ok := args["timeout_seconds"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execution, err := s.executions.AwaitResult(waitCtx, id)
	if execution == nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to wait for execution %s: %v", id, err)), nil
	}
	return jsonResult(execution)
}

func (s *Server) handleGetExecution(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, ok := request.GetArguments()["execution_id"].(string)
	if !ok || id == "" {
		return mcp.NewToolResultError("Missing required parameter: execution_id"), nil
	}

	execution, err := s.executions.Get(id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get execution: %v", err)), nil
	}
	return jsonResult(execution)
}

func (s *Server) handleCancelExecution(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, ok := request.GetArguments()["execution_id"].(string)
	if !ok || id == "" {
		return mcp.NewToolResultError("Missing required parameter: execution_id"), nil
	}

	cancelled, err := s.executions.Cancel(id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to cancel execution: %v", err)), nil
	}
	return jsonResult(map[string]interface{}{"execution_id": id, "cancelled": cancelled})
}

func (s *Server) handleListAgents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	infos := s.agents.List()
	return jsonResult(map[string]interface{}{"agents": infos, "count": len(infos)})
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// SSEServer builds the SSE transport for basePath. Serve SSEHandler at
// basePath/sse and MessageHandler at basePath/message.
func (s *Server) SSEServer(basePath string) *server.SSEServer {
	basePath = "/" + strings.Trim(basePath, "/")
	return server.NewSSEServer(s.mcpServer, server.WithStaticBasePath(basePath))
}
