package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/agentrunner/pkg/agents"
	"github.com/tcmartin/agentrunner/pkg/models"
	"github.com/tcmartin/agentrunner/pkg/registry"
	"github.com/tcmartin/agentrunner/pkg/runtime"
)

type staticWorkflows []registry.WorkflowInfo

func (s staticWorkflows) List(ctx context.Context) ([]registry.WorkflowInfo, error) {
	return s, nil
}

type staticAgents []agents.Info

func (s staticAgents) List() []agents.Info { return s }

type MockExecutions struct {
	mock.Mock
}

func (m *MockExecutions) Start(ctx context.Context, workflowName string, inputs map[string]interface{}, opts ...runtime.StartOption) (string, error) {
	args := m.Called(workflowName, inputs)
	return args.String(0), args.Error(1)
}

func (m *MockExecutions) AwaitResult(ctx context.Context, executionID string) (*models.Execution, error) {
	args := m.Called(executionID)
	execution, _ := args.Get(0).(*models.Execution)
	return execution, args.Error(1)
}

func (m *MockExecutions) Get(executionID string) (*models.Execution, error) {
	args := m.Called(executionID)
	execution, _ := args.Get(0).(*models.Execution)
	return execution, args.Error(1)
}

func (m *MockExecutions) Cancel(executionID string) (bool, error) {
	args := m.Called(executionID)
	return args.Bool(0), args.Error(1)
}

func newTestClient(t *testing.T, s *Server) *client.Client {
	t.Helper()
	c, err := client.NewInProcessClient(s.MCPServer())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	require.NoError(t, c.Start(ctx))

	init := mcp.InitializeRequest{}
	init.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	init.Params.ClientInfo = mcp.Implementation{Name: "agentrunner-test", Version: "0.0.1"}
	_, err = c.Initialize(ctx, init)
	require.NoError(t, err)
	return c
}

func callTool(t *testing.T, c *client.Client, name string, args map[string]interface{}) (*mcp.CallToolResult, string) {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := c.CallTool(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", res.Content[0])
	return res, text.Text
}

func TestServer_ListTools(t *testing.T) {
	s := NewServer(staticWorkflows{}, new(MockExecutions), staticAgents{}, nil)
	c := newTestClient(t, s)

	tools, err := c.ListTools(context.Background(), mcp.ListToolsRequest{})
	require.NoError(t, err)

	var names []string
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"list_workflows", "run_workflow", "get_execution", "cancel_execution", "list_agents"}, names)
}

func TestServer_ListWorkflowsAndAgents(t *testing.T) {
	healthy := true
	s := NewServer(
		staticWorkflows{{Name: "code-review", StepCount: 3, Source: registry.SourceTemplate}},
		new(MockExecutions),
		staticAgents{{Name: "claude", Type: agents.TypeLLM, Healthy: &healthy}},
		nil,
	)
	c := newTestClient(t, s)

	res, text := callTool(t, c, "list_workflows", nil)
	assert.False(t, res.IsError)
	var workflows struct {
		Workflows []registry.WorkflowInfo `json:"workflows"`
		Count     int                     `json:"count"`
	}
	require.NoError(t, json.Unmarshal([]byte(text), &workflows))
	assert.Equal(t, 1, workflows.Count)
	assert.Equal(t, "code-review", workflows.Workflows[0].Name)

	res, text = callTool(t, c, "list_agents", nil)
	assert.False(t, res.IsError)
	assert.Contains(t, text, `"claude"`)
	assert.Contains(t, text, `"count":1`)
}

func TestServer_RunWorkflow(t *testing.T) {
	executions := new(MockExecutions)
	inputs := map[string]interface{}{"code": "print(1)", "language": "python"}
	executions.On("Start", "code-review", inputs).Return("exec-1", nil)

	c := newTestClient(t, NewServer(staticWorkflows{}, executions, staticAgents{}, nil))

	res, text := callTool(t, c, "run_workflow", map[string]interface{}{
		"workflow": "code-review",
		"inputs":   inputs,
	})
	assert.False(t, res.IsError, text)
	assert.Contains(t, text, `"execution_id":"exec-1"`)
	assert.Contains(t, text, `"status":"pending"`)
	executions.AssertExpectations(t)
}

func TestServer_RunWorkflowAndWait(t *testing.T) {
	executions := new(MockExecutions)
	executions.On("Start", "code-review", map[string]interface{}{}).Return("exec-2", nil)
	executions.On("AwaitResult", "exec-2").Return(&models.Execution{
		ID:           "exec-2",
		WorkflowName: "code-review",
		Status:       models.StateCompleted,
		Result:       map[string]interface{}{"score": float64(8)},
	}, nil)

	c := newTestClient(t, NewServer(staticWorkflows{}, executions, staticAgents{}, nil))

	res, text := callTool(t, c, "run_workflow", map[string]interface{}{
		"workflow":        "code-review",
		"wait":            true,
		"timeout_seconds": 5,
	})
	assert.False(t, res.IsError, text)

	var execution models.Execution
	require.NoError(t, json.Unmarshal([]byte(text), &execution))
	assert.Equal(t, models.StateCompleted, execution.Status)
	assert.Equal(t, float64(8), execution.Result["score"])
	executions.AssertExpectations(t)
}

func TestServer_RunWorkflowErrors(t *testing.T) {
	executions := new(MockExecutions)
	executions.On("Start", "missing", map[string]interface{}{}).Return("", runtime.ErrUnknownWorkflow)

	c := newTestClient(t, NewServer(staticWorkflows{}, executions, staticAgents{}, nil))

	res, text := callTool(t, c, "run_workflow", map[string]interface{}{"workflow": "missing"})
	assert.True(t, res.IsError)
	assert.Contains(t, text, "Failed to start workflow")

	res, text = callTool(t, c, "run_workflow", map[string]interface{}{"workflow": "x", "inputs": "nope"})
	assert.True(t, res.IsError)
	assert.Contains(t, text, "must be an object")

	res, _ = callTool(t, c, "run_workflow", map[string]interface{}{})
	assert.True(t, res.IsError)
}

func TestServer_GetAndCancelExecution(t *testing.T) {
	executions := new(MockExecutions)
	executions.On("Get", "exec-3").Return(&models.Execution{ID: "exec-3", Status: models.StateRunning}, nil)
	executions.On("Get", "nope").Return(nil, runtime.ErrExecutionNotFound)
	executions.On("Cancel", "exec-3").Return(true, nil)
	executions.On("Cancel", "nope").Return(false, errors.New("execution not found"))

	c := newTestClient(t, NewServer(staticWorkflows{}, executions, staticAgents{}, nil))

	res, text := callTool(t, c, "get_execution", map[string]interface{}{"execution_id": "exec-3"})
	assert.False(t, res.IsError)
	assert.Contains(t, text, `"status":"running"`)

	res, _ = callTool(t, c, "get_execution", map[string]interface{}{"execution_id": "nope"})
	assert.True(t, res.IsError)

	res, text = callTool(t, c, "cancel_execution", map[string]interface{}{"execution_id": "exec-3"})
	assert.False(t, res.IsError)
	assert.Contains(t, text, `"cancelled":true`)

	res, _ = callTool(t, c, "cancel_execution", map[string]interface{}{"execution_id": "nope"})
	assert.True(t, res.IsError)
	executions.AssertExpectations(t)
}
