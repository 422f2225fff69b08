package runtime

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/agentrunner/pkg/agents"
	"github.com/tcmartin/agentrunner/pkg/models"
)

// funcAgent adapts a function to the agents.Agent interface
type funcAgent struct {
	name string
	fn   func(ctx context.Context, inputs map[string]interface{}) (agents.Result, error)

	mu    sync.Mutex
	calls []map[string]interface{}
}

func newFuncAgent(name string, fn func(ctx context.Context, inputs map[string]interface{}) (agents.Result, error)) *funcAgent {
	return &funcAgent{name: name, fn: fn}
}

// staticAgent always succeeds with output
func staticAgent(name string, output interface{}) *funcAgent {
	return newFuncAgent(name, func(ctx context.Context, inputs map[string]interface{}) (agents.Result, error) {
		return agents.Succeeded(output), nil
	})
}

func (a *funcAgent) Name() string { return a.name }
func (a *funcAgent) Type() string { return "test" }
func (a *funcAgent) HealthCheck(ctx context.Context) bool {
	return true
}

func (a *funcAgent) Execute(ctx context.Context, inputs map[string]interface{}) (agents.Result, error) {
	a.mu.Lock()
	a.calls = append(a.calls, inputs)
	a.mu.Unlock()
	return a.fn(ctx, inputs)
}

func (a *funcAgent) Calls() []map[string]interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]map[string]interface{}(nil), a.calls...)
}

// MockAgent is a testify mock of agents.Agent
type MockAgent struct {
	mock.Mock
}

func (m *MockAgent) Name() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockAgent) Type() string {
	return "mock"
}

func (m *MockAgent) Execute(ctx context.Context, inputs map[string]interface{}) (agents.Result, error) {
	args := m.Called(ctx, inputs)
	return args.Get(0).(agents.Result), args.Error(1)
}

func (m *MockAgent) HealthCheck(ctx context.Context) bool {
	args := m.Called(ctx)
	return args.Bool(0)
}

// staticSource serves workflow definitions from a map
type staticSource map[string]*models.WorkflowDefinition

func (s staticSource) GetWorkflow(ctx context.Context, name string) (*models.WorkflowDefinition, error) {
	def, ok := s[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, name)
	}
	return def, nil
}

func newAgentRegistry(t *testing.T, list ...agents.Agent) *agents.Registry {
	t.Helper()
	r := agents.NewRegistry()
	for _, a := range list {
		require.NoError(t, r.Register(a))
	}
	return r
}

func newTestEngine(t *testing.T, defs []*models.WorkflowDefinition, list ...agents.Agent) *Engine {
	t.Helper()
	source := staticSource{}
	for _, d := range defs {
		source[d.Name] = d
	}
	engine := NewEngine(source, newAgentRegistry(t, list...), NewExecutionRegistry(nil, nil))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5e9)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})
	return engine
}
