package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tcmartin/agentrunner/pkg/models"
)

// MemoryProvider implements the StorageProvider interface using in-memory storage
type MemoryProvider struct {
	workflowStore  *MemoryWorkflowStore
	executionStore *MemoryExecutionStore
}

// NewMemoryProvider creates a new in-memory storage provider
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		workflowStore:  NewMemoryWorkflowStore(),
		executionStore: NewMemoryExecutionStore(),
	}
}

// Initialize sets up the storage backend
func (p *MemoryProvider) Initialize(ctx context.Context) error {
	return nil
}

// Close cleans up resources
func (p *MemoryProvider) Close() error {
	return nil
}

// GetWorkflowStore returns a store for workflow definitions
func (p *MemoryProvider) GetWorkflowStore() WorkflowStore {
	return p.workflowStore
}

// GetExecutionStore returns a store for execution records
func (p *MemoryProvider) GetExecutionStore() ExecutionStore {
	return p.executionStore
}

// MemoryWorkflowStore implements the WorkflowStore interface using in-memory storage
type MemoryWorkflowStore struct {
	workflows map[string]*models.WorkflowDefinition
	mu        sync.RWMutex
}

// NewMemoryWorkflowStore creates a new in-memory workflow store
func NewMemoryWorkflowStore() *MemoryWorkflowStore {
	return &MemoryWorkflowStore{
		workflows: make(map[string]*models.WorkflowDefinition),
	}
}

// SaveWorkflow persists a workflow definition
func (s *MemoryWorkflowStore) SaveWorkflow(ctx context.Context, workflow *models.WorkflowDefinition) error {
	if workflow == nil || workflow.Name == "" {
		return fmt.Errorf("workflow must have a name")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[workflow.Name] = workflow.Clone()
	return nil
}

// GetWorkflow retrieves a workflow definition
func (s *MemoryWorkflowStore) GetWorkflow(ctx context.Context, name string) (*models.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	workflow, ok := s.workflows[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, name)
	}
	return workflow.Clone(), nil
}

// ListWorkflows returns all workflow definitions ordered by name
func (s *MemoryWorkflowStore) ListWorkflows(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	workflows := make([]*models.WorkflowDefinition, 0, len(s.workflows))
	for _, workflow := range s.workflows {
		workflows = append(workflows, workflow.Clone())
	}
	sort.Slice(workflows, func(i, j int) bool { return workflows[i].Name < workflows[j].Name })
	return workflows, nil
}

// DeleteWorkflow removes a workflow definition
func (s *MemoryWorkflowStore) DeleteWorkflow(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[name]; !ok {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, name)
	}
	delete(s.workflows, name)
	return nil
}

// MemoryExecutionStore implements the ExecutionStore interface using in-memory storage
type MemoryExecutionStore struct {
	executions map[string]*models.Execution
	mu         sync.RWMutex
}

// NewMemoryExecutionStore creates a new in-memory execution store
func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{
		executions: make(map[string]*models.Execution),
	}
}

// SaveExecution persists an execution record
func (s *MemoryExecutionStore) SaveExecution(ctx context.Context, execution *models.Execution) error {
	if execution == nil || execution.ID == "" {
		return fmt.Errorf("execution must have an id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[execution.ID] = execution.Clone()
	return nil
}

// GetExecution retrieves an execution record
func (s *MemoryExecutionStore) GetExecution(ctx context.Context, executionID string) (*models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	execution, ok := s.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	return execution.Clone(), nil
}

// ListExecutions returns all execution records, newest first
func (s *MemoryExecutionStore) ListExecutions(ctx context.Context) ([]*models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	executions := make([]*models.Execution, 0, len(s.executions))
	for _, execution := range s.executions {
		executions = append(executions, execution.Clone())
	}
	sortExecutions(executions)
	return executions, nil
}

// DeleteExecution removes an execution record
func (s *MemoryExecutionStore) DeleteExecution(ctx context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[executionID]; !ok {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	delete(s.executions, executionID)
	return nil
}

func sortExecutions(executions []*models.Execution) {
	sort.Slice(executions, func(i, j int) bool {
		return executions[i].CreatedAt.After(executions[j].CreatedAt)
	})
}
