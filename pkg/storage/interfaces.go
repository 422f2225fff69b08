// Package storage provides interfaces for persistent storage.
package storage

import (
	"context"
	"errors"

	"github.com/tcmartin/agentrunner/pkg/models"
)

// Errors returned by storage providers
var (
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrExecutionNotFound = errors.New("execution not found")
)

// StorageProvider defines the interface for persistence backends
type StorageProvider interface {
	// Initialize sets up the storage backend
	Initialize(ctx context.Context) error

	// Close cleans up resources
	Close() error

	// GetWorkflowStore returns a store for workflow definitions
	GetWorkflowStore() WorkflowStore

	// GetExecutionStore returns a store for execution records
	GetExecutionStore() ExecutionStore
}

// WorkflowStore manages workflow definition persistence
type WorkflowStore interface {
	// SaveWorkflow creates or replaces a workflow definition
	SaveWorkflow(ctx context.Context, workflow *models.WorkflowDefinition) error

	// GetWorkflow retrieves a workflow definition by name
	GetWorkflow(ctx context.Context, name string) (*models.WorkflowDefinition, error)

	// ListWorkflows returns all stored workflow definitions
	ListWorkflows(ctx context.Context) ([]*models.WorkflowDefinition, error)

	// DeleteWorkflow removes a workflow definition
	DeleteWorkflow(ctx context.Context, name string) error
}

// ExecutionStore manages execution record persistence
type ExecutionStore interface {
	// SaveExecution creates or replaces an execution record
	SaveExecution(ctx context.Context, execution *models.Execution) error

	// GetExecution retrieves an execution record
	GetExecution(ctx context.Context, executionID string) (*models.Execution, error)

	// ListExecutions returns all stored execution records
	ListExecutions(ctx context.Context) ([]*models.Execution, error)

	// DeleteExecution removes an execution record
	DeleteExecution(ctx context.Context, executionID string) error
}
