package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/tcmartin/agentrunner/pkg/models"
)

// PostgreSQLProvider implements the StorageProvider interface using PostgreSQL
type PostgreSQLProvider struct {
	db             *sql.DB
	workflowStore  *PostgreSQLWorkflowStore
	executionStore *PostgreSQLExecutionStore
}

// PostgreSQLProviderConfig contains configuration for the PostgreSQL provider
type PostgreSQLProviderConfig struct {
	Host     string `json:"host" mapstructure:"host"`
	Port     int    `json:"port" mapstructure:"port"`
	User     string `json:"user" mapstructure:"user"`
	Password string `json:"password" mapstructure:"password"`
	Database string `json:"database" mapstructure:"database"`
	SSLMode  string `json:"ssl_mode" mapstructure:"ssl_mode"`
}

// DSN builds a lib/pq connection string
func (c PostgreSQLProviderConfig) DSN() string {
	port := c.Port
	if port == 0 {
		port = 5432
	}
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, port, c.User, c.Password, c.Database, sslMode,
	)
}

// NewPostgreSQLProvider creates a new PostgreSQL storage provider
func NewPostgreSQLProvider(config PostgreSQLProviderConfig) (*PostgreSQLProvider, error) {
	db, err := sql.Open("postgres", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	return NewPostgreSQLProviderWithDB(db), nil
}

// NewPostgreSQLProviderWithDB wraps an open database handle
func NewPostgreSQLProviderWithDB(db *sql.DB) *PostgreSQLProvider {
	return &PostgreSQLProvider{
		db:             db,
		workflowStore:  NewPostgreSQLWorkflowStore(db),
		executionStore: NewPostgreSQLExecutionStore(db),
	}
}

// Initialize creates the tables if they don't exist
func (p *PostgreSQLProvider) Initialize(ctx context.Context) error {
	if err := p.workflowStore.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize workflow store: %w", err)
	}
	if err := p.executionStore.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize execution store: %w", err)
	}
	return nil
}

// Close cleans up resources
func (p *PostgreSQLProvider) Close() error {
	return p.db.Close()
}

// GetWorkflowStore returns a store for workflow definitions
func (p *PostgreSQLProvider) GetWorkflowStore() WorkflowStore {
	return p.workflowStore
}

// GetExecutionStore returns a store for execution records
func (p *PostgreSQLProvider) GetExecutionStore() ExecutionStore {
	return p.executionStore
}

// PostgreSQLWorkflowStore implements the WorkflowStore interface using PostgreSQL
type PostgreSQLWorkflowStore struct {
	db *sql.DB
}

// NewPostgreSQLWorkflowStore creates a new PostgreSQL workflow store
func NewPostgreSQLWorkflowStore(db *sql.DB) *PostgreSQLWorkflowStore {
	return &PostgreSQLWorkflowStore{db: db}
}

// Initialize creates the workflows table if it doesn't exist
func (s *PostgreSQLWorkflowStore) Initialize(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS workflows (
			name TEXT PRIMARY KEY,
			description TEXT,
			version TEXT,
			definition JSONB NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create workflows table: %w", err)
	}
	return nil
}

// SaveWorkflow creates or replaces a workflow definition
func (s *PostgreSQLWorkflowStore) SaveWorkflow(ctx context.Context, workflow *models.WorkflowDefinition) error {
	definition, err := json.Marshal(workflow)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (name, description, version, definition, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (name) DO UPDATE SET
			description = EXCLUDED.description,
			version = EXCLUDED.version,
			definition = EXCLUDED.definition,
			updated_at = EXCLUDED.updated_at`,
		workflow.Name, workflow.Description, workflow.Version, definition, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}
	return nil
}

// GetWorkflow retrieves a workflow definition
func (s *PostgreSQLWorkflowStore) GetWorkflow(ctx context.Context, name string) (*models.WorkflowDefinition, error) {
	var definition []byte
	err := s.db.QueryRowContext(ctx, "SELECT definition FROM workflows WHERE name = $1", name).Scan(&definition)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	var workflow models.WorkflowDefinition
	if err := json.Unmarshal(definition, &workflow); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow %s: %w", name, err)
	}
	return &workflow, nil
}

// ListWorkflows returns all workflow definitions ordered by name
func (s *PostgreSQLWorkflowStore) ListWorkflows(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT definition FROM workflows ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}
	defer rows.Close()

	var workflows []*models.WorkflowDefinition
	for rows.Next() {
		var definition []byte
		if err := rows.Scan(&definition); err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		var workflow models.WorkflowDefinition
		if err := json.Unmarshal(definition, &workflow); err != nil {
			return nil, fmt.Errorf("failed to unmarshal workflow: %w", err)
		}
		workflows = append(workflows, &workflow)
	}
	return workflows, rows.Err()
}

// DeleteWorkflow removes a workflow definition
func (s *PostgreSQLWorkflowStore) DeleteWorkflow(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM workflows WHERE name = $1", name)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, name)
	}
	return nil
}

// PostgreSQLExecutionStore implements the ExecutionStore interface using PostgreSQL
type PostgreSQLExecutionStore struct {
	db *sql.DB
}

// NewPostgreSQLExecutionStore creates a new PostgreSQL execution store
func NewPostgreSQLExecutionStore(db *sql.DB) *PostgreSQLExecutionStore {
	return &PostgreSQLExecutionStore{db: db}
}

// Initialize creates the executions table if it doesn't exist
func (s *PostgreSQLExecutionStore) Initialize(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			record JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS executions_workflow_name_idx ON executions (workflow_name);
		CREATE INDEX IF NOT EXISTS executions_created_at_idx ON executions (created_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to create executions table: %w", err)
	}
	return nil
}

// SaveExecution creates or replaces an execution record
func (s *PostgreSQLExecutionStore) SaveExecution(ctx context.Context, execution *models.Execution) error {
	record, err := json.Marshal(execution)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}

	var completedAt sql.NullTime
	if execution.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *execution.CompletedAt, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, workflow_name, status, created_at, completed_at, record)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at,
			record = EXCLUDED.record`,
		execution.ID, execution.WorkflowName, string(execution.Status), execution.CreatedAt, completedAt, record,
	)
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution record
func (s *PostgreSQLExecutionStore) GetExecution(ctx context.Context, executionID string) (*models.Execution, error) {
	var record []byte
	err := s.db.QueryRowContext(ctx, "SELECT record FROM executions WHERE id = $1", executionID).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	var execution models.Execution
	if err := json.Unmarshal(record, &execution); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution %s: %w", executionID, err)
	}
	return &execution, nil
}

// ListExecutions returns all execution records, newest first
func (s *PostgreSQLExecutionStore) ListExecutions(ctx context.Context) ([]*models.Execution, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT record FROM executions ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var executions []*models.Execution
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		var execution models.Execution
		if err := json.Unmarshal(record, &execution); err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
		}
		executions = append(executions, &execution)
	}
	return executions, rows.Err()
}

// DeleteExecution removes an execution record
func (s *PostgreSQLExecutionStore) DeleteExecution(ctx context.Context, executionID string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM executions WHERE id = $1", executionID)
	if err != nil {
		return fmt.Errorf("failed to delete execution: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	return nil
}
