package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/tcmartin/agentrunner/pkg/models"
)

// RedisProviderConfig contains configuration for the Redis provider
type RedisProviderConfig struct {
	Addr      string `json:"addr" mapstructure:"addr"`
	Password  string `json:"password" mapstructure:"password"`
	DB        int    `json:"db" mapstructure:"db"`
	KeyPrefix string `json:"key_prefix" mapstructure:"key_prefix"`
}

// RedisProvider implements the StorageProvider interface using Redis. Each
// record is a JSON string key; a set per record type indexes the keys.
type RedisProvider struct {
	client         *redis.Client
	workflowStore  *RedisWorkflowStore
	executionStore *RedisExecutionStore
}

// NewRedisProvider creates a new Redis storage provider
func NewRedisProvider(config RedisProviderConfig) *RedisProvider {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	return NewRedisProviderWithClient(client, config.KeyPrefix)
}

// NewRedisProviderWithClient wraps an existing client
func NewRedisProviderWithClient(client *redis.Client, keyPrefix string) *RedisProvider {
	if keyPrefix == "" {
		keyPrefix = "agentrunner:"
	}
	return &RedisProvider{
		client:         client,
		workflowStore:  &RedisWorkflowStore{client: client, prefix: keyPrefix},
		executionStore: &RedisExecutionStore{client: client, prefix: keyPrefix},
	}
}

// Initialize verifies the connection
func (p *RedisProvider) Initialize(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return nil
}

// Close cleans up resources
func (p *RedisProvider) Close() error {
	return p.client.Close()
}

// GetWorkflowStore returns a store for workflow definitions
func (p *RedisProvider) GetWorkflowStore() WorkflowStore {
	return p.workflowStore
}

// GetExecutionStore returns a store for execution records
func (p *RedisProvider) GetExecutionStore() ExecutionStore {
	return p.executionStore
}

// RedisWorkflowStore implements the WorkflowStore interface using Redis
type RedisWorkflowStore struct {
	client *redis.Client
	prefix string
}

func (s *RedisWorkflowStore) key(name string) string { return s.prefix + "workflow:" + name }
func (s *RedisWorkflowStore) index() string          { return s.prefix + "workflows" }

// SaveWorkflow creates or replaces a workflow definition
func (s *RedisWorkflowStore) SaveWorkflow(ctx context.Context, workflow *models.WorkflowDefinition) error {
	data, err := json.Marshal(workflow)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(workflow.Name), data, 0)
		pipe.SAdd(ctx, s.index(), workflow.Name)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}
	return nil
}

// GetWorkflow retrieves a workflow definition
func (s *RedisWorkflowStore) GetWorkflow(ctx context.Context, name string) (*models.WorkflowDefinition, error) {
	data, err := s.client.Get(ctx, s.key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	var workflow models.WorkflowDefinition
	if err := json.Unmarshal(data, &workflow); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow %s: %w", name, err)
	}
	return &workflow, nil
}

// ListWorkflows returns all workflow definitions ordered by name
func (s *RedisWorkflowStore) ListWorkflows(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	names, err := s.client.SMembers(ctx, s.index()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	sort.Strings(names)

	workflows := make([]*models.WorkflowDefinition, 0, len(names))
	for _, name := range names {
		workflow, err := s.GetWorkflow(ctx, name)
		if errors.Is(err, ErrWorkflowNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, workflow)
	}
	return workflows, nil
}

// DeleteWorkflow removes a workflow definition
func (s *RedisWorkflowStore) DeleteWorkflow(ctx context.Context, name string) error {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.key(name))
		pipe.SRem(ctx, s.index(), name)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	if del.Val() == 0 {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, name)
	}
	return nil
}

// RedisExecutionStore implements the ExecutionStore interface using Redis.
// The index is a sorted set scored by creation time.
type RedisExecutionStore struct {
	client *redis.Client
	prefix string
}

func (s *RedisExecutionStore) key(id string) string { return s.prefix + "execution:" + id }
func (s *RedisExecutionStore) index() string        { return s.prefix + "executions" }

// SaveExecution creates or replaces an execution record
func (s *RedisExecutionStore) SaveExecution(ctx context.Context, execution *models.Execution) error {
	data, err := json.Marshal(execution)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(execution.ID), data, 0)
		pipe.ZAdd(ctx, s.index(), &redis.Z{
			Score:  float64(execution.CreatedAt.UnixNano()) / float64(time.Millisecond),
			Member: execution.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution record
func (s *RedisExecutionStore) GetExecution(ctx context.Context, executionID string) (*models.Execution, error) {
	data, err := s.client.Get(ctx, s.key(executionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	var execution models.Execution
	if err := json.Unmarshal(data, &execution); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution %s: %w", executionID, err)
	}
	return &execution, nil
}

// ListExecutions returns all execution records, newest first
func (s *RedisExecutionStore) ListExecutions(ctx context.Context) ([]*models.Execution, error) {
	ids, err := s.client.ZRevRange(ctx, s.index(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	executions := make([]*models.Execution, 0, len(ids))
	for _, id := range ids {
		execution, err := s.GetExecution(ctx, id)
		if errors.Is(err, ErrExecutionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		executions = append(executions, execution)
	}
	return executions, nil
}

// DeleteExecution removes an execution record
func (s *RedisExecutionStore) DeleteExecution(ctx context.Context, executionID string) error {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.key(executionID))
		pipe.ZRem(ctx, s.index(), executionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete execution: %w", err)
	}
	if del.Val() == 0 {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	return nil
}
