package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/aws/aws-sdk-go/service/dynamodb/expression"

	"github.com/tcmartin/agentrunner/pkg/models"
)

// DynamoDBProvider implements the StorageProvider interface using DynamoDB
type DynamoDBProvider struct {
	client         dynamodbiface.DynamoDBAPI
	workflowStore  *DynamoDBWorkflowStore
	executionStore *DynamoDBExecutionStore
	tablePrefix    string
}

// DynamoDBProviderConfig contains configuration for the DynamoDB provider
type DynamoDBProviderConfig struct {
	Region      string `json:"region" mapstructure:"region"`
	AccessKey   string `json:"access_key" mapstructure:"access_key"`
	SecretKey   string `json:"secret_key" mapstructure:"secret_key"`
	TablePrefix string `json:"table_prefix" mapstructure:"table_prefix"`
	Endpoint    string `json:"endpoint" mapstructure:"endpoint"` // Optional, for local DynamoDB
}

// NewDynamoDBProvider creates a new DynamoDB storage provider
func NewDynamoDBProvider(config DynamoDBProviderConfig) (*DynamoDBProvider, error) {
	awsConfig := &aws.Config{
		Region: aws.String(config.Region),
	}

	if config.AccessKey != "" && config.SecretKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(config.AccessKey, config.SecretKey, "")
	}
	if config.Endpoint != "" {
		awsConfig.Endpoint = aws.String(config.Endpoint)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return NewDynamoDBProviderWithClient(dynamodb.New(sess), config.TablePrefix), nil
}

// NewDynamoDBProviderWithClient creates a new DynamoDB storage provider with a custom client
func NewDynamoDBProviderWithClient(client dynamodbiface.DynamoDBAPI, tablePrefix string) *DynamoDBProvider {
	return &DynamoDBProvider{
		client:         client,
		tablePrefix:    tablePrefix,
		workflowStore:  NewDynamoDBWorkflowStore(client, tablePrefix),
		executionStore: NewDynamoDBExecutionStore(client, tablePrefix),
	}
}

// Initialize creates the tables if they don't exist
func (p *DynamoDBProvider) Initialize(ctx context.Context) error {
	if err := p.workflowStore.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize workflow store: %w", err)
	}
	if err := p.executionStore.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize execution store: %w", err)
	}
	return nil
}

// Close cleans up resources
func (p *DynamoDBProvider) Close() error {
	return nil
}

// GetWorkflowStore returns a store for workflow definitions
func (p *DynamoDBProvider) GetWorkflowStore() WorkflowStore {
	return p.workflowStore
}

// GetExecutionStore returns a store for execution records
func (p *DynamoDBProvider) GetExecutionStore() ExecutionStore {
	return p.executionStore
}

// ensureTable creates a table keyed by hashKey unless it already exists
func ensureTable(ctx context.Context, client dynamodbiface.DynamoDBAPI, table, hashKey string) error {
	_, err := client.DescribeTableWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(table),
	})
	if err == nil {
		return nil
	}

	var aerr awserr.Error
	if !errors.As(err, &aerr) || aerr.Code() != dynamodb.ErrCodeResourceNotFoundException {
		return fmt.Errorf("failed to check if table %s exists: %w", table, err)
	}

	_, err = client.CreateTableWithContext(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(table),
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{AttributeName: aws.String(hashKey), AttributeType: aws.String("S")},
		},
		KeySchema: []*dynamodb.KeySchemaElement{
			{AttributeName: aws.String(hashKey), KeyType: aws.String("HASH")},
		},
		BillingMode: aws.String("PAY_PER_REQUEST"),
	})
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", table, err)
	}

	if err := client.WaitUntilTableExistsWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(table),
	}); err != nil {
		return fmt.Errorf("failed to wait for table %s creation: %w", table, err)
	}
	return nil
}

// scanAll pages through a table
func scanAll(ctx context.Context, client dynamodbiface.DynamoDBAPI, table string) ([]map[string]*dynamodb.AttributeValue, error) {
	var items []map[string]*dynamodb.AttributeValue
	input := &dynamodb.ScanInput{TableName: aws.String(table)}
	for {
		out, err := client.ScanWithContext(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", table, err)
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// deleteExisting deletes the item under key, reporting whether it existed
func deleteExisting(ctx context.Context, client dynamodbiface.DynamoDBAPI, table, hashKey, value string) (bool, error) {
	cond := expression.AttributeExists(expression.Name(hashKey))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return false, fmt.Errorf("failed to build expression: %w", err)
	}

	_, err = client.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(table),
		Key: map[string]*dynamodb.AttributeValue{
			hashKey: {S: aws.String(value)},
		},
		ConditionExpression:      expr.Condition(),
		ExpressionAttributeNames: expr.Names(),
	})
	var aerr awserr.Error
	if errors.As(err, &aerr) && aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// workflowItem is the DynamoDB shape of a stored workflow
type workflowItem struct {
	Name        string `dynamodbav:"Name"`
	Description string `dynamodbav:"Description,omitempty"`
	Definition  string `dynamodbav:"Definition"`
	UpdatedAt   int64  `dynamodbav:"UpdatedAt"`
}

// DynamoDBWorkflowStore implements the WorkflowStore interface using DynamoDB
type DynamoDBWorkflowStore struct {
	client    dynamodbiface.DynamoDBAPI
	tableName string
}

// NewDynamoDBWorkflowStore creates a new DynamoDB workflow store
func NewDynamoDBWorkflowStore(client dynamodbiface.DynamoDBAPI, tablePrefix string) *DynamoDBWorkflowStore {
	return &DynamoDBWorkflowStore{client: client, tableName: tablePrefix + "workflows"}
}

// Initialize creates the workflows table if it doesn't exist
func (s *DynamoDBWorkflowStore) Initialize(ctx context.Context) error {
	return ensureTable(ctx, s.client, s.tableName, "Name")
}

// SaveWorkflow creates or replaces a workflow definition
func (s *DynamoDBWorkflowStore) SaveWorkflow(ctx context.Context, workflow *models.WorkflowDefinition) error {
	definition, err := json.Marshal(workflow)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}

	item, err := dynamodbattribute.MarshalMap(workflowItem{
		Name:        workflow.Name,
		Description: workflow.Description,
		Definition:  string(definition),
		UpdatedAt:   time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal workflow item: %w", err)
	}

	if _, err := s.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}
	return nil
}

// GetWorkflow retrieves a workflow definition
func (s *DynamoDBWorkflowStore) GetWorkflow(ctx context.Context, name string) (*models.WorkflowDefinition, error) {
	out, err := s.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]*dynamodb.AttributeValue{
			"Name": {S: aws.String(name)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	if out.Item == nil {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, name)
	}
	return decodeWorkflowItem(out.Item)
}

// ListWorkflows returns all workflow definitions ordered by name
func (s *DynamoDBWorkflowStore) ListWorkflows(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	items, err := scanAll(ctx, s.client, s.tableName)
	if err != nil {
		return nil, err
	}

	workflows := make([]*models.WorkflowDefinition, 0, len(items))
	for _, item := range items {
		workflow, err := decodeWorkflowItem(item)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, workflow)
	}
	sort.Slice(workflows, func(i, j int) bool { return workflows[i].Name < workflows[j].Name })
	return workflows, nil
}

// DeleteWorkflow removes a workflow definition
func (s *DynamoDBWorkflowStore) DeleteWorkflow(ctx context.Context, name string) error {
	existed, err := deleteExisting(ctx, s.client, s.tableName, "Name", name)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	if !existed {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, name)
	}
	return nil
}

func decodeWorkflowItem(item map[string]*dynamodb.AttributeValue) (*models.WorkflowDefinition, error) {
	var wi workflowItem
	if err := dynamodbattribute.UnmarshalMap(item, &wi); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow item: %w", err)
	}
	var workflow models.WorkflowDefinition
	if err := json.Unmarshal([]byte(wi.Definition), &workflow); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow %s: %w", wi.Name, err)
	}
	return &workflow, nil
}

// executionItem is the DynamoDB shape of a stored execution. The full record
// is kept as JSON; the other attributes support console queries.
type executionItem struct {
	ID           string `dynamodbav:"ID"`
	WorkflowName string `dynamodbav:"WorkflowName"`
	Status       string `dynamodbav:"Status"`
	CreatedAt    int64  `dynamodbav:"CreatedAt"`
	CompletedAt  int64  `dynamodbav:"CompletedAt,omitempty"`
	Record       string `dynamodbav:"Record"`
}

// DynamoDBExecutionStore implements the ExecutionStore interface using DynamoDB
type DynamoDBExecutionStore struct {
	client    dynamodbiface.DynamoDBAPI
	tableName string
}

// NewDynamoDBExecutionStore creates a new DynamoDB execution store
func NewDynamoDBExecutionStore(client dynamodbiface.DynamoDBAPI, tablePrefix string) *DynamoDBExecutionStore {
	return &DynamoDBExecutionStore{client: client, tableName: tablePrefix + "executions"}
}

// Initialize creates the executions table if it doesn't exist
func (s *DynamoDBExecutionStore) Initialize(ctx context.Context) error {
	return ensureTable(ctx, s.client, s.tableName, "ID")
}

// SaveExecution creates or replaces an execution record
func (s *DynamoDBExecutionStore) SaveExecution(ctx context.Context, execution *models.Execution) error {
	record, err := json.Marshal(execution)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}

	ei := executionItem{
		ID:           execution.ID,
		WorkflowName: execution.WorkflowName,
		Status:       string(execution.Status),
		CreatedAt:    execution.CreatedAt.UnixNano(),
		Record:       string(record),
	}
	if execution.CompletedAt != nil {
		ei.CompletedAt = execution.CompletedAt.UnixNano()
	}

	item, err := dynamodbattribute.MarshalMap(ei)
	if err != nil {
		return fmt.Errorf("failed to marshal execution item: %w", err)
	}

	if _, err := s.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution record
func (s *DynamoDBExecutionStore) GetExecution(ctx context.Context, executionID string) (*models.Execution, error) {
	out, err := s.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]*dynamodb.AttributeValue{
			"ID": {S: aws.String(executionID)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	if out.Item == nil {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	return decodeExecutionItem(out.Item)
}

// ListExecutions returns all execution records, newest first
func (s *DynamoDBExecutionStore) ListExecutions(ctx context.Context) ([]*models.Execution, error) {
	items, err := scanAll(ctx, s.client, s.tableName)
	if err != nil {
		return nil, err
	}

	executions := make([]*models.Execution, 0, len(items))
	for _, item := range items {
		execution, err := decodeExecutionItem(item)
		if err != nil {
			return nil, err
		}
		executions = append(executions, execution)
	}
	sortExecutions(executions)
	return executions, nil
}

// DeleteExecution removes an execution record
func (s *DynamoDBExecutionStore) DeleteExecution(ctx context.Context, executionID string) error {
	existed, err := deleteExisting(ctx, s.client, s.tableName, "ID", executionID)
	if err != nil {
		return fmt.Errorf("failed to delete execution: %w", err)
	}
	if !existed {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	return nil
}

func decodeExecutionItem(item map[string]*dynamodb.AttributeValue) (*models.Execution, error) {
	var ei executionItem
	if err := dynamodbattribute.UnmarshalMap(item, &ei); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution item: %w", err)
	}
	var execution models.Execution
	if err := json.Unmarshal([]byte(ei.Record), &execution); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution %s: %w", ei.ID, err)
	}
	return &execution, nil
}
