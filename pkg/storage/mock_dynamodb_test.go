package storage

import (
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
)

// MockDynamoDBAPI implements the subset of dynamodbiface.DynamoDBAPI the
// stores use, backed by in-memory tables
type MockDynamoDBAPI struct {
	dynamodbiface.DynamoDBAPI
	mu     sync.RWMutex
	tables map[string]*MockTable

	// pageSize splits scans into pages when positive
	pageSize int
}

// MockTable represents a DynamoDB table in memory
type MockTable struct {
	Name      string
	Items     map[string]map[string]*dynamodb.AttributeValue
	Order     []string
	KeySchema []*dynamodb.KeySchemaElement
}

// NewMockDynamoDBAPI creates a new mock DynamoDB client
func NewMockDynamoDBAPI() *MockDynamoDBAPI {
	return &MockDynamoDBAPI{
		tables: make(map[string]*MockTable),
	}
}

// CreateTableWithContext creates a mock table
func (m *MockDynamoDBAPI) CreateTableWithContext(ctx aws.Context, input *dynamodb.CreateTableInput, _ ...request.Option) (*dynamodb.CreateTableOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tableName := aws.StringValue(input.TableName)
	if _, exists := m.tables[tableName]; exists {
		return nil, awserr.New(dynamodb.ErrCodeResourceInUseException, "table already exists: "+tableName, nil)
	}

	m.tables[tableName] = &MockTable{
		Name:      tableName,
		Items:     make(map[string]map[string]*dynamodb.AttributeValue),
		KeySchema: input.KeySchema,
	}

	return &dynamodb.CreateTableOutput{
		TableDescription: &dynamodb.TableDescription{
			TableName:   input.TableName,
			TableStatus: aws.String("ACTIVE"),
		},
	}, nil
}

// DescribeTableWithContext describes a mock table
func (m *MockDynamoDBAPI) DescribeTableWithContext(ctx aws.Context, input *dynamodb.DescribeTableInput, _ ...request.Option) (*dynamodb.DescribeTableOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	table, exists := m.tables[aws.StringValue(input.TableName)]
	if !exists {
		return nil, awserr.New(dynamodb.ErrCodeResourceNotFoundException, "Requested resource not found", nil)
	}

	return &dynamodb.DescribeTableOutput{
		Table: &dynamodb.TableDescription{
			TableName:   aws.String(table.Name),
			TableStatus: aws.String("ACTIVE"),
			KeySchema:   table.KeySchema,
		},
	}, nil
}

// WaitUntilTableExistsWithContext returns immediately; mock tables are
// available as soon as they are created
func (m *MockDynamoDBAPI) WaitUntilTableExistsWithContext(ctx aws.Context, input *dynamodb.DescribeTableInput, _ ...request.WaiterOption) error {
	return nil
}

// PutItemWithContext puts an item in a mock table
func (m *MockDynamoDBAPI) PutItemWithContext(ctx aws.Context, input *dynamodb.PutItemInput, _ ...request.Option) (*dynamodb.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	table, err := m.table(aws.StringValue(input.TableName))
	if err != nil {
		return nil, err
	}

	key := generateKey(table.KeySchema, input.Item)
	if _, exists := table.Items[key]; !exists {
		table.Order = append(table.Order, key)
	}
	table.Items[key] = input.Item
	return &dynamodb.PutItemOutput{}, nil
}

// GetItemWithContext gets an item from a mock table
func (m *MockDynamoDBAPI) GetItemWithContext(ctx aws.Context, input *dynamodb.GetItemInput, _ ...request.Option) (*dynamodb.GetItemOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	table, err := m.table(aws.StringValue(input.TableName))
	if err != nil {
		return nil, err
	}

	item, exists := table.Items[generateKey(table.KeySchema, input.Key)]
	if !exists {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: item}, nil
}

// ScanWithContext scans a mock table, honouring ExclusiveStartKey
func (m *MockDynamoDBAPI) ScanWithContext(ctx aws.Context, input *dynamodb.ScanInput, _ ...request.Option) (*dynamodb.ScanOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	table, err := m.table(aws.StringValue(input.TableName))
	if err != nil {
		return nil, err
	}

	start := 0
	if input.ExclusiveStartKey != nil {
		after := generateKey(table.KeySchema, input.ExclusiveStartKey)
		for i, key := range table.Order {
			if key == after {
				start = i + 1
				break
			}
		}
	}

	out := &dynamodb.ScanOutput{}
	for _, key := range table.Order[start:] {
		item, ok := table.Items[key]
		if !ok {
			continue
		}
		out.Items = append(out.Items, item)
		if m.pageSize > 0 && len(out.Items) == m.pageSize {
			out.LastEvaluatedKey = keyAttributes(table.KeySchema, item)
			break
		}
	}
	out.Count = aws.Int64(int64(len(out.Items)))
	return out, nil
}

// DeleteItemWithContext deletes an item; a condition expression requires the
// item to exist
func (m *MockDynamoDBAPI) DeleteItemWithContext(ctx aws.Context, input *dynamodb.DeleteItemInput, _ ...request.Option) (*dynamodb.DeleteItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	table, err := m.table(aws.StringValue(input.TableName))
	if err != nil {
		return nil, err
	}

	key := generateKey(table.KeySchema, input.Key)
	if _, exists := table.Items[key]; !exists && input.ConditionExpression != nil {
		return nil, awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "The conditional request failed", nil)
	}
	delete(table.Items, key)
	for i, k := range table.Order {
		if k == key {
			table.Order = append(table.Order[:i], table.Order[i+1:]...)
			break
		}
	}
	return &dynamodb.DeleteItemOutput{}, nil
}

func (m *MockDynamoDBAPI) table(name string) (*MockTable, error) {
	table, exists := m.tables[name]
	if !exists {
		return nil, awserr.New(dynamodb.ErrCodeResourceNotFoundException, fmt.Sprintf("table not found: %s", name), nil)
	}
	return table, nil
}

// generateKey generates a composite key from key schema and item attributes
func generateKey(keySchema []*dynamodb.KeySchemaElement, item map[string]*dynamodb.AttributeValue) string {
	var keyParts []string
	for _, keyElement := range keySchema {
		if attr, exists := item[aws.StringValue(keyElement.AttributeName)]; exists {
			if attr.S != nil {
				keyParts = append(keyParts, aws.StringValue(attr.S))
			} else if attr.N != nil {
				keyParts = append(keyParts, aws.StringValue(attr.N))
			}
		}
	}
	return strings.Join(keyParts, "#")
}

func keyAttributes(keySchema []*dynamodb.KeySchemaElement, item map[string]*dynamodb.AttributeValue) map[string]*dynamodb.AttributeValue {
	key := make(map[string]*dynamodb.AttributeValue, len(keySchema))
	for _, keyElement := range keySchema {
		name := aws.StringValue(keyElement.AttributeName)
		key[name] = item[name]
	}
	return key
}
