package storage

import (
	"fmt"
)

// ProviderType represents the type of storage provider
type ProviderType string

const (
	// MemoryProviderType is an in-memory storage provider
	MemoryProviderType ProviderType = "memory"

	// DynamoDBProviderType is a DynamoDB storage provider
	DynamoDBProviderType ProviderType = "dynamodb"

	// PostgreSQLProviderType is a PostgreSQL storage provider
	PostgreSQLProviderType ProviderType = "postgres"

	// RedisProviderType is a Redis storage provider
	RedisProviderType ProviderType = "redis"
)

// ProviderConfig contains configuration for storage providers
type ProviderConfig struct {
	// Type is the type of storage provider to create
	Type ProviderType `json:"type" mapstructure:"type"`

	// DynamoDB contains configuration for the DynamoDB provider
	DynamoDB *DynamoDBProviderConfig `json:"dynamodb,omitempty" mapstructure:"dynamodb"`

	// PostgreSQL contains configuration for the PostgreSQL provider
	PostgreSQL *PostgreSQLProviderConfig `json:"postgres,omitempty" mapstructure:"postgres"`

	// Redis contains configuration for the Redis provider
	Redis *RedisProviderConfig `json:"redis,omitempty" mapstructure:"redis"`
}

// NewProvider creates a new storage provider based on the configuration.
// An empty type selects the memory provider.
func NewProvider(config ProviderConfig) (StorageProvider, error) {
	switch config.Type {
	case MemoryProviderType, "":
		return NewMemoryProvider(), nil

	case DynamoDBProviderType:
		if config.DynamoDB == nil {
			return nil, fmt.Errorf("DynamoDB configuration is required for DynamoDB provider")
		}
		return NewDynamoDBProvider(*config.DynamoDB)

	case PostgreSQLProviderType, "postgresql":
		if config.PostgreSQL == nil {
			return nil, fmt.Errorf("PostgreSQL configuration is required for PostgreSQL provider")
		}
		return NewPostgreSQLProvider(*config.PostgreSQL)

	case RedisProviderType:
		if config.Redis == nil {
			return nil, fmt.Errorf("Redis configuration is required for Redis provider")
		}
		return NewRedisProvider(*config.Redis), nil

	default:
		return nil, fmt.Errorf("unknown provider type: %s", config.Type)
	}
}
