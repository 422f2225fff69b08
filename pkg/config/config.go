// Package config provides configuration handling for agentrunner.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/tcmartin/agentrunner/pkg/agents"
	"github.com/tcmartin/agentrunner/pkg/logging"
	"github.com/tcmartin/agentrunner/pkg/models"
	"github.com/tcmartin/agentrunner/pkg/runtime"
	"github.com/tcmartin/agentrunner/pkg/storage"
)

// EnvPrefix prefixes environment overrides, e.g. AGENTRUNNER_SERVER_PORT
const EnvPrefix = "AGENTRUNNER"

// Config represents the application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Storage configuration
	Storage StorageConfig `json:"storage" mapstructure:"storage"`

	// Logging configuration
	Logging logging.LogConfig `json:"logging" mapstructure:"logging"`

	// Engine defaults and execution retention
	Engine EngineConfig `json:"engine" mapstructure:"engine"`

	// Agents registered at startup
	Agents []agents.Config `json:"agents" mapstructure:"agents"`

	// Workflows configuration
	Workflows WorkflowsConfig `json:"workflows" mapstructure:"workflows"`

	// MCP server configuration
	MCP MCPConfig `json:"mcp" mapstructure:"mcp"`

	// GitHub integration configuration
	GitHub GitHubConfig `json:"github" mapstructure:"github"`

	// Webhooks configuration
	Webhooks WebhooksConfig `json:"webhooks" mapstructure:"webhooks"`

	// Metrics configuration
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	// Host to bind to
	Host string `json:"host" mapstructure:"host"`

	// Port to listen on
	Port int `json:"port" mapstructure:"port"`

	// ReadTimeout bounds reading a request
	ReadTimeout models.Duration `json:"read_timeout" mapstructure:"read_timeout"`

	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout models.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout"`

	// TLS configuration
	TLS TLSConfig `json:"tls" mapstructure:"tls"`
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// TLSConfig contains TLS settings
type TLSConfig struct {
	// Enabled indicates whether TLS is enabled
	Enabled bool `json:"enabled" mapstructure:"enabled"`

	// CertFile is the path to the certificate file
	CertFile string `json:"cert_file" mapstructure:"cert_file"`

	// KeyFile is the path to the key file
	KeyFile string `json:"key_file" mapstructure:"key_file"`
}

// StorageConfig contains storage settings
type StorageConfig struct {
	// Type of storage to use: "memory", "postgres", "redis" or "dynamodb"
	Type string `json:"type" mapstructure:"type"`

	// DynamoDB configuration
	DynamoDB storage.DynamoDBProviderConfig `json:"dynamodb" mapstructure:"dynamodb"`

	// PostgreSQL configuration
	Postgres storage.PostgreSQLProviderConfig `json:"postgres" mapstructure:"postgres"`

	// Redis configuration
	Redis storage.RedisProviderConfig `json:"redis" mapstructure:"redis"`
}

// ProviderConfig converts the section into a storage.ProviderConfig
func (s StorageConfig) ProviderConfig() storage.ProviderConfig {
	cfg := storage.ProviderConfig{Type: storage.ProviderType(s.Type)}
	switch cfg.Type {
	case storage.DynamoDBProviderType:
		dynamo := s.DynamoDB
		cfg.DynamoDB = &dynamo
	case storage.PostgreSQLProviderType, "postgresql":
		pg := s.Postgres
		cfg.PostgreSQL = &pg
	case storage.RedisProviderType:
		r := s.Redis
		cfg.Redis = &r
	}
	return cfg
}

// EngineConfig contains workflow engine settings
type EngineConfig struct {
	// DefaultStepTimeout applies to steps without their own timeout
	DefaultStepTimeout models.Duration `json:"default_step_timeout" mapstructure:"default_step_timeout"`

	// DefaultWorkflowTimeout applies to workflows without their own timeout
	DefaultWorkflowTimeout models.Duration `json:"default_workflow_timeout" mapstructure:"default_workflow_timeout"`

	// RetentionTTL is how long finished executions are kept; 0 keeps them
	RetentionTTL models.Duration `json:"retention_ttl" mapstructure:"retention_ttl"`

	// MaxExecutions caps retained finished executions; 0 is unbounded
	MaxExecutions int `json:"max_executions" mapstructure:"max_executions"`

	// PruneSchedule is the cron spec for retention
	PruneSchedule string `json:"prune_schedule" mapstructure:"prune_schedule"`
}

// RuntimeConfig returns the engine defaults
func (e EngineConfig) RuntimeConfig() runtime.EngineConfig {
	return runtime.EngineConfig{
		DefaultStepTimeout:     e.DefaultStepTimeout.Std(),
		DefaultWorkflowTimeout: e.DefaultWorkflowTimeout.Std(),
	}
}

// RetentionPolicy returns the retention settings
func (e EngineConfig) RetentionPolicy() runtime.RetentionPolicy {
	return runtime.RetentionPolicy{
		TTL:           e.RetentionTTL.Std(),
		MaxExecutions: e.MaxExecutions,
		Schedule:      e.PruneSchedule,
	}
}

// WorkflowsConfig contains workflow source settings
type WorkflowsConfig struct {
	// Directory holds .yaml, .yml and .json definitions imported on startup
	Directory string `json:"directory" mapstructure:"directory"`

	// Templates enables the built-in template workflows
	Templates bool `json:"templates" mapstructure:"templates"`
}

// MCPConfig contains MCP server settings
type MCPConfig struct {
	// Enabled mounts the MCP server on the HTTP server
	Enabled bool `json:"enabled" mapstructure:"enabled"`

	// BasePath is where the SSE transport is mounted
	BasePath string `json:"base_path" mapstructure:"base_path"`
}

// GitHubConfig contains GitHub integration settings
type GitHubConfig struct {
	// Enabled mounts the webhook endpoint
	Enabled bool `json:"enabled" mapstructure:"enabled"`

	// WebhookSecret verifies X-Hub-Signature-256
	WebhookSecret string `json:"webhook_secret" mapstructure:"webhook_secret"`

	// ReviewWorkflow runs for pull request events
	ReviewWorkflow string `json:"review_workflow" mapstructure:"review_workflow"`

	// TaskWorkflow runs for issue events
	TaskWorkflow string `json:"task_workflow" mapstructure:"task_workflow"`
}

// WebhookEndpoint is one outbound webhook receiver
type WebhookEndpoint struct {
	URL    string `json:"url" mapstructure:"url"`
	Secret string `json:"secret,omitempty" mapstructure:"secret"`

	// Events filters event types; empty means all terminal events
	Events []string `json:"events,omitempty" mapstructure:"events"`
}

// WebhooksConfig contains outbound webhook settings
type WebhooksConfig struct {
	Endpoints  []WebhookEndpoint `json:"endpoints" mapstructure:"endpoints"`
	MaxRetries int               `json:"max_retries" mapstructure:"max_retries"`
	Timeout    models.Duration   `json:"timeout" mapstructure:"timeout"`
}

// MetricsConfig contains Prometheus settings
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Path    string `json:"path" mapstructure:"path"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8080,
			ReadTimeout:     models.D(30 * time.Second),
			ShutdownTimeout: models.D(15 * time.Second),
		},
		Storage: StorageConfig{
			Type: "memory",
			DynamoDB: storage.DynamoDBProviderConfig{
				Region:      "us-west-2",
				TablePrefix: "agentrunner_",
			},
			Postgres: storage.PostgreSQLProviderConfig{
				Host:     "localhost",
				Port:     5432,
				Database: "agentrunner",
				User:     "agentrunner",
				SSLMode:  "disable",
			},
			Redis: storage.RedisProviderConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "agentrunner:",
			},
		},
		Logging: logging.LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Engine: EngineConfig{
			DefaultStepTimeout:     models.D(5 * time.Minute),
			DefaultWorkflowTimeout: models.D(30 * time.Minute),
			RetentionTTL:           models.D(24 * time.Hour),
			MaxExecutions:          1000,
			PruneSchedule:          runtime.DefaultPruneSchedule,
		},
		Agents: []agents.Config{},
		Workflows: WorkflowsConfig{
			Directory: "./workflows",
			Templates: true,
		},
		MCP: MCPConfig{
			Enabled:  true,
			BasePath: "/mcp",
		},
		GitHub: GitHubConfig{
			ReviewWorkflow: "code-review",
			TaskWorkflow:   "task-development",
		},
		Webhooks: WebhooksConfig{
			Endpoints:  []WebhookEndpoint{},
			MaxRetries: 3,
			Timeout:    models.D(10 * time.Second),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// LoadConfig loads the configuration from a YAML or JSON file layered over
// DefaultConfig. AGENTRUNNER_* environment variables override both. An
// empty path reads defaults and environment only.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults, err := json.Marshal(DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to encode defaults: %w", err)
	}
	v.SetConfigType("json")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("failed to read defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	var config Config
	hooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationHook,
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&config, hooks); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &config, nil
}

var durationType = reflect.TypeOf(models.Duration(0))

// durationHook decodes models.Duration from strings ("90s") and numbers
// (seconds)
func durationHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if to != durationType || from == durationType {
		return data, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var d models.Duration
	if err := d.UnmarshalJSON(raw); err != nil {
		return nil, err
	}
	return d, nil
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires cert_file and key_file"))
	}

	switch storage.ProviderType(c.Storage.Type) {
	case storage.MemoryProviderType, storage.RedisProviderType:
	case storage.PostgreSQLProviderType, "postgresql":
		if c.Storage.Postgres.Host == "" || c.Storage.Postgres.Database == "" {
			errs = append(errs, errors.New("storage.postgres requires host and database"))
		}
	case storage.DynamoDBProviderType:
		if c.Storage.DynamoDB.Region == "" {
			errs = append(errs, errors.New("storage.dynamodb requires region"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage type %q", c.Storage.Type))
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		errs = append(errs, errors.New("logging.file_path is required when output is file"))
	}

	if c.Engine.DefaultStepTimeout < 0 || c.Engine.DefaultWorkflowTimeout < 0 || c.Engine.RetentionTTL < 0 {
		errs = append(errs, errors.New("engine timeouts must not be negative"))
	}
	if c.Engine.MaxExecutions < 0 {
		errs = append(errs, errors.New("engine.max_executions must not be negative"))
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, agent := range c.Agents {
		if err := agent.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("agents[%d]: %w", i, err))
		}
		if seen[agent.Name] {
			errs = append(errs, fmt.Errorf("agents[%d]: duplicate agent name %q", i, agent.Name))
		}
		seen[agent.Name] = true
	}

	if c.GitHub.Enabled && c.GitHub.WebhookSecret == "" {
		errs = append(errs, errors.New("github.webhook_secret is required when github is enabled"))
	}
	for i, ep := range c.Webhooks.Endpoints {
		if !strings.HasPrefix(ep.URL, "http://") && !strings.HasPrefix(ep.URL, "https://") {
			errs = append(errs, fmt.Errorf("webhooks.endpoints[%d]: url must be http or https", i))
		}
	}
	if c.Webhooks.MaxRetries < 0 {
		errs = append(errs, errors.New("webhooks.max_retries must not be negative"))
	}

	return errors.Join(errs...)
}

// SaveConfig saves the configuration to a file as JSON
func SaveConfig(config *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
