package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/agentrunner/pkg/agents"
	"github.com/tcmartin/agentrunner/pkg/models"
	"github.com/tcmartin/agentrunner/pkg/storage"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Storage.Type)
	assert.Equal(t, 5*time.Minute, cfg.Engine.DefaultStepTimeout.Std())
	assert.True(t, cfg.Workflows.Templates)
	assert.NoError(t, cfg.Validate())
}

func TestSaveAndLoadConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nested", "config.json")

	original := DefaultConfig()
	original.Server.Host = "testhost"
	original.Server.Port = 9090
	original.Storage.Type = "postgres"
	original.Engine.RetentionTTL = models.D(2 * time.Hour)
	original.Agents = []agents.Config{{Name: "claude-agent", Type: "llm", Provider: "anthropic", Model: "claude", Timeout: models.D(time.Minute)}}

	require.NoError(t, SaveConfig(original, configPath))

	loaded, err := LoadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, "testhost", loaded.Server.Host)
	assert.Equal(t, 9090, loaded.Server.Port)
	assert.Equal(t, "postgres", loaded.Storage.Type)
	assert.Equal(t, 2*time.Hour, loaded.Engine.RetentionTTL.Std())
	require.Len(t, loaded.Agents, 1)
	assert.Equal(t, "anthropic", loaded.Agents[0].Provider)
	assert.Equal(t, time.Minute, loaded.Agents[0].Timeout.Std())
}

func TestLoadConfig_YAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentrunner.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 7000
engine:
  default_step_timeout: 45
  retention_ttl: 1h
agents:
  - name: reviewer
    type: cli
    command: echo
    timeout: 30s
webhooks:
  endpoints:
    - url: https://hooks.example.com/runs
      secret: s3cret
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 45*time.Second, cfg.Engine.DefaultStepTimeout.Std())
	assert.Equal(t, time.Hour, cfg.Engine.RetentionTTL.Std())
	assert.Equal(t, 30*time.Minute, cfg.Engine.DefaultWorkflowTimeout.Std())
	require.Len(t, cfg.Agents, 1)
	assert.Equal(t, 30*time.Second, cfg.Agents[0].Timeout.Std())
	require.Len(t, cfg.Webhooks.Endpoints, 1)
	assert.Equal(t, "s3cret", cfg.Webhooks.Endpoints[0].Secret)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("AGENTRUNNER_SERVER_PORT", "9999")
	t.Setenv("AGENTRUNNER_STORAGE_TYPE", "redis")
	t.Setenv("AGENTRUNNER_ENGINE_RETENTION_TTL", "10m")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Storage.Type)
	assert.Equal(t, 10*time.Minute, cfg.Engine.RetentionTTL.Std())
}

func TestLoadConfigError(t *testing.T) {
	_, err := LoadConfig("non-existent-file.json")
	assert.ErrorContains(t, err, "failed to read config file")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("server: [unclosed"), 0o644))
	_, err = LoadConfig(bad)
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"tls without files", func(c *Config) { c.Server.TLS.Enabled = true }, "cert_file"},
		{"unknown storage", func(c *Config) { c.Storage.Type = "mongo" }, "unknown storage type"},
		{"postgres without host", func(c *Config) { c.Storage.Type = "postgres"; c.Storage.Postgres.Host = "" }, "requires host"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"file without path", func(c *Config) { c.Logging.Output = "file" }, "file_path"},
		{"negative max executions", func(c *Config) { c.Engine.MaxExecutions = -1 }, "max_executions"},
		{"invalid agent", func(c *Config) { c.Agents = []agents.Config{{Name: "x", Type: "teleport"}} }, "agents[0]"},
		{"duplicate agent", func(c *Config) {
			c.Agents = []agents.Config{{Name: "x", Type: "cli", Command: "a"}, {Name: "x", Type: "cli", Command: "b"}}
		}, "duplicate agent name"},
		{"github without secret", func(c *Config) { c.GitHub.Enabled = true }, "webhook_secret"},
		{"bad webhook url", func(c *Config) { c.Webhooks.Endpoints = []WebhookEndpoint{{URL: "ftp://x"}} }, "http or https"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.wantErr)
		})
	}
}

func TestStorageConfig_ProviderConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, storage.ProviderConfig{Type: storage.MemoryProviderType}, cfg.Storage.ProviderConfig())

	cfg.Storage.Type = "redis"
	pc := cfg.Storage.ProviderConfig()
	require.NotNil(t, pc.Redis)
	assert.Equal(t, "localhost:6379", pc.Redis.Addr)
	assert.Nil(t, pc.PostgreSQL)

	cfg.Storage.Type = "dynamodb"
	pc = cfg.Storage.ProviderConfig()
	require.NotNil(t, pc.DynamoDB)
	assert.Equal(t, "agentrunner_", pc.DynamoDB.TablePrefix)
}

func TestEngineConfig(t *testing.T) {
	e := DefaultConfig().Engine
	assert.Equal(t, 30*time.Minute, e.RuntimeConfig().DefaultWorkflowTimeout)
	policy := e.RetentionPolicy()
	assert.Equal(t, 24*time.Hour, policy.TTL)
	assert.Equal(t, 1000, policy.MaxExecutions)
	assert.True(t, policy.Enabled())
}
