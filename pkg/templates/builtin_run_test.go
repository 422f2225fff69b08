package templates_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/agentrunner/pkg/agents"
	"github.com/tcmartin/agentrunner/pkg/models"
	"github.com/tcmartin/agentrunner/pkg/registry"
	"github.com/tcmartin/agentrunner/pkg/runtime"
	"github.com/tcmartin/agentrunner/pkg/storage"
	"github.com/tcmartin/agentrunner/pkg/templates"
)

const keysMarker = "these keys: "

// modelServer answers chat completions with a JSON object holding every key
// the system prompt asks for. Each value is "<key> value".
type modelServer struct {
	*httptest.Server

	mu      sync.Mutex
	prompts []string
}

func newModelServer(t *testing.T) *modelServer {
	t.Helper()
	m := &modelServer{}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ResponseFormat *struct {
				Type string `json:"type"`
			} `json:"response_format"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		reply := map[string]interface{}{}
		for _, msg := range req.Messages {
			switch msg.Role {
			case "system":
				idx := strings.Index(msg.Content, keysMarker)
				if idx < 0 {
					continue
				}
				list := strings.TrimSuffix(msg.Content[idx+len(keysMarker):], ".")
				for _, key := range strings.Split(list, ",") {
					key = strings.TrimSpace(key)
					reply[key] = key + " value"
				}
			case "user":
				m.mu.Lock()
				m.prompts = append(m.prompts, msg.Content)
				m.mu.Unlock()
			}
		}

		// Without JSON mode the stub answers in prose, as a real model would
		content := "Here is my review."
		if req.ResponseFormat != nil && req.ResponseFormat.Type == "json_object" {
			data, _ := json.Marshal(reply)
			content = "```json\n" + string(data) + "\n```"
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"model": "gpt-test",
			"choices": []interface{}{map[string]interface{}{
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
		})
	}))
	t.Cleanup(m.Close)
	return m
}

func (m *modelServer) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

func newTemplateEngine(t *testing.T, baseURL string) (*runtime.Engine, *templates.Catalog) {
	t.Helper()
	catalog, err := templates.Builtin()
	require.NoError(t, err)

	agentRegistry := agents.NewRegistry()
	for _, name := range []string{"claude-agent", "codex-agent"} {
		agent, err := agents.NewLLMAgent(agents.Config{
			Name:     name,
			Type:     agents.TypeLLM,
			Provider: "openai",
			Model:    "gpt-test",
			APIKey:   "k",
			BaseURL:  baseURL,
		}, nil)
		require.NoError(t, err)
		require.NoError(t, agentRegistry.Register(agent))
	}

	workflows := registry.NewWorkflowRegistry(storage.NewMemoryWorkflowStore(), registry.Options{Catalog: catalog})
	engine := runtime.NewEngine(workflows, agentRegistry, runtime.NewExecutionRegistry(nil, nil))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})
	return engine, catalog
}

func TestBuiltinTemplatesRunWithLLMAgents(t *testing.T) {
	tests := []struct {
		name   string
		inputs map[string]interface{}
	}{
		{"code-review", map[string]interface{}{"code": "func add(a, b int) int { return a - b }", "language": "go"}},
		{"pr-automation", map[string]interface{}{"diff": "+ return a - b", "files_changed": []interface{}{"math.go"}}},
		{"task-development", map[string]interface{}{"task_description": "add a subtract helper", "requirements": "handle overflow"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := newModelServer(t)
			engine, catalog := newTemplateEngine(t, model.URL)

			def, err := catalog.Get(tt.name)
			require.NoError(t, err)

			id, err := engine.Start(context.Background(), tt.name, tt.inputs)
			require.NoError(t, err)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			execution, err := engine.AwaitResult(ctx, id)
			require.NoError(t, err)
			require.Equal(t, models.StateCompleted, execution.Status, "error: %+v", execution.Error)

			require.Len(t, execution.Steps, len(def.Steps))
			for i, step := range def.Steps {
				assert.True(t, execution.Steps[i].Success, step.Name)
				assert.Empty(t, execution.Steps[i].Warnings, step.Name)
				for _, output := range step.Outputs {
					assert.Equal(t, output+" value", execution.Result[output], "%s.%s", step.Name, output)
				}
			}
			assert.Len(t, model.Prompts(), len(def.Steps))
		})
	}
}

func TestCodeReviewPassesAnalysisForward(t *testing.T) {
	model := newModelServer(t)
	engine, _ := newTemplateEngine(t, model.URL)

	id, err := engine.Start(context.Background(), "code-review", map[string]interface{}{"code": "x := 1", "language": "go"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	execution, err := engine.AwaitResult(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.StateCompleted, execution.Status)

	prompts := model.Prompts()
	require.Len(t, prompts, 3)
	assert.Contains(t, prompts[0], "code: x := 1")
	assert.NotContains(t, prompts[0], "response_format")
	assert.Contains(t, prompts[1], "previous_analysis: analysis value")
	assert.Contains(t, prompts[2], "issues: issues value")
	assert.Equal(t, "severity_score value", execution.Result["severity_score"])
}
