package agents

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHTTPAgent(t *testing.T, handler http.HandlerFunc) *HTTPAgent {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	agent, err := NewHTTPAgent(Config{
		Name:    "summarizer-fn",
		Type:    TypeHTTP,
		URL:     server.URL + "/invoke",
		APIKey:  "fn-key",
		Headers: map[string]string{"X-Tenant": "acme"},
	}, nil)
	require.NoError(t, err)
	return agent
}

func TestHTTPAgent_PostsInputs(t *testing.T) {
	agent := newTestHTTPAgent(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/invoke", r.URL.Path)
		assert.Equal(t, "Bearer fn-key", r.Header.Get("Authorization"))
		assert.Equal(t, "acme", r.Header.Get("X-Tenant"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "long text", body["text"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"summary":"short"}`))
	})

	result, err := agent.Execute(context.Background(), map[string]interface{}{"text": "long text"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, map[string]interface{}{"summary": "short"}, result.Output)
	assert.Equal(t, http.StatusOK, result.Metadata["status_code"])
}

func TestHTTPAgent_UnwrapsEnvelope(t *testing.T) {
	agent := newTestHTTPAgent(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":false,"error":"quota exceeded"}`))
	})

	result, err := agent.Execute(context.Background(), map[string]interface{}{})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "quota exceeded", result.Error)

	agent = newTestHTTPAgent(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"output":{"n":1}}`))
	})
	result, err = agent.Execute(context.Background(), map[string]interface{}{})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, map[string]interface{}{"n": float64(1)}, result.Output)
}

func TestHTTPAgent_ErrorStatusFails(t *testing.T) {
	agent := newTestHTTPAgent(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "function crashed", http.StatusBadGateway)
	})

	result, err := agent.Execute(context.Background(), map[string]interface{}{})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "502")
	assert.Contains(t, result.Error, "function crashed")
}

func TestHTTPAgent_HealthCheck(t *testing.T) {
	agent := newTestHTTPAgent(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	})
	assert.True(t, agent.HealthCheck(context.Background()))

	agent = newTestHTTPAgent(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	assert.False(t, agent.HealthCheck(context.Background()))
}
