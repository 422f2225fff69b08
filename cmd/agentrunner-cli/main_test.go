package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAssignments(t *testing.T) {
	inputs, err := parseAssignments([]string{"text=hello world", "count=3", "flags=[1,2]", "quoted=\"x\"", "empty="})
	require.NoError(t, err)

	assert.Equal(t, "hello world", inputs["text"])
	assert.Equal(t, float64(3), inputs["count"])
	assert.Equal(t, []interface{}{float64(1), float64(2)}, inputs["flags"])
	assert.Equal(t, "x", inputs["quoted"])
	assert.Equal(t, "", inputs["empty"])

	_, err = parseAssignments([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseAssignments([]string{"=value"})
	assert.Error(t, err)
}

func TestRequestDecodesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error":        "missing required inputs",
			"kind":         "validation_error",
			"execution_id": "exec-1",
			"details":      []string{"text"},
		})
	}))
	defer srv.Close()
	serverURL = srv.URL

	err := call(t.Context(), http.MethodPost, "/api/v1/executions", map[string]string{"workflow": "x"}, nil)
	require.Error(t, err)

	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "validation_error", apiErr.Kind)
	assert.Equal(t, []string{"text"}, apiErr.Details)
	assert.Contains(t, err.Error(), "execution: exec-1")
}

func TestRequestPlainTextError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()
	serverURL = srv.URL

	err := call(t.Context(), http.MethodGet, "/api/v1/health", nil, nil)
	require.Error(t, err)
	assert.Equal(t, "boom (HTTP 502)", err.Error())
}

func TestConfigRoundTrip(t *testing.T) {
	configPath = filepath.Join(t.TempDir(), "cli", "config.json")
	t.Cleanup(func() { configPath = "" })

	require.NoError(t, saveConfig(Config{ServerURL: "http://runner:9090"}))
	serverURL = ""
	loadConfig()
	assert.Equal(t, "http://runner:9090", serverURL)

	require.NoError(t, os.Remove(configPath))
	loadConfig()
	assert.Equal(t, defaultServerURL, serverURL)
}
