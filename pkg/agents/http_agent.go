package agents

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tcmartin/agentrunner/pkg/logging"
	"github.com/tcmartin/agentrunner/pkg/utils"
)

const defaultHTTPAgentTimeout = 60 * time.Second

// HTTPAgent posts its inputs to a remote endpoint, typically a serverless
// function, and returns the decoded response
type HTTPAgent struct {
	baseAgent
	client *utils.HTTPClient
}

// NewHTTPAgent creates an HTTP agent
func NewHTTPAgent(cfg Config, logger logging.Logger) (*HTTPAgent, error) {
	if cfg.Type == "" {
		cfg.Type = TypeHTTP
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &HTTPAgent{baseAgent: newBaseAgent(cfg, logger), client: utils.NewHTTPClient()}, nil
}

// WithHTTPClient replaces the underlying client
func (a *HTTPAgent) WithHTTPClient(client *utils.HTTPClient) *HTTPAgent {
	a.client = client
	return a
}

// Execute POSTs the inputs as JSON. A response of the form
// {"success": bool, "output": ..., "error": "..."} is unwrapped; any other
// body is returned as the output.
func (a *HTTPAgent) Execute(ctx context.Context, inputs map[string]interface{}) (Result, error) {
	resp, err := a.client.Do(ctx, &utils.HTTPRequest{
		URL:     a.config.URL,
		Method:  http.MethodPost,
		Headers: a.headers(),
		Body:    inputs,
		Timeout: a.config.callTimeout(defaultHTTPAgentTimeout),
	})
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Failed(err.Error()), nil
	}

	metadata := map[string]interface{}{
		"status_code": resp.StatusCode,
		"url":         a.config.URL,
		"timing_ms":   resp.Metadata["timing_ms"],
	}

	if resp.StatusCode >= 400 {
		result := Failed(fmt.Sprintf("endpoint returned status %d: %s", resp.StatusCode, truncate(string(resp.RawBody), 512)))
		result.Metadata = metadata
		return result, nil
	}

	result := Succeeded(resp.Body)
	if envelope, ok := resp.Body.(map[string]interface{}); ok {
		if success, ok := envelope["success"].(bool); ok {
			result = Result{Success: success, Output: envelope["output"]}
			if msg, ok := envelope["error"].(string); ok {
				result.Error = msg
			}
			if !success && result.Error == "" {
				result.Error = "endpoint reported failure"
			}
		}
	}
	result.Metadata = metadata
	return result, nil
}

// HealthCheck issues a GET to the endpoint and treats any non-5xx answer
// as healthy
func (a *HTTPAgent) HealthCheck(ctx context.Context) bool {
	resp, err := a.client.Do(ctx, &utils.HTTPRequest{
		URL:     a.config.URL,
		Method:  http.MethodGet,
		Headers: a.headers(),
		Timeout: 10 * time.Second,
	})
	return err == nil && resp.StatusCode < 500
}

func (a *HTTPAgent) headers() map[string]string {
	headers := make(map[string]string, len(a.config.Headers)+1)
	for k, v := range a.config.Headers {
		headers[k] = v
	}
	if a.config.APIKey != "" {
		if _, ok := headers["Authorization"]; !ok {
			headers["Authorization"] = "Bearer " + a.config.APIKey
		}
	}
	return headers
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
