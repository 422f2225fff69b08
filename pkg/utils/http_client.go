// Package utils provides the HTTP, LLM and template helpers shared by the
// agents.
package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"time"
)

// HTTPClient provides a reusable HTTP client with common functionality
type HTTPClient struct {
	client     *http.Client
	noRedirect *http.Client
}

// HTTPRequest represents an HTTP request
type HTTPRequest struct {
	URL            string                 `json:"url"`
	Method         string                 `json:"method"`
	Headers        map[string]string      `json:"headers,omitempty"`
	QueryParams    map[string]string      `json:"query_params,omitempty"`
	Body           interface{}            `json:"body,omitempty"`
	Timeout        time.Duration          `json:"timeout,omitempty"`
	Auth           map[string]interface{} `json:"auth,omitempty"`
	FollowRedirect bool                   `json:"follow_redirect,omitempty"`
}

// HTTPResponse represents an HTTP response
type HTTPResponse struct {
	StatusCode int                    `json:"status_code"`
	Headers    map[string][]string    `json:"headers"`
	Body       interface{}            `json:"body"`
	RawBody    []byte                 `json:"raw_body,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// NewHTTPClient creates a new HTTP client
func NewHTTPClient() *HTTPClient {
	return NewHTTPClientWith(&http.Client{Timeout: 30 * time.Second})
}

// NewHTTPClientWith wraps an existing http.Client, e.g. one from httptest
func NewHTTPClientWith(client *http.Client) *HTTPClient {
	noRedirect := *client
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &HTTPClient{client: client, noRedirect: &noRedirect}
}

// Do executes an HTTP request. Request.Timeout bounds the call in addition
// to ctx.
func (c *HTTPClient) Do(ctx context.Context, req *HTTPRequest) (*HTTPResponse, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var bodyReader io.Reader
	if req.Body != nil {
		switch body := req.Body.(type) {
		case string:
			bodyReader = bytes.NewBufferString(body)
		case []byte:
			bodyReader = bytes.NewBuffer(body)
		default:
			jsonBody, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal request body: %w", err)
			}
			bodyReader = bytes.NewBuffer(jsonBody)
		}
	}

	parsedURL, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	if len(req.QueryParams) > 0 {
		q := parsedURL.Query()
		for key, value := range req.QueryParams {
			q.Set(key, value)
		}
		parsedURL.RawQuery = q.Encode()
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, parsedURL.String(), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	applyAuth(httpReq, req.Auth)

	client := c.client
	if !req.FollowRedirect {
		client = c.noRedirect
	}

	startTime := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	requestDuration := time.Since(startTime)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	var parsedBody interface{} = string(body)
	if mediaType, _, _ := mime.ParseMediaType(contentType); mediaType == "application/json" {
		var decoded interface{}
		if err := json.Unmarshal(body, &decoded); err == nil {
			parsedBody = decoded
		}
	}

	return &HTTPResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       parsedBody,
		RawBody:    body,
		Metadata: map[string]interface{}{
			"content_type":   contentType,
			"content_length": resp.ContentLength,
			"request_url":    req.URL,
			"request_method": method,
			"timing_ms":      requestDuration.Milliseconds(),
		},
	}, nil
}

func applyAuth(httpReq *http.Request, auth map[string]interface{}) {
	if auth == nil {
		return
	}
	if username, ok := auth["username"].(string); ok {
		password, _ := auth["password"].(string)
		httpReq.SetBasicAuth(username, password)
	} else if token, ok := auth["token"].(string); ok {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	} else if apiKey, ok := auth["api_key"].(string); ok {
		keyName, ok := auth["key_name"].(string)
		if !ok {
			keyName = "X-API-Key"
		}
		httpReq.Header.Set(keyName, apiKey)
	}
}
