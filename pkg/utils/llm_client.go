package utils

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// LLMProvider represents the type of LLM provider
type LLMProvider string

const (
	// OpenAI provider
	OpenAI LLMProvider = "openai"
	// Anthropic provider
	Anthropic LLMProvider = "anthropic"
	// Azure OpenAI provider
	Azure LLMProvider = "azure"
	// Generic provider for OpenAI compatible APIs
	Generic LLMProvider = "generic"
)

const (
	defaultAzureAPIVersion = "2024-02-01"
	anthropicVersion       = "2023-06-01"
	defaultLLMTimeout      = 60 * time.Second
)

// LLMClient provides a unified interface for interacting with different LLM providers
type LLMClient struct {
	httpClient *HTTPClient
	provider   LLMProvider
	apiKey     string
	baseURL    string
	options    map[string]interface{}
}

// Message represents a chat message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLMRequest represents a request to an LLM
type LLMRequest struct {
	Model       string                 `json:"model"`
	Messages    []Message              `json:"messages"`
	Temperature *float64               `json:"temperature,omitempty"`
	MaxTokens   int                    `json:"max_tokens,omitempty"`
	Stop        []string               `json:"stop,omitempty"`
	JSONMode    bool                   `json:"-"`
	Timeout     time.Duration          `json:"-"`
	Options     map[string]interface{} `json:"options,omitempty"`
}

// LLMResponse represents a response from an LLM
type LLMResponse struct {
	ID          string                 `json:"id,omitempty"`
	Model       string                 `json:"model,omitempty"`
	Choices     []Choice               `json:"choices,omitempty"`
	Usage       Usage                  `json:"usage,omitempty"`
	RawResponse map[string]interface{} `json:"raw_response,omitempty"`
}

// Content returns the text of the first choice
func (r *LLMResponse) Content() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// Choice represents a completion choice
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage represents token usage information
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// APIError is returned when a provider answers with an error status
type APIError struct {
	Provider   LLMProvider
	StatusCode int
	Message    string
	Type       string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s API error (status %d, %s): %s", e.Provider, e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// Retryable reports whether the request may succeed if sent again
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// NewLLMClient creates a new LLM client. Recognised options are base_url,
// api_version (Azure) and endpoint (generic).
func NewLLMClient(provider LLMProvider, apiKey string, options map[string]interface{}) *LLMClient {
	if options == nil {
		options = map[string]interface{}{}
	}
	client := &LLMClient{
		httpClient: NewHTTPClient(),
		provider:   provider,
		apiKey:     apiKey,
		options:    options,
	}

	switch provider {
	case OpenAI:
		client.baseURL = "https://api.openai.com/v1"
	case Anthropic:
		client.baseURL = "https://api.anthropic.com/v1"
	}
	if baseURL, ok := options["base_url"].(string); ok && baseURL != "" {
		client.baseURL = strings.TrimRight(baseURL, "/")
	}

	return client
}

// WithHTTPClient replaces the underlying HTTP client
func (c *LLMClient) WithHTTPClient(httpClient *HTTPClient) *LLMClient {
	c.httpClient = httpClient
	return c
}

// Provider returns the configured provider
func (c *LLMClient) Provider() LLMProvider {
	return c.provider
}

// Complete sends a completion request to the LLM
func (c *LLMClient) Complete(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	switch c.provider {
	case OpenAI, Generic:
		endpoint := "/chat/completions"
		if c.provider == Generic {
			if e, ok := c.options["endpoint"].(string); ok && e != "" {
				endpoint = e
			}
		}
		return c.completeChat(ctx, request, c.baseURL+endpoint, nil, map[string]string{
			"Authorization": "Bearer " + c.apiKey,
		})
	case Azure:
		version, _ := c.options["api_version"].(string)
		if version == "" {
			version = defaultAzureAPIVersion
		}
		url := fmt.Sprintf("%s/openai/deployments/%s/chat/completions", c.baseURL, request.Model)
		return c.completeChat(ctx, request, url, map[string]string{"api-version": version}, map[string]string{
			"api-key": c.apiKey,
		})
	case Anthropic:
		return c.completeAnthropic(ctx, request)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", c.provider)
	}
}

// completeChat sends an OpenAI style chat completion request
func (c *LLMClient) completeChat(ctx context.Context, request LLMRequest, url string, query, headers map[string]string) (*LLMResponse, error) {
	requestBody := map[string]interface{}{
		"model":    request.Model,
		"messages": request.Messages,
	}
	if request.Temperature != nil {
		requestBody["temperature"] = *request.Temperature
	}
	if request.MaxTokens > 0 {
		requestBody["max_tokens"] = request.MaxTokens
	}
	if len(request.Stop) > 0 {
		requestBody["stop"] = request.Stop
	}
	if request.JSONMode {
		requestBody["response_format"] = map[string]string{"type": "json_object"}
	}
	for key, value := range request.Options {
		requestBody[key] = value
	}

	resp, err := c.httpClient.Do(ctx, &HTTPRequest{
		URL:         url,
		Method:      http.MethodPost,
		Body:        requestBody,
		Headers:     headers,
		QueryParams: query,
		Timeout:     requestTimeout(request),
	})
	if err != nil {
		return nil, fmt.Errorf("%s API request failed: %w", c.provider, err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Provider: c.provider, StatusCode: resp.StatusCode, Message: string(resp.RawBody)}
		var errorResp struct {
			Error struct {
				Message string `json:"message"`
				Type    string `json:"type"`
			} `json:"error"`
		}
		if json.Unmarshal(resp.RawBody, &errorResp) == nil && errorResp.Error.Message != "" {
			apiErr.Message = errorResp.Error.Message
			apiErr.Type = errorResp.Error.Type
		}
		return nil, apiErr
	}

	var llmResp LLMResponse
	if err := json.Unmarshal(resp.RawBody, &llmResp); err != nil {
		return nil, fmt.Errorf("failed to parse %s response: %w", c.provider, err)
	}
	if rawMap, ok := resp.Body.(map[string]interface{}); ok {
		llmResp.RawResponse = rawMap
	}
	return &llmResp, nil
}

// completeAnthropic sends a request to the Anthropic messages API
func (c *LLMClient) completeAnthropic(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	var systemPrompt string
	var messages []Message
	for _, msg := range request.Messages {
		if msg.Role == "system" {
			systemPrompt = msg.Content
			continue
		}
		messages = append(messages, msg)
	}

	maxTokens := request.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	requestBody := map[string]interface{}{
		"model":      request.Model,
		"messages":   messages,
		"max_tokens": maxTokens,
	}
	if systemPrompt != "" {
		requestBody["system"] = systemPrompt
	}
	if request.Temperature != nil {
		requestBody["temperature"] = *request.Temperature
	}
	if len(request.Stop) > 0 {
		requestBody["stop_sequences"] = request.Stop
	}
	for key, value := range request.Options {
		requestBody[key] = value
	}

	resp, err := c.httpClient.Do(ctx, &HTTPRequest{
		URL:    c.baseURL + "/messages",
		Method: http.MethodPost,
		Body:   requestBody,
		Headers: map[string]string{
			"x-api-key":         c.apiKey,
			"anthropic-version": anthropicVersion,
		},
		Timeout: requestTimeout(request),
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API request failed: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Provider: Anthropic, StatusCode: resp.StatusCode, Message: string(resp.RawBody)}
		var errorResp struct {
			Error struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(resp.RawBody, &errorResp) == nil && errorResp.Error.Message != "" {
			apiErr.Message = errorResp.Error.Message
			apiErr.Type = errorResp.Error.Type
		}
		return nil, apiErr
	}

	var anthropicResp struct {
		ID         string `json:"id"`
		Model      string `json:"model"`
		StopReason string `json:"stop_reason"`
		Content    []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(resp.RawBody, &anthropicResp); err != nil {
		return nil, fmt.Errorf("failed to parse anthropic response: %w", err)
	}

	var content strings.Builder
	for _, block := range anthropicResp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	llmResp := &LLMResponse{
		ID:    anthropicResp.ID,
		Model: anthropicResp.Model,
		Choices: []Choice{{
			Message:      Message{Role: "assistant", Content: content.String()},
			FinishReason: anthropicResp.StopReason,
		}},
		Usage: Usage{
			PromptTokens:     anthropicResp.Usage.InputTokens,
			CompletionTokens: anthropicResp.Usage.OutputTokens,
			TotalTokens:      anthropicResp.Usage.InputTokens + anthropicResp.Usage.OutputTokens,
		},
	}
	if rawMap, ok := resp.Body.(map[string]interface{}); ok {
		llmResp.RawResponse = rawMap
	}
	return llmResp, nil
}

func requestTimeout(request LLMRequest) time.Duration {
	if request.Timeout > 0 {
		return request.Timeout
	}
	return defaultLLMTimeout
}
