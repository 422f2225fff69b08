package agents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tcmartin/agentrunner/pkg/logging"
	"github.com/tcmartin/agentrunner/pkg/utils"
)

const (
	defaultRetryBackoff = time.Second
	maxRetryBackoff     = 30 * time.Second
)

// LLMAgent sends prompts to a hosted language model
type LLMAgent struct {
	baseAgent
	client       *utils.LLMClient
	retryBackoff time.Duration
}

// NewLLMAgent creates an LLM agent for the configured provider
func NewLLMAgent(cfg Config, logger logging.Logger) (*LLMAgent, error) {
	if cfg.Type == "" {
		cfg.Type = TypeLLM
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	options := map[string]interface{}{}
	if cfg.BaseURL != "" {
		options["base_url"] = cfg.BaseURL
	}
	if cfg.APIVersion != "" {
		options["api_version"] = cfg.APIVersion
	}
	if cfg.Endpoint != "" {
		options["endpoint"] = cfg.Endpoint
	}

	return &LLMAgent{
		baseAgent:    newBaseAgent(cfg, logger),
		client:       utils.NewLLMClient(utils.LLMProvider(cfg.Provider), cfg.APIKey, options),
		retryBackoff: defaultRetryBackoff,
	}, nil
}

// WithRetryBackoff sets the initial delay between retries
func (a *LLMAgent) WithRetryBackoff(d time.Duration) *LLMAgent {
	a.retryBackoff = d
	return a
}

// Execute builds a chat request from the inputs and returns the model's
// reply, parsed as JSON when the response format is "json"
func (a *LLMAgent) Execute(ctx context.Context, inputs map[string]interface{}) (Result, error) {
	var messages []utils.Message
	if system := systemPrompt(a.config, inputs); system != "" {
		messages = append(messages, utils.Message{Role: "system", Content: system})
	}
	messages = append(messages, utils.Message{Role: "user", Content: buildPrompt(inputs)})

	format := outputFormat(a.config, inputs)
	request := utils.LLMRequest{
		Model:       a.config.Model,
		Messages:    messages,
		Temperature: a.config.Temperature,
		MaxTokens:   a.config.MaxTokens,
		JSONMode:    format == "json" && a.client.Provider() != utils.Anthropic,
		Timeout:     a.config.callTimeout(0),
	}

	start := time.Now()
	resp, attempts, err := a.completeWithRetry(ctx, request)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		result := Failed(err.Error())
		result.Metadata = map[string]interface{}{"attempts": attempts}
		return result, nil
	}

	content := resp.Content()
	metadata := map[string]interface{}{
		"provider":          a.config.Provider,
		"model":             resp.Model,
		"finish_reason":     finishReason(resp),
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
		"tokens_used":       resp.Usage.TotalTokens,
		"attempts":          attempts,
		"duration_ms":       time.Since(start).Milliseconds(),
	}

	output, err := utils.ParseStructured(content, format)
	if err != nil {
		result := Failed(fmt.Sprintf("model returned %s", err))
		result.Metadata = metadata
		return result, nil
	}

	result := Succeeded(output)
	result.Metadata = metadata
	return result, nil
}

// completeWithRetry retries retryable failures with exponential backoff
func (a *LLMAgent) completeWithRetry(ctx context.Context, request utils.LLMRequest) (*utils.LLMResponse, int, error) {
	backoff := a.retryBackoff
	var lastErr error

	for attempt := 1; attempt <= a.config.RetryAttempts+1; attempt++ {
		resp, err := a.client.Complete(ctx, request)
		if err == nil {
			return resp, attempt, nil
		}
		lastErr = err

		if ctx.Err() != nil || !retryable(err) || attempt > a.config.RetryAttempts {
			return nil, attempt, err
		}

		a.logger.Warn("LLM request failed, retrying",
			logging.F("attempt", attempt),
			logging.F("backoff", backoff.String()),
			logging.Err(err))

		if err := sleepContext(ctx, backoff); err != nil {
			return nil, attempt, err
		}
		backoff *= 2
		if backoff > maxRetryBackoff {
			backoff = maxRetryBackoff
		}
	}
	return nil, a.config.RetryAttempts + 1, lastErr
}

// HealthCheck sends a minimal prompt to the model
func (a *LLMAgent) HealthCheck(ctx context.Context) bool {
	resp, err := a.client.Complete(ctx, utils.LLMRequest{
		Model:     a.config.Model,
		Messages:  []utils.Message{{Role: "user", Content: "Hello"}},
		MaxTokens: 8,
		Timeout:   a.config.callTimeout(30 * time.Second),
	})
	if err != nil {
		a.logger.Debug("LLM health check failed", logging.Err(err))
		return false
	}
	return len(resp.Choices) > 0
}

func retryable(err error) bool {
	var apiErr *utils.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}

func finishReason(resp *utils.LLMResponse) string {
	if len(resp.Choices) == 0 {
		return ""
	}
	return resp.Choices[0].FinishReason
}
