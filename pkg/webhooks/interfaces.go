// Package webhooks delivers signed HTTP callbacks for execution events.
package webhooks

import (
	"time"

	"github.com/tcmartin/agentrunner/pkg/models"
)

// Header names set on every delivery
const (
	SignatureHeader = "X-AgentRunner-Signature-256"
	EventHeader     = "X-AgentRunner-Event"
	DeliveryHeader  = "X-AgentRunner-Delivery"
)

// WebhookConfig contains configuration for a webhook
type WebhookConfig struct {
	// URL to send the webhook to
	URL string `json:"url"`

	// Headers to include in the request
	Headers map[string]string `json:"headers,omitempty"`

	// Secret for signing the webhook payload
	Secret string `json:"secret,omitempty"`

	// Events limits delivery to these event types; empty means every
	// terminal execution event
	Events []string `json:"events,omitempty"`
}

// wants reports whether the webhook subscribes to an event type
func (c WebhookConfig) wants(event models.ExecutionEvent) bool {
	if len(c.Events) == 0 {
		return event.IsTerminal()
	}
	for _, t := range c.Events {
		if t == event.Type || t == "*" {
			return true
		}
	}
	return false
}

// RetryConfig contains retry settings for webhook delivery
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts
	MaxRetries int `json:"max_retries"`

	// InitialDelay is the initial delay before the first retry
	InitialDelay time.Duration `json:"initial_delay"`

	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration `json:"max_delay"`

	// BackoffFactor is the multiplier for the delay between retries
	BackoffFactor float64 `json:"backoff_factor"`
}

// DefaultRetryConfig retries three times starting at one second
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2,
	}
}

// delay returns the wait before retry n (1-based)
func (r RetryConfig) delay(n int) time.Duration {
	d := r.InitialDelay
	factor := r.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	for i := 1; i < n; i++ {
		d = time.Duration(float64(d) * factor)
		if r.MaxDelay > 0 && d >= r.MaxDelay {
			return r.MaxDelay
		}
	}
	if r.MaxDelay > 0 && d > r.MaxDelay {
		return r.MaxDelay
	}
	return d
}

// WebhookEvent is the JSON payload of a delivery
type WebhookEvent struct {
	// Type of the event, e.g. "execution.completed"
	Type string `json:"type"`

	// Timestamp of the event
	Timestamp time.Time `json:"timestamp"`

	// WorkflowName is the name of the workflow
	WorkflowName string `json:"workflow_name"`

	// ExecutionID is the ID of the execution
	ExecutionID string `json:"execution_id"`

	// StepName is set for step events
	StepName string `json:"step_name,omitempty"`

	// Status is the execution status after the event
	Status models.ExecutionState `json:"status"`

	// Message is a short description of the event
	Message string `json:"message,omitempty"`

	// Data contains event-specific information
	Data map[string]interface{} `json:"data,omitempty"`
}

func eventPayload(e models.ExecutionEvent) WebhookEvent {
	return WebhookEvent{
		Type:         e.Type,
		Timestamp:    e.Timestamp,
		WorkflowName: e.WorkflowName,
		ExecutionID:  e.ExecutionID,
		StepName:     e.StepName,
		Status:       e.Status,
		Message:      e.Message,
		Data:         e.Data,
	}
}
