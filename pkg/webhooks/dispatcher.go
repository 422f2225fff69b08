package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tcmartin/agentrunner/pkg/logging"
	"github.com/tcmartin/agentrunner/pkg/models"
	"github.com/tcmartin/agentrunner/pkg/utils"
)

// DeliveryResult describes the outcome of one delivery
type DeliveryResult struct {
	URL        string
	EventType  string
	DeliveryID string
	Attempts   int
	StatusCode int
	Err        error
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(client *utils.HTTPClient) Option {
	return func(d *Dispatcher) { d.client = client }
}

// WithRetry sets the retry policy
func WithRetry(retry RetryConfig) Option {
	return func(d *Dispatcher) { d.retry = retry }
}

// WithTimeout bounds each delivery attempt
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = timeout }
}

// WithLogger sets the logger
func WithLogger(logger logging.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// OnDelivery registers a callback invoked after each delivery finishes
func OnDelivery(fn func(DeliveryResult)) Option {
	return func(d *Dispatcher) { d.onDelivery = fn }
}

// Dispatcher posts execution events to the configured webhooks. Deliveries
// run in the background; Close waits for them.
type Dispatcher struct {
	webhooks   []WebhookConfig
	client     *utils.HTTPClient
	retry      RetryConfig
	timeout    time.Duration
	logger     logging.Logger
	onDelivery func(DeliveryResult)

	ctx    context.Context
	cancel context.CancelFunc

	// mu orders wg.Add in Listen against the Wait in Close and Flush
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher for the given webhooks
func NewDispatcher(webhooks []WebhookConfig, opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		webhooks: webhooks,
		client:   utils.NewHTTPClient(),
		retry:    DefaultRetryConfig(),
		timeout:  10 * time.Second,
		logger:   logging.NewNopLogger(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Listen is a runtime.EventListener. Deliveries run in their own goroutines;
// the publisher only waits while a Flush is in progress.
func (d *Dispatcher) Listen(event models.ExecutionEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	for _, hook := range d.webhooks {
		if !hook.wants(event) {
			continue
		}
		hook := hook
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			res := d.Deliver(d.ctx, hook, event)
			if d.onDelivery != nil {
				d.onDelivery(res)
			}
		}()
	}
}

// Deliver posts one event to one webhook, retrying on network errors and
// 5xx or 429 responses
func (d *Dispatcher) Deliver(ctx context.Context, hook WebhookConfig, event models.ExecutionEvent) DeliveryResult {
	res := DeliveryResult{URL: hook.URL, EventType: event.Type, DeliveryID: uuid.NewString()}

	body, err := json.Marshal(eventPayload(event))
	if err != nil {
		res.Err = fmt.Errorf("failed to marshal webhook payload: %w", err)
		return res
	}

	headers := map[string]string{
		"Content-Type": "application/json",
		"User-Agent":   "agentrunner-webhooks",
		EventHeader:    event.Type,
		DeliveryHeader: res.DeliveryID,
	}
	for k, v := range hook.Headers {
		headers[k] = v
	}
	if hook.Secret != "" {
		headers[SignatureHeader] = Sign(hook.Secret, body)
	}

	logger := d.logger.WithFields(
		logging.F("webhook_url", hook.URL),
		logging.F("event", event.Type),
		logging.F("execution_id", event.ExecutionID),
		logging.F("delivery_id", res.DeliveryID),
	)

	for attempt := 0; attempt <= d.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				res.Err = ctx.Err()
				return res
			case <-time.After(d.retry.delay(attempt)):
			}
		}
		res.Attempts = attempt + 1

		resp, err := d.client.Do(ctx, &utils.HTTPRequest{
			URL:     hook.URL,
			Method:  http.MethodPost,
			Headers: headers,
			Body:    body,
			Timeout: d.timeout,
		})
		if err != nil {
			res.Err = err
			logger.Warn("Webhook delivery failed", logging.Err(err), logging.F("attempt", res.Attempts))
			if ctx.Err() != nil {
				return res
			}
			continue
		}

		res.StatusCode = resp.StatusCode
		if resp.StatusCode < 300 {
			res.Err = nil
			logger.Debug("Webhook delivered", logging.F("status_code", resp.StatusCode), logging.F("attempt", res.Attempts))
			return res
		}

		res.Err = fmt.Errorf("webhook returned status %d", resp.StatusCode)
		if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode < 500 {
			logger.Warn("Webhook rejected delivery", logging.F("status_code", resp.StatusCode))
			return res
		}
		logger.Warn("Webhook delivery failed", logging.F("status_code", resp.StatusCode), logging.F("attempt", res.Attempts))
	}

	logger.Error("Webhook delivery abandoned", logging.Err(res.Err), logging.F("attempts", res.Attempts))
	return res
}

// Close stops pending retries and waits for in-flight deliveries
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}

// Flush waits for in-flight deliveries without cancelling them. Events
// published meanwhile are held until it returns.
func (d *Dispatcher) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.wg.Wait()
}
