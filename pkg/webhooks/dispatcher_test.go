package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/agentrunner/pkg/models"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2}
}

func completedEvent() models.ExecutionEvent {
	return models.ExecutionEvent{
		Type:         models.EventExecutionCompleted,
		Timestamp:    time.Now(),
		ExecutionID:  "exec-1",
		WorkflowName: "code-review",
		Status:       models.StateCompleted,
	}
}

func TestSignAndVerify(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	sig := Sign("secret", body)

	assert.True(t, Verify("secret", body, sig))
	assert.False(t, Verify("other", body, sig))
	assert.False(t, Verify("secret", []byte("tampered"), sig))
	assert.False(t, Verify("secret", body, "md5=abc"))
	assert.False(t, Verify("", body, sig))
}

func TestDispatcher_DeliversSignedPayload(t *testing.T) {
	var (
		mu       sync.Mutex
		received []WebhookEvent
		headers  http.Header
		rawBody  []byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var event WebhookEvent
		_ = json.Unmarshal(body, &event)

		mu.Lock()
		received = append(received, event)
		headers = r.Header.Clone()
		rawBody = body
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	var results []DeliveryResult
	d := NewDispatcher(
		[]WebhookConfig{{URL: server.URL, Secret: "s3cret", Headers: map[string]string{"X-Team": "platform"}}},
		WithRetry(fastRetry()),
		OnDelivery(func(r DeliveryResult) {
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		}),
	)
	defer d.Close()

	d.Listen(models.ExecutionEvent{Type: models.EventStepStarted, ExecutionID: "exec-1"})
	d.Listen(completedEvent())
	d.Flush()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, models.EventExecutionCompleted, received[0].Type)
	assert.Equal(t, "exec-1", received[0].ExecutionID)
	assert.Equal(t, "platform", headers.Get("X-Team"))
	assert.Equal(t, models.EventExecutionCompleted, headers.Get(EventHeader))
	assert.NotEmpty(t, headers.Get(DeliveryHeader))
	assert.True(t, Verify("s3cret", rawBody, headers.Get(SignatureHeader)))

	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, 1, results[0].Attempts)
	assert.Equal(t, http.StatusNoContent, results[0].StatusCode)
}

func TestDispatcher_RetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewDispatcher(nil, WithRetry(fastRetry()))
	defer d.Close()

	res := d.Deliver(context.Background(), WebhookConfig{URL: server.URL}, completedEvent())
	assert.NoError(t, res.Err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDispatcher_GivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	d := NewDispatcher(nil, WithRetry(fastRetry()))
	defer d.Close()

	res := d.Deliver(context.Background(), WebhookConfig{URL: server.URL}, completedEvent())
	assert.ErrorContains(t, res.Err, "status 503")
	assert.Equal(t, 3, res.Attempts)
}

func TestDispatcher_DoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	d := NewDispatcher(nil, WithRetry(fastRetry()))
	defer d.Close()

	res := d.Deliver(context.Background(), WebhookConfig{URL: server.URL}, completedEvent())
	assert.Error(t, res.Err)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDispatcher_CloseStopsRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	done := make(chan DeliveryResult, 1)
	d := NewDispatcher(
		[]WebhookConfig{{URL: server.URL}},
		WithRetry(RetryConfig{MaxRetries: 5, InitialDelay: time.Hour}),
		OnDelivery(func(r DeliveryResult) { done <- r }),
	)
	d.Listen(completedEvent())

	time.Sleep(50 * time.Millisecond)
	d.Close()

	res := <-done
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, 1, res.Attempts)

	d.Listen(completedEvent())
	assert.Empty(t, done)
}

func TestDispatcher_ListenRacingClose(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	var delivered int32
	d := NewDispatcher(
		[]WebhookConfig{{URL: server.URL}},
		WithRetry(fastRetry()),
		OnDelivery(func(DeliveryResult) { atomic.AddInt32(&delivered, 1) }),
	)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				d.Listen(completedEvent())
			}
		}()
	}
	time.Sleep(time.Millisecond)
	d.Close()

	settled := atomic.LoadInt32(&delivered)
	wg.Wait()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, settled, atomic.LoadInt32(&delivered))
}

func TestWebhookConfig_Wants(t *testing.T) {
	all := WebhookConfig{}
	assert.True(t, all.wants(completedEvent()))
	assert.False(t, all.wants(models.ExecutionEvent{Type: models.EventStepCompleted}))

	steps := WebhookConfig{Events: []string{models.EventStepFailed}}
	assert.True(t, steps.wants(models.ExecutionEvent{Type: models.EventStepFailed}))
	assert.False(t, steps.wants(completedEvent()))

	star := WebhookConfig{Events: []string{"*"}}
	assert.True(t, star.wants(models.ExecutionEvent{Type: models.EventStepStarted}))
}

func TestRetryConfig_Delay(t *testing.T) {
	r := RetryConfig{InitialDelay: time.Second, MaxDelay: 5 * time.Second, BackoffFactor: 2}
	assert.Equal(t, time.Second, r.delay(1))
	assert.Equal(t, 2*time.Second, r.delay(2))
	assert.Equal(t, 4*time.Second, r.delay(3))
	assert.Equal(t, 5*time.Second, r.delay(4))
}
