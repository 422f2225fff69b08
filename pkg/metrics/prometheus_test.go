package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/agentrunner/pkg/models"
	"github.com/tcmartin/agentrunner/pkg/webhooks"
)

func TestMetrics_ExecutionEvents(t *testing.T) {
	m := New(func() int { return 2 })

	m.Listen(models.ExecutionEvent{
		Type:         models.EventExecutionCompleted,
		WorkflowName: "code-review",
		Status:       models.StateCompleted,
		Data:         map[string]interface{}{"duration_ms": int64(1500)},
	})
	m.Listen(models.ExecutionEvent{
		Type:         models.EventExecutionFailed,
		WorkflowName: "code-review",
		Status:       models.StateFailed,
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.executionsTotal.WithLabelValues("code-review", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.executionsTotal.WithLabelValues("code-review", "failed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.executionDuration))
}

func TestMetrics_StepEvents(t *testing.T) {
	m := New(nil)
	start := time.Now()

	m.Listen(models.ExecutionEvent{Type: models.EventStepStarted, ExecutionID: "e1", StepName: "analyze", WorkflowName: "wf", Timestamp: start})
	m.Listen(models.ExecutionEvent{Type: models.EventStepCompleted, ExecutionID: "e1", StepName: "analyze", WorkflowName: "wf", Timestamp: start.Add(2 * time.Second)})
	m.Listen(models.ExecutionEvent{Type: models.EventStepSkipped, ExecutionID: "e1", StepName: "report", WorkflowName: "wf"})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.stepsTotal.WithLabelValues("wf", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stepsTotal.WithLabelValues("wf", "skipped")))
	assert.Empty(t, m.stepStarts)
}

func TestMetrics_ObserveDelivery(t *testing.T) {
	m := New(nil)
	m.ObserveDelivery(webhooks.DeliveryResult{EventType: models.EventExecutionCompleted})
	m.ObserveDelivery(webhooks.DeliveryResult{EventType: models.EventExecutionCompleted, Err: errors.New("boom")})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhookDeliveries.WithLabelValues(models.EventExecutionCompleted, "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhookDeliveries.WithLabelValues(models.EventExecutionCompleted, "failure")))
}

func TestMetrics_MiddlewareAndHandler(t *testing.T) {
	m := New(func() int { return 3 })

	router := mux.NewRouter()
	router.Use(m.Middleware)
	router.HandleFunc("/api/v1/executions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	router.Handle("/metrics", m.Handler())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/executions/abc", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "/api/v1/executions/{id}", "404")))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.True(t, strings.Contains(string(body), "agentrunner_active_executions 3"))
	assert.True(t, strings.Contains(string(body), "agentrunner_http_requests_total"))
}
