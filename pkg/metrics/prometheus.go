// Package metrics exposes Prometheus metrics for executions, steps, HTTP
// requests and webhook deliveries.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tcmartin/agentrunner/pkg/models"
	"github.com/tcmartin/agentrunner/pkg/webhooks"
)

const namespace = "agentrunner"

// Metrics holds the collectors on a private registry
type Metrics struct {
	registry *prometheus.Registry

	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	stepsTotal        *prometheus.CounterVec
	stepDuration      *prometheus.HistogramVec
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	webhookDeliveries *prometheus.CounterVec

	mu         sync.Mutex
	stepStarts map[string]time.Time
}

// New creates the collectors. activeExecutions, when non-nil, backs the
// active executions gauge.
func New(activeExecutions func() int) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		executionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Total number of finished workflow executions",
			},
			[]string{"workflow", "status"},
		),
		executionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Workflow execution duration in seconds",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
			},
			[]string{"workflow"},
		),
		stepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Total number of finished steps",
			},
			[]string{"workflow", "status"},
		),
		stepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Step duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
			},
			[]string{"workflow"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		webhookDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_deliveries_total",
				Help:      "Total number of outbound webhook deliveries",
			},
			[]string{"event", "result"},
		),
		stepStarts: make(map[string]time.Time),
	}

	if activeExecutions != nil {
		factory.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_executions",
				Help:      "Number of pending or running executions",
			},
			func() float64 { return float64(activeExecutions()) },
		)
	}
	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Listen is a runtime.EventListener recording execution and step outcomes
func (m *Metrics) Listen(event models.ExecutionEvent) {
	switch event.Type {
	case models.EventExecutionCompleted, models.EventExecutionFailed, models.EventExecutionCancelled:
		m.executionsTotal.WithLabelValues(event.WorkflowName, string(event.Status)).Inc()
		if d, ok := durationMillis(event.Data); ok {
			m.executionDuration.WithLabelValues(event.WorkflowName).Observe(d.Seconds())
		}

	case models.EventStepStarted:
		m.mu.Lock()
		m.stepStarts[stepKey(event)] = event.Timestamp
		m.mu.Unlock()

	case models.EventStepCompleted, models.EventStepFailed, models.EventStepSkipped:
		status := map[string]string{
			models.EventStepCompleted: "completed",
			models.EventStepFailed:    "failed",
			models.EventStepSkipped:   "skipped",
		}[event.Type]
		m.stepsTotal.WithLabelValues(event.WorkflowName, status).Inc()

		m.mu.Lock()
		started, ok := m.stepStarts[stepKey(event)]
		delete(m.stepStarts, stepKey(event))
		m.mu.Unlock()
		if ok && !event.Timestamp.IsZero() {
			m.stepDuration.WithLabelValues(event.WorkflowName).Observe(event.Timestamp.Sub(started).Seconds())
		}
	}
}

// ObserveDelivery records a webhook delivery result
func (m *Metrics) ObserveDelivery(res webhooks.DeliveryResult) {
	result := "success"
	if res.Err != nil {
		result = "failure"
	}
	m.webhookDeliveries.WithLabelValues(res.EventType, result).Inc()
}

// Middleware records request counts and latency labelled by mux route
// template
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		m.httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working through the recorder
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack allows websocket upgrades through the recorder
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func stepKey(e models.ExecutionEvent) string {
	return e.ExecutionID + "/" + e.StepName
}

func durationMillis(data map[string]interface{}) (time.Duration, bool) {
	switch v := data["duration_ms"].(type) {
	case int64:
		return time.Duration(v) * time.Millisecond, true
	case int:
		return time.Duration(v) * time.Millisecond, true
	case float64:
		return time.Duration(v * float64(time.Millisecond)), true
	}
	return 0, false
}
