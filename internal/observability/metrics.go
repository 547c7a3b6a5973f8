package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	stepDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets     = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the coordinator.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow lifecycle metrics
	WorkflowStartsTotal      prometheus.Counter
	WorkflowCompletionsTotal *prometheus.CounterVec
	WorkflowActiveInstances  prometheus.Gauge
	StatusTransitionsTotal   *prometheus.CounterVec

	// Task dispatch metrics
	TaskDispatchesTotal *prometheus.CounterVec
	TaskDuration        *prometheus.HistogramVec

	// External update metrics
	ExternalUpdatesTotal      *prometheus.CounterVec
	ExternalUpdateDuration    prometheus.Histogram
	ExternalRetriesTotal      prometheus.Counter
	CircuitBreakerState       prometheus.Gauge
	CircuitBreakerTripsTotal  prometheus.Counter

	// Validation and idempotency
	ValidationFailuresTotal *prometheus.CounterVec
	IdempotencyHitsTotal    prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loanreview_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loanreview_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loanreview_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loanreview_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflow lifecycle
		WorkflowStartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loanreview_workflow_starts_total",
			Help: "Total number of review workflow executions started.",
		}),
		WorkflowCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loanreview_workflow_completions_total",
			Help: "Total number of review workflows reaching a terminal status.",
		}, []string{"final_status"}),
		WorkflowActiveInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loanreview_workflow_active_instances",
			Help: "Number of review workflows not yet in a terminal status.",
		}),
		StatusTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loanreview_status_transitions_total",
			Help: "Total number of workflow status transitions.",
		}, []string{"from", "to"}),

		// Task dispatch
		TaskDispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loanreview_task_dispatches_total",
			Help: "Total number of dispatched workflow tasks.",
		}, []string{"action", "status"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loanreview_task_duration_seconds",
			Help:    "Workflow task execution duration in seconds.",
			Buckets: stepDurationBuckets,
		}, []string{"action"}),

		// External updates
		ExternalUpdatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loanreview_external_updates_total",
			Help: "Total number of downstream system update attempts.",
		}, []string{"status"}),
		ExternalUpdateDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "loanreview_external_update_duration_seconds",
			Help:    "Downstream system update duration in seconds.",
			Buckets: stepDurationBuckets,
		}),
		ExternalRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loanreview_external_retries_total",
			Help: "Total number of downstream update retries.",
		}),
		CircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loanreview_circuit_breaker_state",
			Help: "Downstream circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
		CircuitBreakerTripsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loanreview_circuit_breaker_trips_total",
			Help: "Total number of circuit breaker open transitions.",
		}),

		// Validation and idempotency
		ValidationFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loanreview_validation_failures_total",
			Help: "Total number of request validation failures.",
		}, []string{"rule"}),
		IdempotencyHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loanreview_idempotency_hits_total",
			Help: "Total number of start requests replayed from the idempotency store.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Workflow lifecycle
		m.WorkflowStartsTotal,
		m.WorkflowCompletionsTotal,
		m.WorkflowActiveInstances,
		m.StatusTransitionsTotal,
		// Task dispatch
		m.TaskDispatchesTotal,
		m.TaskDuration,
		// External updates
		m.ExternalUpdatesTotal,
		m.ExternalUpdateDuration,
		m.ExternalRetriesTotal,
		m.CircuitBreakerState,
		m.CircuitBreakerTripsTotal,
		// Validation and idempotency
		m.ValidationFailuresTotal,
		m.IdempotencyHitsTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordWorkflowStart records a review workflow start.
func (m *Metrics) RecordWorkflowStart() {
	m.WorkflowStartsTotal.Inc()
	m.WorkflowActiveInstances.Inc()
}

// RecordWorkflowCompletion records a workflow reaching a terminal status.
func (m *Metrics) RecordWorkflowCompletion(finalStatus string) {
	m.WorkflowCompletionsTotal.WithLabelValues(finalStatus).Inc()
	m.WorkflowActiveInstances.Dec()
}

// RecordStatusTransition records a status transition.
func (m *Metrics) RecordStatusTransition(from, to string) {
	m.StatusTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordTaskDispatch records a dispatched workflow task.
func (m *Metrics) RecordTaskDispatch(action, status string, duration time.Duration) {
	m.TaskDispatchesTotal.WithLabelValues(action, status).Inc()
	m.TaskDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordExternalUpdate records a downstream update attempt.
func (m *Metrics) RecordExternalUpdate(status string, duration time.Duration) {
	m.ExternalUpdatesTotal.WithLabelValues(status).Inc()
	m.ExternalUpdateDuration.Observe(duration.Seconds())
}

// RecordExternalRetry records a downstream update retry.
func (m *Metrics) RecordExternalRetry() {
	m.ExternalRetriesTotal.Inc()
}

// SetCircuitBreakerState sets the breaker state. 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetCircuitBreakerState(state float64) {
	m.CircuitBreakerState.Set(state)
}

// RecordCircuitBreakerTrip records a breaker open transition.
func (m *Metrics) RecordCircuitBreakerTrip() {
	m.CircuitBreakerTripsTotal.Inc()
}

// RecordValidationFailure records a request validation failure by rule name.
func (m *Metrics) RecordValidationFailure(rule string) {
	m.ValidationFailuresTotal.WithLabelValues(rule).Inc()
}

// RecordIdempotencyHit records a start request served from the idempotency store.
func (m *Metrics) RecordIdempotencyHit() {
	m.IdempotencyHitsTotal.Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
