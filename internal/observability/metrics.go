package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pitabwire/docflow/model"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets      = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	operationDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	bodySizeBuckets          = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for docflow.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Operation metrics
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec

	// Workflow metrics
	WorkflowStartsTotal      *prometheus.CounterVec
	WorkflowTransitionsTotal *prometheus.CounterVec
	WorkflowCompletionsTotal *prometheus.CounterVec
	WorkflowActiveInstances  *prometheus.GaugeVec

	// Review task metrics
	ReviewTasksAssignedTotal  *prometheus.CounterVec
	ReviewTasksCompletedTotal *prometheus.CounterVec

	// Feedback metrics
	FeedbackSubmittedTotal  *prometheus.CounterVec
	FeedbackMergeItemsTotal *prometheus.CounterVec

	// Cache metrics
	RoleCacheHitsTotal   prometheus.Counter
	RoleCacheMissesTotal prometheus.Counter

	// System metrics
	DefinitionReloadTotal *prometheus.CounterVec
	DefinitionsLoaded     prometheus.Gauge
	EventsPublishedTotal  *prometheus.CounterVec
	IdempotentReplays     prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docflow_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docflow_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Operations
		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docflow_operations_total",
			Help: "Total number of engine operations by outcome.",
		}, []string{"operation", "outcome"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docflow_operation_duration_seconds",
			Help:    "Engine operation duration in seconds.",
			Buckets: operationDurationBuckets,
		}, []string{"operation"}),

		// Workflows
		WorkflowStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docflow_workflow_starts_total",
			Help: "Total number of workflow starts.",
		}, []string{"workflow_id"}),
		WorkflowTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docflow_workflow_transitions_total",
			Help: "Total number of recorded stage transitions.",
		}, []string{"workflow_id", "stage_id", "action"}),
		WorkflowCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docflow_workflow_completions_total",
			Help: "Total number of instances that stopped being active.",
		}, []string{"workflow_id", "final_status"}),
		WorkflowActiveInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "docflow_workflow_active_instances",
			Help: "Number of active workflow instances started by this process.",
		}, []string{"workflow_id"}),

		// Review tasks
		ReviewTasksAssignedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docflow_review_tasks_assigned_total",
			Help: "Total number of review tasks returned by assignments.",
		}, []string{"stage_id"}),
		ReviewTasksCompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docflow_review_tasks_completed_total",
			Help: "Total number of completed review tasks.",
		}, []string{"decision"}),

		// Feedback
		FeedbackSubmittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docflow_feedback_submitted_total",
			Help: "Total number of submitted feedback items.",
		}, []string{"comment_type"}),
		FeedbackMergeItemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docflow_feedback_merge_items_total",
			Help: "Total number of feedback items processed by merges.",
		}, []string{"result"}),

		// Cache
		RoleCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docflow_role_cache_hits_total",
			Help: "Total role cache hits.",
		}),
		RoleCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docflow_role_cache_misses_total",
			Help: "Total role cache misses.",
		}),

		// System
		DefinitionReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docflow_definition_reload_total",
			Help: "Total definition reloads.",
		}, []string{"status"}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "docflow_definitions_loaded",
			Help: "Number of loaded workflow definitions.",
		}),
		EventsPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docflow_events_published_total",
			Help: "Total transition events handed to the event bus.",
		}, []string{"action", "status"}),
		IdempotentReplays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docflow_idempotent_replays_total",
			Help: "Total responses served from the idempotency store.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Operations
		m.OperationsTotal,
		m.OperationDuration,
		// Workflows
		m.WorkflowStartsTotal,
		m.WorkflowTransitionsTotal,
		m.WorkflowCompletionsTotal,
		m.WorkflowActiveInstances,
		// Review tasks
		m.ReviewTasksAssignedTotal,
		m.ReviewTasksCompletedTotal,
		// Feedback
		m.FeedbackSubmittedTotal,
		m.FeedbackMergeItemsTotal,
		// Cache
		m.RoleCacheHitsTotal,
		m.RoleCacheMissesTotal,
		// System
		m.DefinitionReloadTotal,
		m.DefinitionsLoaded,
		m.EventsPublishedTotal,
		m.IdempotentReplays,
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

// RecordOperation records one engine operation. outcome is "ok" or an error
// code.
func (m *Metrics) RecordOperation(operation, outcome string, duration time.Duration) {
	m.OperationsTotal.WithLabelValues(operation, outcome).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordTransition records a committed transition event.
func (m *Metrics) RecordTransition(workflowID, stageID string, action model.Action) {
	m.WorkflowTransitionsTotal.WithLabelValues(workflowID, stageID, string(action)).Inc()
	switch action {
	case model.ActionStart:
		m.WorkflowStartsTotal.WithLabelValues(workflowID).Inc()
		m.WorkflowActiveInstances.WithLabelValues(workflowID).Inc()
	case model.ActionComplete:
		m.WorkflowCompletionsTotal.WithLabelValues(workflowID, "completed").Inc()
		m.WorkflowActiveInstances.WithLabelValues(workflowID).Dec()
	case model.ActionReset:
		m.WorkflowCompletionsTotal.WithLabelValues(workflowID, "reset").Inc()
		m.WorkflowActiveInstances.WithLabelValues(workflowID).Dec()
	}
}

// RecordTasksAssigned records review tasks returned by an assignment.
func (m *Metrics) RecordTasksAssigned(stageID string, n int) {
	m.ReviewTasksAssignedTotal.WithLabelValues(stageID).Add(float64(n))
}

// RecordTaskCompleted records a completed review task.
func (m *Metrics) RecordTaskCompleted(decision string) {
	m.ReviewTasksCompletedTotal.WithLabelValues(decision).Inc()
}

// RecordFeedbackSubmitted records a submitted feedback item.
func (m *Metrics) RecordFeedbackSubmitted(commentType model.CommentType) {
	m.FeedbackSubmittedTotal.WithLabelValues(string(commentType)).Inc()
}

// RecordFeedbackMerge records the per-item results of a merge.
func (m *Metrics) RecordFeedbackMerge(applied, failed int) {
	m.FeedbackMergeItemsTotal.WithLabelValues("applied").Add(float64(applied))
	m.FeedbackMergeItemsTotal.WithLabelValues("failed").Add(float64(failed))
}

// RecordRoleCacheHit records a role cache hit.
func (m *Metrics) RecordRoleCacheHit() {
	m.RoleCacheHitsTotal.Inc()
}

// RecordRoleCacheMiss records a role cache miss.
func (m *Metrics) RecordRoleCacheMiss() {
	m.RoleCacheMissesTotal.Inc()
}

// RecordDefinitionReload records a definition reload.
func (m *Metrics) RecordDefinitionReload(status string) {
	m.DefinitionReloadTotal.WithLabelValues(status).Inc()
}

// SetDefinitionsLoaded sets the number of loaded definitions.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	m.DefinitionsLoaded.Set(count)
}

// RecordEventPublished records the outcome of publishing a transition event.
func (m *Metrics) RecordEventPublished(action model.Action, status string) {
	m.EventsPublishedTotal.WithLabelValues(string(action), status).Inc()
}

// RecordIdempotentReplay records a response served from the idempotency
// store.
func (m *Metrics) RecordIdempotentReplay() {
	m.IdempotentReplays.Inc()
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
