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
	httpDurationBuckets       = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	transitionDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	bodySizeBuckets           = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the daemon. It
// implements encounter.Recorder and definition.ReloadRecorder.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Encounter metrics
	EncountersCreatedTotal *prometheus.CounterVec
	TransitionsTotal       *prometheus.CounterVec
	TransitionDuration     *prometheus.HistogramVec
	EncountersEndedTotal   *prometheus.CounterVec
	ValidatorFailuresTotal *prometheus.CounterVec

	// Definition metrics
	DefinitionPublishTotal *prometheus.CounterVec
	DefinitionsLoaded      prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "encounters_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "encounters_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "encounters_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "encounters_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		EncountersCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "encounters_created_total",
			Help: "Total number of encounters created.",
		}, []string{"definition_key"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "encounters_transitions_total",
			Help: "Total number of transition attempts by outcome.",
		}, []string{"definition_key", "outcome"}),
		TransitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "encounters_transition_duration_seconds",
			Help:    "Transition attempt duration in seconds, lock wait included.",
			Buckets: transitionDurationBuckets,
		}, []string{"definition_key"}),
		EncountersEndedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "encounters_ended_total",
			Help: "Total number of encounters that reached a terminal state.",
		}, []string{"definition_key", "state"}),
		ValidatorFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "encounters_validator_failures_total",
			Help: "Total number of validator errors and panics.",
		}, []string{"validator_id"}),

		DefinitionPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "encounters_definition_publish_total",
			Help: "Total definition publish attempts by status.",
		}, []string{"status"}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "encounters_definitions_loaded",
			Help: "Number of definitions in the active snapshot.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.EncountersCreatedTotal,
		m.TransitionsTotal,
		m.TransitionDuration,
		m.EncountersEndedTotal,
		m.ValidatorFailuresTotal,
		m.DefinitionPublishTotal,
		m.DefinitionsLoaded,
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

// EncounterCreated records a created encounter.
func (m *Metrics) EncounterCreated(definitionKey string) {
	m.EncountersCreatedTotal.WithLabelValues(definitionKey).Inc()
}

// TransitionAttempted records one transition attempt and its outcome.
func (m *Metrics) TransitionAttempted(definitionKey, outcome string, duration time.Duration) {
	m.TransitionsTotal.WithLabelValues(definitionKey, outcome).Inc()
	m.TransitionDuration.WithLabelValues(definitionKey).Observe(duration.Seconds())
}

// EncounterEnded records an encounter entering a terminal state.
func (m *Metrics) EncounterEnded(definitionKey, state string) {
	m.EncountersEndedTotal.WithLabelValues(definitionKey, state).Inc()
}

// ValidatorFailed records a validator that errored or panicked.
func (m *Metrics) ValidatorFailed(validatorID string) {
	m.ValidatorFailuresTotal.WithLabelValues(validatorID).Inc()
}

// DefinitionsPublished records a publish attempt. The loaded gauge only
// moves on success.
func (m *Metrics) DefinitionsPublished(status string, count int) {
	m.DefinitionPublishTotal.WithLabelValues(status).Inc()
	if status == "success" {
		m.DefinitionsLoaded.Set(float64(count))
	}
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &responseRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), reqSize, sw.bytes)
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
	pattern := strings.TrimSuffix(strings.Join(rctx.RoutePatterns, ""), "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// responseRecorder captures the status and body size written by a handler.
// Shared by the metrics and tracing middleware.
type responseRecorder struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *responseRecorder) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseRecorder) Write(b []byte) (int, error) {
	w.written = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
