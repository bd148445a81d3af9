package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seantiz/specrun/internal/protocol"
)

const unmatched = "unmatched"

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "specrun_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "specrun_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	runsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "specrun_api_runs_started_total",
			Help: "Runs started through the API by kind (batch, spec) and whether the caller waited.",
		},
		[]string{"kind", "wait"},
	)

	recordsPersisted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "specrun_api_records_persisted_total",
			Help: "Spec records written to the store after a run, by result.",
		},
		[]string{"result"},
	)

	streamClients = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "specrun_api_stream_clients",
			Help: "Connected SSE clients by pushed message kind.",
		},
		[]string{"kind"},
	)
)

// Run kinds.
const (
	runKindBatch = "batch"
	runKindSpec  = "spec"
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(runsStarted)
	prometheus.MustRegister(recordsPersisted)
	prometheus.MustRegister(streamClients)

	for _, kind := range []string{runKindBatch, runKindSpec} {
		runsStarted.WithLabelValues(kind, "true")
		runsStarted.WithLabelValues(kind, "false")
	}
	recordsPersisted.WithLabelValues("ok")
	recordsPersisted.WithLabelValues("error")
	streamClients.WithLabelValues(protocol.KindQueueState)
	streamClients.WithLabelValues(protocol.KindSpecProgress)
}

// metricsMiddleware records request count and duration for every HTTP request.
// Uses the chi route pattern (not the raw path) to avoid unbounded cardinality.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start).Seconds()
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		path := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern extracts the matched chi route pattern, falling back to "unmatched".
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

// metricsHandler returns the Prometheus metrics handler.
func metricsHandler() http.Handler {
	return promhttp.Handler()
}
