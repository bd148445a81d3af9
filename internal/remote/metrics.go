package remote

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/specrun/internal/protocol"
)

// Request outcomes.
const (
	outcomeOK        = "ok"
	outcomeRejected  = "rejected"
	outcomeTransport = "transport_error"
	outcomeDisposed  = "disposed"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "specrun_remote_requests_total",
			Help: "Total number of engine requests by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	pendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "specrun_remote_pending_requests",
			Help: "Number of engine requests awaiting a reply.",
		},
	)

	startupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "specrun_remote_startup_seconds",
			Help:    "Time from launching an engine to its readiness handshake.",
			Buckets: prometheus.DefBuckets,
		},
	)

	unmatchedReplies = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "specrun_remote_unmatched_replies_total",
			Help: "Replies whose correlation id matched no pending request.",
		},
	)

	droppedPushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "specrun_remote_dropped_pushes_total",
			Help: "Engine pushes dropped for slow subscribers, by kind.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal)
	prometheus.MustRegister(pendingRequests)
	prometheus.MustRegister(startupDuration)
	prometheus.MustRegister(unmatchedReplies)
	prometheus.MustRegister(droppedPushes)

	for _, kind := range []string{protocol.KindRunSpec, protocol.KindRunBatch, protocol.KindStop} {
		for _, outcome := range []string{outcomeOK, outcomeRejected, outcomeTransport, outcomeDisposed} {
			requestsTotal.WithLabelValues(kind, outcome)
		}
	}
	droppedPushes.WithLabelValues(protocol.KindQueueState)
	droppedPushes.WithLabelValues(protocol.KindSpecProgress)
}
