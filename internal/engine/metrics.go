package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/specrun/internal/model"
)

var (
	cellsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "specrun_engine_cells_total",
			Help: "Total number of executed cells by graded status.",
		},
		[]string{"status"},
	)

	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "specrun_engine_runs_total",
			Help: "Total number of plan executions by final run state.",
		},
		[]string{"state"},
	)

	runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "specrun_engine_run_seconds",
			Help:    "Duration of a single plan execution, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(cellsTotal)
	prometheus.MustRegister(runsTotal)
	prometheus.MustRegister(runDuration)

	for _, s := range []model.Status{model.StatusSuccess, model.StatusFailed, model.StatusError, model.StatusSyntaxError} {
		cellsTotal.WithLabelValues(string(s))
	}
	runsTotal.WithLabelValues(string(StateCompleted))
	runsTotal.WithLabelValues(string(StateCancelled))
}
