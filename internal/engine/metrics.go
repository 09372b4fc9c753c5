package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the worker's Prometheus collectors. One instance per
// registry; pass nil to the worker to disable collection.
type Metrics struct {
	WorkflowsPulled  *prometheus.CounterVec
	WorkflowRuns     *prometheus.CounterVec
	RunDuration      *prometheus.HistogramVec
	LeasesReclaimed  prometheus.Counter
	WorkflowsByState *prometheus.GaugeVec
	PendingSignals   *prometheus.GaugeVec
}

// NewMetrics registers the worker collectors on reg. A nil reg uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		WorkflowsPulled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gasoline",
			Name:      "workflows_pulled_total",
			Help:      "Workflows leased by this worker.",
		}, []string{"workflow"}),
		WorkflowRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gasoline",
			Name:      "workflow_runs_total",
			Help:      "Run outcomes by workflow and result.",
		}, []string{"workflow", "result"}),
		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gasoline",
			Name:      "workflow_run_duration_seconds",
			Help:      "Wall time of a single run, pull to commit.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"workflow"}),
		LeasesReclaimed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gasoline",
			Name:      "leases_reclaimed_total",
			Help:      "Expired leases reclaimed from dead workers.",
		}),
		WorkflowsByState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gasoline",
			Name:      "workflows",
			Help:      "Stored workflows by name and state.",
		}, []string{"workflow", "state"}),
		PendingSignals: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gasoline",
			Name:      "pending_signals",
			Help:      "Unacked signals by signal name.",
		}, []string{"signal"}),
	}
}

// run outcome labels.
const (
	resultComplete = "complete"
	resultSleep    = "sleep"
	resultError    = "error"
	resultFatal    = "fatal"
	resultStopped  = "stopped"
)
