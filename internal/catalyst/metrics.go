package catalyst

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the node's domain counters. A nil registerer yields
// unregistered collectors.
type Metrics struct {
	Deployments        *prometheus.CounterVec
	DeploymentFailures *prometheus.CounterVec
	GCDeleted          prometheus.Counter
	GCFailed           prometheus.Counter
	GCDuration         prometheus.Histogram
	SnapshotsGenerated prometheus.Counter
	SyncProcessed      *prometheus.CounterVec
	SyncFailed         *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Deployments: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "catalyst",
			Name:      "deployments_total",
			Help:      "Deployments committed, by entity type and outcome.",
		}, []string{"entity_type", "status"}),
		DeploymentFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "catalyst",
			Name:      "deployment_failures_total",
			Help:      "Deployments that could not be committed, by reason.",
		}, []string{"reason"}),
		GCDeleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "catalyst",
			Subsystem: "gc",
			Name:      "deleted_hashes_total",
			Help:      "Content hashes removed by garbage collection.",
		}),
		GCFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "catalyst",
			Subsystem: "gc",
			Name:      "failed_deletions_total",
			Help:      "Content hashes garbage collection failed to remove.",
		}),
		GCDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "catalyst",
			Subsystem: "gc",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of garbage collection sweeps.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		SnapshotsGenerated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "catalyst",
			Subsystem: "snapshots",
			Name:      "generated_total",
			Help:      "Snapshots written.",
		}),
		SyncProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "catalyst",
			Subsystem: "sync",
			Name:      "deployments_processed_total",
			Help:      "Remote deployments processed, by peer.",
		}, []string{"peer"}),
		SyncFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "catalyst",
			Subsystem: "sync",
			Name:      "deployments_failed_total",
			Help:      "Remote deployments that failed, by peer.",
		}, []string{"peer"}),
	}
}
