package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes queue activity. A nil registerer produces unregistered
// collectors, which is what tests want.
type Metrics struct {
	ongoing   prometheus.Gauge
	queued    prometheus.Gauge
	admitted  *prometheus.CounterVec
	rejected  *prometheus.CounterVec
	abandoned prometheus.Counter
	completed prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ongoing: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "catalyst",
			Subsystem: "query_queue",
			Name:      "ongoing",
			Help:      "Work items currently executing.",
		}),
		queued: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "catalyst",
			Subsystem: "query_queue",
			Name:      "queued",
			Help:      "Work items waiting for a slot.",
		}),
		admitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "catalyst",
			Subsystem: "query_queue",
			Name:      "admitted_total",
			Help:      "Work items accepted by the queue.",
		}, []string{"priority"}),
		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "catalyst",
			Subsystem: "query_queue",
			Name:      "rejected_total",
			Help:      "Work items refused because the wait list was full.",
		}, []string{"priority"}),
		abandoned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "catalyst",
			Subsystem: "query_queue",
			Name:      "abandoned_total",
			Help:      "Work items whose context ended while waiting.",
		}),
		completed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "catalyst",
			Subsystem: "query_queue",
			Name:      "completed_total",
			Help:      "Work items that ran to completion.",
		}),
	}
}

func (m *Metrics) admit(p Priority)  { m.admitted.WithLabelValues(p.String()).Inc() }
func (m *Metrics) reject(p Priority) { m.rejected.WithLabelValues(p.String()).Inc() }
func (m *Metrics) abandon()          { m.abandoned.Inc() }
func (m *Metrics) complete()         { m.completed.Inc() }
