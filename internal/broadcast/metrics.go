package broadcast

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Deliveries  *prometheus.CounterVec
	Duration    prometheus.Histogram
	Retractions *prometheus.CounterVec
}

// NewMetrics builds the engine collectors and registers them with reg when
// reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Delivery attempts by recipient kind and final outcome.",
		}, []string{"kind", "outcome"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_broadcast_duration_seconds",
			Help:    "Wall time of one broadcast run.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
		Retractions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_retractions_total",
			Help: "Delete calls issued by retractions, by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.Deliveries, m.Duration, m.Retractions)
	}
	return m
}
