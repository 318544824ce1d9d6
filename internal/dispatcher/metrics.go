package dispatcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the dispatcher's instrumentation.
type Metrics struct {
	TurnsTotal    *prometheus.CounterVec
	RejectedTotal *prometheus.CounterVec
	InFlight      prometheus.Gauge
	QueueDepth    prometheus.Gauge
	TurnDuration  prometheus.Histogram
	DeliveryFails prometheus.Counter
}

// NewMetrics registers the dispatcher metrics on the given registerer.
// A nil registerer uses the default one.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		TurnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omnibot",
			Subsystem: "dispatcher",
			Name:      "turns_total",
			Help:      "Turns executed, labeled by terminal outcome.",
		}, []string{"outcome"}),
		RejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omnibot",
			Subsystem: "dispatcher",
			Name:      "rejected_total",
			Help:      "Events rejected at admission, labeled by reason.",
		}, []string{"reason"}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "omnibot",
			Subsystem: "dispatcher",
			Name:      "turns_in_flight",
			Help:      "Turns currently executing.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "omnibot",
			Subsystem: "dispatcher",
			Name:      "queue_depth",
			Help:      "Admitted turns waiting to execute.",
		}),
		TurnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "omnibot",
			Subsystem: "dispatcher",
			Name:      "turn_duration_seconds",
			Help:      "Wall time of one turn from start to terminal outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		DeliveryFails: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "omnibot",
			Subsystem: "dispatcher",
			Name:      "delivery_failures_total",
			Help:      "Outbound actions that exhausted delivery retries.",
		}),
	}
}
