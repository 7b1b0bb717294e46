package metrics

import "github.com/prometheus/client_golang/prometheus"

// Push outcomes recorded by RealtimeMetrics.PushesTotal.
const (
	OutcomeDelivered = "delivered"
	OutcomeClosed    = "closed"
	OutcomeTimeout   = "timeout"
	OutcomeSlow      = "slow"
	OutcomeFailed    = "failed"
)

// RealtimeMetrics holds Prometheus metrics for the connection registry and
// the delivery router.
type RealtimeMetrics struct {
	ActiveConnections prometheus.Gauge
	BoundUsers        prometheus.Gauge
	Topics            prometheus.Gauge
	EventsTotal       *prometheus.CounterVec
	PushesTotal       *prometheus.CounterVec
	NoRecipientTotal  *prometheus.CounterVec
	EventsDropped     prometheus.Counter
	DispatchDuration  prometheus.Histogram
	QueueDepth        prometheus.Gauge
}

// NewRealtimeMetrics creates and registers realtime metrics on the given registry.
func NewRealtimeMetrics(reg prometheus.Registerer) *RealtimeMetrics {
	m := &RealtimeMetrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "active_connections",
			Help:      "Number of connections held by the registry.",
		}),
		BoundUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "bound_users",
			Help:      "Number of distinct users with at least one bound connection.",
		}),
		Topics: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "topics",
			Help:      "Number of topics with at least one subscriber.",
		}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "events_total",
			Help:      "Total number of events dispatched, by type and target kind.",
		}, []string{"type", "target"}),
		PushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "pushes_total",
			Help:      "Total number of per-connection pushes, by outcome.",
		}, []string{"outcome"}),
		NoRecipientTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "no_recipient_total",
			Help:      "Total number of events that resolved to no live connection.",
		}, []string{"target"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "events_dropped_total",
			Help:      "Total number of events dropped because the delivery queue was full or stopped.",
		}),
		DispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent resolving and pushing a single event.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "queue_depth",
			Help:      "Number of events waiting in the delivery queue.",
		}),
	}

	reg.MustRegister(
		m.ActiveConnections, m.BoundUsers, m.Topics,
		m.EventsTotal, m.PushesTotal, m.NoRecipientTotal,
		m.EventsDropped, m.DispatchDuration, m.QueueDepth,
	)
	return m
}
