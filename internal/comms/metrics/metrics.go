package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for bus routing.
type Metrics struct {
	MessagesRouted *prometheus.CounterVec
	QueueDepth     *prometheus.GaugeVec
	Undeliverable  *prometheus.CounterVec
}

// New registers bus metrics on reg. A nil registerer yields unregistered
// collectors, which keeps tests free of global registry collisions.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessagesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "registrar_bus_messages_routed_total",
			Help: "Messages delivered by the comms bus, by sender, receiver and kind",
		}, []string{"from", "to", "kind"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "registrar_bus_queue_depth",
			Help: "Messages waiting in an endpoint inbox",
		}, []string{"endpoint"}),
		Undeliverable: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "registrar_bus_undeliverable_total",
			Help: "Messages addressed to an unregistered endpoint",
		}, []string{"to"}),
	}
}

func (m *Metrics) RecordRouted(from, to, kind string) {
	m.MessagesRouted.WithLabelValues(from, to, kind).Inc()
}

func (m *Metrics) SetQueueDepth(endpoint string, depth int) {
	m.QueueDepth.WithLabelValues(endpoint).Set(float64(depth))
}

func (m *Metrics) IncrementUndeliverable(to string) {
	m.Undeliverable.WithLabelValues(to).Inc()
}
