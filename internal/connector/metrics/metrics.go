package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	ConnectionState  prometheus.Gauge
	ConnectAttempts  *prometheus.CounterVec
	Reconnects       prometheus.Counter
	FramesReceived   *prometheus.CounterVec
	JudgmentsSent    prometheus.Counter
	JudgmentsDropped prometheus.Counter
	QueuedJudgments  prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectionState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "registrar_watcher_connection_state",
			Help: "Watcher session state: 0 disconnected, 1 connecting, 2 connected",
		}),
		ConnectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "registrar_watcher_connect_attempts_total",
			Help: "Watcher dial attempts, by result",
		}, []string{"result"}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "registrar_watcher_reconnects_total",
			Help: "Watcher sessions re-established after a runtime disconnect",
		}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "registrar_watcher_frames_received_total",
			Help: "Frames received from the watcher, by type",
		}, []string{"type"}),
		JudgmentsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "registrar_watcher_judgments_sent_total",
			Help: "Judgments submitted to the watcher",
		}),
		JudgmentsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "registrar_watcher_judgments_dropped_total",
			Help: "Queued judgments discarded because the offline queue was full",
		}),
		QueuedJudgments: factory.NewGauge(prometheus.GaugeOpts{
			Name: "registrar_watcher_queued_judgments",
			Help: "Judgments waiting for a watcher session",
		}),
	}
}

func (m *Metrics) SetState(state int) {
	m.ConnectionState.Set(float64(state))
}

func (m *Metrics) RecordConnectAttempt(result string) {
	m.ConnectAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) IncrementReconnects() {
	m.Reconnects.Inc()
}

func (m *Metrics) RecordFrame(typ string) {
	m.FramesReceived.WithLabelValues(typ).Inc()
}

func (m *Metrics) IncrementJudgmentsSent() {
	m.JudgmentsSent.Inc()
}

func (m *Metrics) IncrementJudgmentsDropped() {
	m.JudgmentsDropped.Inc()
}

func (m *Metrics) SetQueued(n int) {
	m.QueuedJudgments.Set(float64(n))
}
