package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	ClaimsReceived    *prometheus.CounterVec
	ChallengeOutcomes *prometheus.CounterVec
	JudgmentsEmitted  *prometheus.CounterVec
	PersistFailures   prometheus.Counter
	DirtyIdentities   prometheus.Gauge
	LiveIdentities    prometheus.Gauge
	DroppedResponses  *prometheus.CounterVec
	StepDuration      *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ClaimsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "registrar_verification_claims_total",
			Help: "Claims received from the chain, by field",
		}, []string{"field"}),
		ChallengeOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "registrar_verification_challenge_outcomes_total",
			Help: "Challenge transitions to a terminal state, by field and outcome",
		}, []string{"field", "outcome"}),
		JudgmentsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "registrar_verification_judgments_total",
			Help: "Judgments sent to the chain connector, by verdict",
		}, []string{"verdict"}),
		PersistFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "registrar_verification_persist_failures_total",
			Help: "Identity writes that exhausted their retry budget",
		}),
		DirtyIdentities: factory.NewGauge(prometheus.GaugeOpts{
			Name: "registrar_verification_dirty_identities",
			Help: "Identities whose latest state is not yet durable",
		}),
		LiveIdentities: factory.NewGauge(prometheus.GaugeOpts{
			Name: "registrar_verification_live_identities",
			Help: "Identities currently under verification",
		}),
		DroppedResponses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "registrar_verification_dropped_messages_total",
			Help: "Messages dropped as stale or unroutable, by kind",
		}, []string{"kind"}),
		StepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "registrar_verification_step_duration_seconds",
			Help:    "Time spent processing one orchestrator step, by kind",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"kind"}),
	}
}

func (m *Metrics) IncrementClaims(field string) {
	m.ClaimsReceived.WithLabelValues(field).Inc()
}

func (m *Metrics) RecordOutcome(field, outcome string) {
	m.ChallengeOutcomes.WithLabelValues(field, outcome).Inc()
}

func (m *Metrics) IncrementJudgments(verdict string) {
	m.JudgmentsEmitted.WithLabelValues(verdict).Inc()
}

func (m *Metrics) IncrementPersistFailures() {
	m.PersistFailures.Inc()
}

func (m *Metrics) SetDirty(n int) {
	m.DirtyIdentities.Set(float64(n))
}

func (m *Metrics) SetLive(n int) {
	m.LiveIdentities.Set(float64(n))
}

func (m *Metrics) IncrementDropped(kind string) {
	m.DroppedResponses.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveStep(kind string, seconds float64) {
	m.StepDuration.WithLabelValues(kind).Observe(seconds)
}
