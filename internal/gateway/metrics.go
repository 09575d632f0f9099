package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "tokengate"

// Metrics holds the gateway counters. It implements refresh.Recorder.
type Metrics struct {
	requests     *prometheus.CounterVec
	refreshes    *prometheus.CounterVec
	refreshing   prometheus.Gauge
	queued       prometheus.Counter
	replayed     prometheus.Counter
	terminations *prometheus.CounterVec
}

// NewMetrics creates the gateway counters and registers them on reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Dispatched calls by outcome (ok or failure kind).",
		}, []string{"outcome"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "refreshes_total",
			Help:      "Credential refresh calls by result.",
		}, []string{"result"}),
		refreshing: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "refresh_in_flight",
			Help:      "1 while a credential refresh call is running.",
		}),
		queued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "refresh_queued_total",
			Help:      "Calls queued behind an in-flight refresh.",
		}),
		replayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "replays_total",
			Help:      "Calls replayed after credentials changed.",
		}),
		terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "session_terminations_total",
			Help:      "Sessions ended, by reason.",
		}, []string{"reason"}),
	}

	if reg != nil {
		reg.MustRegister(m.requests, m.refreshes, m.refreshing, m.queued, m.replayed, m.terminations)
	}

	return m
}

func (m *Metrics) observe(outcome string) {
	m.requests.WithLabelValues(outcome).Inc()
}

// RefreshStarted marks a refresh as running.
func (m *Metrics) RefreshStarted() { m.refreshing.Inc() }

// RefreshFinished counts a settled refresh.
func (m *Metrics) RefreshFinished(success bool) {
	m.refreshing.Dec()

	result := "failure"
	if success {
		result = "success"
	}

	m.refreshes.WithLabelValues(result).Inc()
}

// Queued counts a call parked behind a refresh.
func (m *Metrics) Queued() { m.queued.Inc() }

// Replayed counts a replay.
func (m *Metrics) Replayed() { m.replayed.Inc() }

// SessionTerminated counts a session loss.
func (m *Metrics) SessionTerminated(reason string) {
	m.terminations.WithLabelValues(reason).Inc()
}
