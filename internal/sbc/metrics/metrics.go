// Package metrics exposes Prometheus instrumentation for the call-leg
// engine. All methods are nil-receiver safe so instrumentation stays
// optional in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the engine collectors.
type Metrics struct {
	activeLegs        prometheus.Gauge
	legsTotal         *prometheus.CounterVec
	statusTransitions *prometheus.CounterVec
	updateRetries     prometheus.Counter
	mediaSessions     prometheus.Gauge
	callsFailed       *prometheus.CounterVec
}

// New builds and registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		activeLegs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sbc",
			Name:      "active_call_legs",
			Help:      "Call legs currently registered.",
		}),
		legsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sbc",
			Name:      "call_legs_total",
			Help:      "Call legs started, by bridge role.",
		}, []string{"role"}),
		statusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sbc",
			Name:      "call_status_transitions_total",
			Help:      "Bridge status transitions.",
		}, []string{"from", "to"}),
		updateRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sbc",
			Name:      "session_update_retries_total",
			Help:      "Session updates rescheduled after a 491 reply.",
		}),
		mediaSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sbc",
			Name:      "active_media_sessions",
			Help:      "Shared media sessions currently alive.",
		}),
		callsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sbc",
			Name:      "calls_failed_total",
			Help:      "Calls that never reached Connected, by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(
		m.activeLegs,
		m.legsTotal,
		m.statusTransitions,
		m.updateRetries,
		m.mediaSessions,
		m.callsFailed,
	)
	return m
}

// LegStarted counts a new leg under the given role.
func (m *Metrics) LegStarted(role string) {
	if m == nil {
		return
	}
	m.activeLegs.Inc()
	m.legsTotal.WithLabelValues(role).Inc()
}

// LegStopped decrements the active leg gauge.
func (m *Metrics) LegStopped() {
	if m == nil {
		return
	}
	m.activeLegs.Dec()
}

// StatusTransition counts a bridge status change.
func (m *Metrics) StatusTransition(from, to string) {
	if m == nil {
		return
	}
	m.statusTransitions.WithLabelValues(from, to).Inc()
}

// UpdateRetryScheduled counts a 491-triggered retry.
func (m *Metrics) UpdateRetryScheduled() {
	if m == nil {
		return
	}
	m.updateRetries.Inc()
}

// MediaSessionOpened increments the media session gauge.
func (m *Metrics) MediaSessionOpened() {
	if m == nil {
		return
	}
	m.mediaSessions.Inc()
}

// MediaSessionClosed decrements the media session gauge.
func (m *Metrics) MediaSessionClosed() {
	if m == nil {
		return
	}
	m.mediaSessions.Dec()
}

// CallFailed counts a call that never connected.
func (m *Metrics) CallFailed(reason string) {
	if m == nil {
		return
	}
	m.callsFailed.WithLabelValues(reason).Inc()
}
