// Package metrics exposes Prometheus collectors for admission, sessions and
// handshakes. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "seclink"

// Rejection reasons.
const (
	ReasonBlocked  = "blocked"
	ReasonCapacity = "capacity"
)

type Metrics struct {
	Accepted        prometheus.Counter
	Rejected        *prometheus.CounterVec
	ActiveSessions  prometheus.Gauge
	SessionDuration prometheus.Histogram
	Handshakes      *prometheus.CounterVec
	AcceptErrors    prometheus.Counter

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg. A nil reg uses a
// fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		Accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Connections admitted into a session.",
		}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Connections closed before admission, by reason.",
		}, []string{"reason"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently registered.",
		}),
		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Lifetime of a session from admission to cleanup.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_responses_total",
			Help:      "Handshake responses sent, by status and kind.",
		}, []string{"status", "kind"}),
		AcceptErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accept_errors_total",
			Help:      "Transient accept failures.",
		}),
		gatherer: reg,
	}
	reg.MustRegister(m.Accepted, m.Rejected, m.ActiveSessions, m.SessionDuration, m.Handshakes, m.AcceptErrors)
	return m
}

func (m *Metrics) ConnectionAccepted() {
	if m == nil {
		return
	}
	m.Accepted.Inc()
	m.ActiveSessions.Inc()
}

func (m *Metrics) ConnectionRejected(reason string) {
	if m == nil {
		return
	}
	m.Rejected.WithLabelValues(reason).Inc()
}

// SessionClosed records the end of a session admitted at start.
func (m *Metrics) SessionClosed(start time.Time) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(time.Since(start).Seconds())
}

// HandshakeAnswered counts one response. kind is "passthrough" for echoed
// finalized objects and "answer" otherwise.
func (m *Metrics) HandshakeAnswered(status, passthrough bool) {
	if m == nil {
		return
	}
	kind := "answer"
	if passthrough {
		kind = "passthrough"
	}
	m.Handshakes.WithLabelValues(strconv.FormatBool(status), kind).Inc()
}

func (m *Metrics) AcceptFailed() {
	if m == nil {
		return
	}
	m.AcceptErrors.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
