// Package telemetry exposes the gateway's prometheus counters. A nil *Metrics
// is valid and records nothing.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "smartbff"

// Metrics groups the counters recorded by the gateway components.
type Metrics struct {
	discovery   *prometheus.CounterVec
	refresh     *prometheus.CounterVec
	sweeps      *prometheus.CounterVec
	swept       prometheus.Counter
	logins      *prometheus.CounterVec
	revocations *prometheus.CounterVec
}

// New creates the counters and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		discovery: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_requests_total",
			Help:      "Discovery document lookups by result (hit, miss, invalid).",
		}, []string{"result"}),
		refresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_total",
			Help:      "Session token refresh attempts by result.",
		}, []string{"result"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticket_sweeps_total",
			Help:      "Expired ticket sweeps by result.",
		}, []string{"result"}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticket_swept_total",
			Help:      "Expired tickets deleted by sweeps.",
		}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Completed login callbacks by result.",
		}, []string{"result"}),
		revocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revocations_total",
			Help:      "Token revocation requests sent at logout by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.discovery, m.refresh, m.sweeps, m.swept, m.logins, m.revocations)
	return m
}

func (m *Metrics) DiscoveryLookup(result string) {
	if m == nil {
		return
	}
	m.discovery.WithLabelValues(result).Inc()
}

func (m *Metrics) Refresh(result string) {
	if m == nil {
		return
	}
	m.refresh.WithLabelValues(result).Inc()
}

// Sweep records a sweep outcome and the number of deleted tickets.
func (m *Metrics) Sweep(result string, deleted int64) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(result).Inc()
	if deleted > 0 {
		m.swept.Add(float64(deleted))
	}
}

func (m *Metrics) Login(result string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(result).Inc()
}

func (m *Metrics) Revocation(result string) {
	if m == nil {
		return
	}
	m.revocations.WithLabelValues(result).Inc()
}
