// Package metrics holds the Prometheus metrics exported by the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "svmp_proxy"

// Metrics holds all Prometheus metrics for the proxy.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  *prometheus.CounterVec
	AuthAttempts      *prometheus.CounterVec
	StateTransitions  *prometheus.CounterVec
	BytesRelayed      *prometheus.CounterVec
	SessionsExpired   prometheus.Counter
	ParseErrors       prometheus.Counter
	VMReclaims        *prometheus.CounterVec
	ReclaimDuration   prometheus.Histogram
	ProvisionsTotal   *prometheus.CounterVec
	HandshakeDuration prometheus.Histogram
	RateLimitKeys     prometheus.Gauge
}

// New creates and registers all metrics with the given registry.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		ConnectionsActive: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connections_active",
				Help:      "Number of open client connections",
			},
		),
		ConnectionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total client connections accepted",
			},
			[]string{"transport"}, // transport=tcp/websocket
		),
		AuthAttempts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_attempts_total",
				Help:      "Authentication attempts by result",
			},
			[]string{"result"}, // result=ok or a failure reason
		),
		StateTransitions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_transitions_total",
				Help:      "Connection state transitions by target state",
			},
			[]string{"state"},
		),
		BytesRelayed: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_relayed_total",
				Help:      "Bytes relayed once a connection is proxying",
			},
			[]string{"direction"}, // direction=client_to_vm/vm_to_client
		),
		SessionsExpired: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_expired_total",
				Help:      "Connections closed because the session reached its maximum length",
			},
		),
		ParseErrors: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "parse_errors_total",
				Help:      "Malformed client messages answered with ERROR",
			},
		),
		VMReclaims: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vm_reclaims_total",
				Help:      "Idle VM reclamations by outcome",
			},
			[]string{"outcome"}, // outcome=destroyed/already_removed/teardown_failed/error
		),
		ReclaimDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reclaim_sweep_duration_seconds",
				Help:      "Duration of idle VM reclamation sweeps",
				Buckets:   prometheus.DefBuckets,
			},
		),
		ProvisionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vm_provisions_total",
				Help:      "VM provisioning attempts by result",
			},
			[]string{"result"}, // result=ok or the failed step
		),
		HandshakeDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "handshake_duration_seconds",
				Help:      "Time from accept to PROXY_READY",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
		),
		RateLimitKeys: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "rate_limit_keys",
				Help:      "Number of tracked authentication rate limit keys",
			},
		),
	}
}

func (m *Metrics) ConnectionOpened(transport string) {
	if m == nil {
		return
	}
	m.ConnectionsTotal.WithLabelValues(transport).Inc()
	m.ConnectionsActive.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
}

func (m *Metrics) AuthResult(result string) {
	if m == nil {
		return
	}
	m.AuthAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) Transition(state string) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) Relayed(direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesRelayed.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) SessionExpired() {
	if m == nil {
		return
	}
	m.SessionsExpired.Inc()
}

func (m *Metrics) ParseError() {
	if m == nil {
		return
	}
	m.ParseErrors.Inc()
}

func (m *Metrics) Reclaimed(outcome string) {
	if m == nil {
		return
	}
	m.VMReclaims.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveSweep(seconds float64) {
	if m == nil {
		return
	}
	m.ReclaimDuration.Observe(seconds)
}

func (m *Metrics) Provisioned(result string) {
	if m == nil {
		return
	}
	m.ProvisionsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveHandshake(seconds float64) {
	if m == nil {
		return
	}
	m.HandshakeDuration.Observe(seconds)
}
