// Package metrics exposes the hub's Prometheus metrics, grounded on
// odin-ws-server/internal/metrics's connection/message/error counters,
// retargeted from market-data fields to the hub's own domain.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the hub registers. Methods are
// safe to call concurrently; Prometheus collectors are themselves
// concurrency-safe, so Metrics needs no additional locking.
type Metrics struct {
	connectionsTotal   prometheus.Counter
	connectionsActive  prometheus.Gauge
	connectionDuration prometheus.Histogram
	connectionErrors   prometheus.Counter

	messagesReceived prometheus.Counter
	messagesSent     prometheus.Counter
	messageSize      prometheus.Histogram

	stateUpdatesApplied prometheus.Counter
	fanoutTargets       prometheus.Histogram

	errorsByType *prometheus.CounterVec

	peerConnected *prometheus.GaugeVec
	peerReconnect *prometheus.CounterVec

	startTime time.Time
}

// New registers and returns a fresh Metrics instance.
func New() *Metrics {
	return &Metrics{
		startTime: time.Now(),

		connectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hub_connections_total",
			Help: "Total number of websocket connections accepted.",
		}),
		connectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "hub_connections_active",
			Help: "Number of currently connected websockets.",
		}),
		connectionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "hub_connection_duration_seconds",
			Help:    "Lifetime of a websocket connection.",
			Buckets: prometheus.DefBuckets,
		}),
		connectionErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hub_connection_errors_total",
			Help: "Total number of connections severed due to a send/read failure.",
		}),

		messagesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hub_messages_received_total",
			Help: "Total number of envelopes decoded from any connection.",
		}),
		messagesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hub_messages_sent_total",
			Help: "Total number of envelopes written to any connection.",
		}),
		messageSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "hub_message_size_bytes",
			Help:    "Size of envelopes received from clients.",
			Buckets: []float64{64, 256, 1024, 4096, 16384, 65536},
		}),

		stateUpdatesApplied: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hub_state_updates_applied_total",
			Help: "Total number of updateState keys applied to the store.",
		}),
		fanoutTargets: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "hub_fanout_targets",
			Help:    "Number of subscriber connections a single stateUpdate fanned out to.",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		}),

		errorsByType: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_errors_total",
			Help: "Total number of errors by category.",
		}, []string{"type"}),

		peerConnected: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hub_peer_connected",
			Help: "1 if the named outbound peer is currently connected, else 0.",
		}, []string{"peer"}),
		peerReconnect: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_peer_reconnect_attempts_total",
			Help: "Total number of (re)connect attempts made to the named outbound peer.",
		}, []string{"peer"}),
	}
}

func (m *Metrics) ConnectionAccepted() {
	m.connectionsTotal.Inc()
	m.connectionsActive.Inc()
}

func (m *Metrics) ConnectionClosed(since time.Time) {
	m.connectionsActive.Dec()
	m.connectionDuration.Observe(time.Since(since).Seconds())
}

func (m *Metrics) ConnectionError(reason string) {
	m.connectionErrors.Inc()
	m.errorsByType.WithLabelValues(reason).Inc()
}

func (m *Metrics) MessageReceived(size int) {
	m.messagesReceived.Inc()
	m.messageSize.Observe(float64(size))
}

func (m *Metrics) MessageSent() {
	m.messagesSent.Inc()
}

func (m *Metrics) StateUpdatesApplied(n int) {
	m.stateUpdatesApplied.Add(float64(n))
}

func (m *Metrics) FanoutTargets(n int) {
	m.fanoutTargets.Observe(float64(n))
}

func (m *Metrics) RecordError(errType string) {
	m.errorsByType.WithLabelValues(errType).Inc()
}

func (m *Metrics) SetPeerConnected(name string, connected bool) {
	v := 0.0
	if connected {
		v = 1.0
	}
	m.peerConnected.WithLabelValues(name).Set(v)
}

func (m *Metrics) IncrementPeerReconnect(name string) {
	m.peerReconnect.WithLabelValues(name).Inc()
}

func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}
