// Package metrics provides Prometheus metrics for the MTProto client core.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mtproto_client"

// Metrics contains all Prometheus metrics for one client process.
type Metrics struct {
	// Connection metrics
	SessionsActive  prometheus.Gauge
	SessionsTotal   prometheus.Counter
	Reconnects      *prometheus.CounterVec
	Disconnects     *prometheus.CounterVec

	// Data transfer metrics
	BytesSent     prometheus.Counter
	BytesReceived prometheus.Counter
	FramesSent    prometheus.Counter
	FramesReceived prometheus.Counter

	// Protocol metrics
	HandshakeLatency  prometheus.Histogram
	HandshakeErrors   *prometheus.CounterVec
	ReplayRejections  prometheus.Counter
	ClockSkewRejects  prometheus.Counter
	SaltMismatches    prometheus.Counter
	PingsSent         prometheus.Counter
	PongsReceived     prometheus.Counter
	PingRTT           prometheus.Histogram
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered against the default
// Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently established sessions",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions established",
		}),
		Reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Total reconnect attempts by transport",
		}, []string{"transport"}),
		Disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Total disconnections by reason",
		}, []string{"reason"}),

		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total ciphertext bytes sent",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total ciphertext bytes received",
		}),
		FramesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total encrypted frames sent",
		}),
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total encrypted frames received",
		}),

		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Histogram of the three-round DH handshake's latency",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total handshake errors by type",
		}, []string{"error_type"}),
		ReplayRejections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_rejections_total",
			Help:      "Total inbound messages rejected as duplicates",
		}),
		ClockSkewRejects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clock_skew_rejections_total",
			Help:      "Total inbound messages rejected for excessive clock skew",
		}),
		SaltMismatches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "salt_mismatches_total",
			Help:      "Total inbound messages observed carrying an unknown server_salt",
		}),
		PingsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pings_sent_total",
			Help:      "Total ping messages sent",
		}),
		PongsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pongs_received_total",
			Help:      "Total pong messages received",
		}),
		PingRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ping_rtt_seconds",
			Help:      "Histogram of ping round-trip time",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
	}
}

// RecordSessionEstablished records a newly established session.
func (m *Metrics) RecordSessionEstablished() {
	m.SessionsActive.Inc()
	m.SessionsTotal.Inc()
}

// RecordDisconnect records a session teardown.
func (m *Metrics) RecordDisconnect(reason string) {
	m.SessionsActive.Dec()
	m.Disconnects.WithLabelValues(reason).Inc()
}

// RecordReconnect records a reconnect attempt for a transport kind.
func (m *Metrics) RecordReconnect(transport string) {
	m.Reconnects.WithLabelValues(transport).Inc()
}

// RecordFrameSent records one outbound encrypted frame.
func (m *Metrics) RecordFrameSent(bytes int) {
	m.FramesSent.Inc()
	m.BytesSent.Add(float64(bytes))
}

// RecordFrameReceived records one inbound encrypted frame.
func (m *Metrics) RecordFrameReceived(bytes int) {
	m.FramesReceived.Inc()
	m.BytesReceived.Add(float64(bytes))
}

// RecordHandshake records a successful handshake's latency.
func (m *Metrics) RecordHandshake(latencySeconds float64) {
	m.HandshakeLatency.Observe(latencySeconds)
}

// RecordHandshakeError records a handshake failure by error type.
func (m *Metrics) RecordHandshakeError(errorType string) {
	m.HandshakeErrors.WithLabelValues(errorType).Inc()
}

// RecordReplayRejection records a duplicate msg_id rejection.
func (m *Metrics) RecordReplayRejection() {
	m.ReplayRejections.Inc()
}

// RecordClockSkewRejection records a clock-skew rejection.
func (m *Metrics) RecordClockSkewRejection() {
	m.ClockSkewRejects.Inc()
}

// RecordSaltMismatch records an inbound message carrying an unexpected
// server_salt (non-fatal).
func (m *Metrics) RecordSaltMismatch() {
	m.SaltMismatches.Inc()
}

// RecordPingSent records a ping message sent.
func (m *Metrics) RecordPingSent() {
	m.PingsSent.Inc()
}

// RecordPongReceived records a pong received with its round-trip time.
func (m *Metrics) RecordPongReceived(rttSeconds float64) {
	m.PongsReceived.Inc()
	m.PingRTT.Observe(rttSeconds)
}
