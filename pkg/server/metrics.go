package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the server
type Metrics struct {
	// Session metrics
	activeSessions       prometheus.Gauge
	sessionsCreated      prometheus.Counter
	sessionsDisconnected prometheus.Counter

	// Command metrics
	commandsReceived *prometheus.CounterVec // by command type

	// Broadcast metrics
	messagesBroadcast prometheus.Counter
	broadcastFanout   prometheus.Histogram
	broadcastFailures prometheus.Counter
}

// NewMetrics creates and registers the metrics. Call at most once per
// process; promauto registers with the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		activeSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "relaychat_active_sessions",
				Help: "Current number of live sessions",
			},
		),
		sessionsCreated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "relaychat_sessions_created_total",
				Help: "Total number of sessions created",
			},
		),
		sessionsDisconnected: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "relaychat_sessions_disconnected_total",
				Help: "Total number of sessions disconnected",
			},
		),
		commandsReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaychat_commands_received_total",
				Help: "Total number of commands received, by command type",
			},
			[]string{"type"},
		),
		messagesBroadcast: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "relaychat_messages_broadcast_total",
				Help: "Total number of chat messages broadcast (unique messages, not deliveries)",
			},
		),
		broadcastFanout: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relaychat_broadcast_fanout",
				Help:    "Number of sessions that received each broadcast message",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
		),
		broadcastFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "relaychat_broadcast_write_failures_total",
				Help: "Total number of broadcast deliveries that failed and tore down a session",
			},
		),
	}
}

// RecordActiveSessions updates the active session gauge
func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

// RecordSessionCreated increments the session creation counter
func (m *Metrics) RecordSessionCreated() {
	m.sessionsCreated.Inc()
}

// RecordSessionDisconnected increments the disconnection counter
func (m *Metrics) RecordSessionDisconnected() {
	m.sessionsDisconnected.Inc()
}

// RecordCommand counts one received command by type
func (m *Metrics) RecordCommand(commandType string) {
	m.commandsReceived.WithLabelValues(commandType).Inc()
}

// RecordBroadcast counts one broadcast and its fanout
func (m *Metrics) RecordBroadcast(fanout int) {
	m.messagesBroadcast.Inc()
	m.broadcastFanout.Observe(float64(fanout))
}

// RecordBroadcastFailure counts one failed delivery
func (m *Metrics) RecordBroadcastFailure() {
	m.broadcastFailures.Inc()
}
