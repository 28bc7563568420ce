// Package metrics provides Prometheus metrics for monitoring the
// collaboration relay.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// WebSocket relay metrics
var (
	// activeSessions tracks the number of live websocket sessions.
	// Labels:
	//   - document: Document ID
	activeSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ws_active_sessions",
			Help: "Number of active websocket sessions",
		},
		[]string{"document"},
	)

	// messagesTotal records inbound frames handled by session actors.
	// Labels:
	//   - kind: Message kind (e.g., "delta", "cursor_move", "ping")
	//   - status: Dispatch status (e.g., "ok", "rejected", "malformed", "rate_limited")
	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_messages_total",
			Help: "Total number of inbound websocket messages by kind and status",
		},
		[]string{"kind", "status"},
	)

	// broadcastRecipients records the fan-out size of each broadcast.
	// Buckets cover 0 to 64 recipients.
	broadcastRecipients = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ws_broadcast_recipients",
			Help:    "Number of recipients per group broadcast",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64},
		},
	)

	// closesTotal records application-level connection closes.
	// Labels:
	//   - code: Close code (e.g., "4002")
	closesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_closes_total",
			Help: "Total number of websocket closes by application close code",
		},
		[]string{"code"},
	)

	// persistenceFlushDuration records the duration of persistence-bridge
	// writes triggered by the save debouncer.
	// Buckets: 5ms to 10s
	persistenceFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "persistence_flush_duration_seconds",
			Help:    "Duration of persistence bridge writes in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		},
	)

	// presenceOpsTotal records presence store round-trips.
	// Labels:
	//   - op: Operation (e.g., "upsert", "refresh", "remove", "list")
	//   - status: "success" or "failed"
	presenceOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_operations_total",
			Help: "Total number of presence store operations",
		},
		[]string{"op", "status"},
	)
)

func init() {
	// Register all relay metrics with Prometheus
	prometheus.MustRegister(activeSessions)
	prometheus.MustRegister(messagesTotal)
	prometheus.MustRegister(broadcastRecipients)
	prometheus.MustRegister(closesTotal)
	prometheus.MustRegister(persistenceFlushDuration)
	prometheus.MustRegister(presenceOpsTotal)
}

// SessionOpened increments the active session gauge for a document.
func SessionOpened(documentID string) {
	activeSessions.WithLabelValues(documentID).Inc()
}

// SessionClosed decrements the active session gauge for a document.
func SessionClosed(documentID string) {
	activeSessions.WithLabelValues(documentID).Dec()
}

// RecordMessage records an inbound message dispatch.
// Parameters:
//   - kind: Message kind (e.g., "delta", "cursor_move")
//   - status: Dispatch status (e.g., "ok", "rejected")
func RecordMessage(kind, status string) {
	messagesTotal.WithLabelValues(kind, status).Inc()
}

// ObserveBroadcast records the recipient count of a group broadcast.
func ObserveBroadcast(recipients int) {
	broadcastRecipients.Observe(float64(recipients))
}

// RecordClose records an application-level close code.
func RecordClose(code string) {
	closesTotal.WithLabelValues(code).Inc()
}

// ObserveFlush records the duration of one persistence write.
func ObserveFlush(durationSeconds float64) {
	persistenceFlushDuration.Observe(durationSeconds)
}

// RecordPresenceOp records one presence store round-trip.
func RecordPresenceOp(op, status string) {
	presenceOpsTotal.WithLabelValues(op, status).Inc()
}
