// Package metrics centralizes the Prometheus collectors shared across the
// connection node and endpoint node, grounded on the teacher's metrics.go
// registration style (one package-level var block of counters/gauges/
// histograms, registered once at startup).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "autopush_connections_total",
		Help: "Total number of WebSocket connections accepted.",
	})
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "autopush_connections_active",
		Help: "Current number of live WebSocket sessions.",
	})
	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autopush_connections_rejected_total",
		Help: "Connections rejected before WebSocket upgrade, by reason.",
	}, []string{"reason"})

	Ghosted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "autopush_ghosted_sessions_total",
		Help: "Sessions disconnected because a newer session for the same UAID took over.",
	})

	SessionCloses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autopush_session_closes_total",
		Help: "Session terminations by close kind.",
	}, []string{"kind"})

	ClientCommands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autopush_client_commands_total",
		Help: "Client WebSocket commands processed, by message type.",
	}, []string{"message_type"})

	NotificationsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autopush_notifications_delivered_total",
		Help: "Notifications by source: Direct or Stored from the endpoint delivery pipeline, stored when a connection node sends them from storage.",
	}, []string{"source"})

	NotificationsStored = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "autopush_notifications_stored_total",
		Help: "Notifications persisted to the message store.",
	})
	NotificationsAcked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "autopush_notifications_acked_total",
		Help: "Notifications acknowledged and removed from the store.",
	})
	NotificationsExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "autopush_notifications_expired_total",
		Help: "Notifications dropped at delivery because TTL had already elapsed.",
	})

	HandoffAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autopush_handoff_attempts_total",
		Help: "Intra-cluster PUT attempts from the endpoint node to a connection node, by route and result.",
	}, []string{"route", "result"})

	BroadcastDeltaSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "autopush_broadcast_delta_size",
		Help:    "Number of broadcast ids included in a computed delta.",
		Buckets: []float64{0, 1, 2, 5, 10, 25, 50},
	})
	MegaphonePollErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "autopush_megaphone_poll_errors_total",
		Help: "Failed polls of the megaphone broadcast service.",
	})

	PingsSent   = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopush_pings_sent_total", Help: "WebSocket pings sent."})
	PongTimeouts = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopush_pong_timeouts_total", Help: "Sessions closed for failing to Pong in time."})

	NacksReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "autopush_nacks_received_total",
		Help: "Nack messages received from clients.",
	})

	StoreOpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "autopush_store_op_duration_seconds",
		Help:    "Message store operation latency, by operation.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
	StoreOpErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autopush_store_op_errors_total",
		Help: "Message store operation failures, by operation.",
	}, []string{"op"})
)

// Register adds all collectors to the default Prometheus registry. Safe to
// call once at process startup in each cmd/ main.
func Register() {
	prometheus.MustRegister(
		ConnectionsTotal, ConnectionsActive, ConnectionsRejected,
		Ghosted, SessionCloses, ClientCommands,
		NotificationsDelivered, NotificationsStored, NotificationsAcked, NotificationsExpired,
		HandoffAttempts, BroadcastDeltaSize, MegaphonePollErrors,
		PingsSent, PongTimeouts, NacksReceived,
		StoreOpDuration, StoreOpErrors,
	)
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
