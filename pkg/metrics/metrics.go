// Package metrics exposes prometheus collectors for the delivery path.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "notify_ws_connections",
		Help: "Live authenticated websocket connections on this instance.",
	})

	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "notify_online_users",
		Help: "Users with at least one live connection on this instance.",
	})

	HandshakeRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notify_handshake_rejected_total",
		Help: "Connection attempts rejected by token verification.",
	})

	Dispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_notifications_dispatched_total",
		Help: "Notifications persisted and dispatched, by type and mode.",
	}, []string{"type", "mode"})

	Pushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_push_total",
		Help: "Per-connection push attempts, by result.",
	}, []string{"result"})

	StoreErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_store_errors_total",
		Help: "Notification store failures, by operation.",
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(Connections, OnlineUsers, HandshakeRejected, Dispatched, Pushes, StoreErrors)
}

// Handler returns an http.Handler for Prometheus scraping
func Handler() http.Handler {
	return promhttp.Handler()
}
