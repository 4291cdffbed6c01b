package app

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes the engine's operational counters on a private
// registry so tests can build services side by side without duplicate
// registration panics.
type Metrics struct {
	registry         *prometheus.Registry
	ConnectedClients prometheus.Gauge
	MessagesRelayed  *prometheus.CounterVec
	SessionsSwept    prometheus.Counter
}

func newMetrics(activeSessions func() float64) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "copad_connected_clients",
			Help: "Currently connected websocket clients.",
		}),
		MessagesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "copad_messages_relayed_total",
			Help: "Messages relayed to session participants, by type.",
		}, []string{"type"}),
		SessionsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "copad_sessions_swept_total",
			Help: "Idle sessions removed by the cleanup sweep.",
		}),
	}

	reg.MustRegister(
		m.ConnectedClients,
		m.MessagesRelayed,
		m.SessionsSwept,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "copad_active_sessions",
			Help: "Live collaboration sessions.",
		}, activeSessions),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
