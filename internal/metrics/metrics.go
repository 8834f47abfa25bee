// Package metrics holds the relay's prometheus collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "scribesync"

// Metrics aggregates the collectors updated by rooms and the gateway.
type Metrics struct {
	RoomsActive     prometheus.Gauge
	PeersConnected  prometheus.Gauge
	MessagesRelayed *prometheus.CounterVec
	PeersRejected   *prometheus.CounterVec
}

// New builds the collectors and registers them with reg. A nil reg skips
// registration, which tests use to get working but unexported collectors.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RoomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms_active",
			Help:      "Rooms currently holding at least one peer.",
		}),
		PeersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_connected",
			Help:      "Peers currently connected across all rooms.",
		}),
		MessagesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_relayed_total",
			Help:      "Signaling messages relayed between peers.",
		}, []string{"type"}),
		PeersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_rejected_total",
			Help:      "Connections rejected before joining a room.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.RoomsActive, m.PeersConnected, m.MessagesRelayed, m.PeersRejected)
	}
	return m
}
