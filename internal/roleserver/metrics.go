package roleserver

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the role server's Prometheus collectors on an isolated
// registry, so profile server metrics never collide with anything a
// linked library registers on the process default registry.
type Metrics struct {
	Registry *prometheus.Registry

	ConnectionsAccepted *prometheus.CounterVec
	ConnectionsActive    *prometheus.GaugeVec
	ProtocolViolations   *prometheus.CounterVec
	MessagesHandled      *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance with every collector registered on
// a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		ConnectionsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "profileserver_connections_accepted_total",
			Help: "Accepted connections per role.",
		}, []string{"role"}),
		ConnectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "profileserver_connections_active",
			Help: "Currently open connections per role.",
		}, []string{"role"}),
		ProtocolViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "profileserver_protocol_violations_total",
			Help: "Connections closed due to a protocol violation, per role.",
		}, []string{"role"}),
		MessagesHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "profileserver_messages_handled_total",
			Help: "Messages handled per message type and status.",
		}, []string{"message_type", "status"}),
	}
	reg.MustRegister(m.ConnectionsAccepted, m.ConnectionsActive, m.ProtocolViolations, m.MessagesHandled)
	return m
}
