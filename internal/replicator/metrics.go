package replicator

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the replicator's Prometheus collectors on an isolated
// registry, matching the roleserver's metrics isolation.
type Metrics struct {
	Registry *prometheus.Registry

	LOCConnected  prometheus.Gauge
	LOCReconnects prometheus.Counter

	NeighborsTracked    prometheus.Counter
	FollowersRegistered prometheus.Counter
	FollowersRemoved    prometheus.Counter

	SnapshotChunksSent     prometheus.Counter
	SnapshotChunksReceived prometheus.Counter

	ActionsEnqueued  prometheus.Counter
	ActionsDelivered prometheus.Counter
	ActionsFailed    prometheus.Counter
	ActionsApplied   *prometheus.CounterVec

	DrainersActive prometheus.Gauge
}

// NewMetrics creates a Metrics instance with every collector registered on
// a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		LOCConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profileserver_loc_connected",
			Help: "1 while the LOC session is established.",
		}),
		LOCReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "profileserver_loc_reconnects_total",
			Help: "LOC sessions that ended and were redialed.",
		}),
		NeighborsTracked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "profileserver_neighbors_tracked_total",
			Help: "Neighbor add notifications processed.",
		}),
		FollowersRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "profileserver_followers_registered_total",
			Help: "Followers registered via the sharing handshake.",
		}),
		FollowersRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "profileserver_followers_removed_total",
			Help: "Followers removed after staying unhealthy past retention.",
		}),
		SnapshotChunksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "profileserver_snapshot_chunks_sent_total",
			Help: "Snapshot chunks pushed to new followers.",
		}),
		SnapshotChunksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "profileserver_snapshot_chunks_received_total",
			Help: "Snapshot chunks applied from sharing neighbors.",
		}),
		ActionsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "profileserver_actions_enqueued_total",
			Help: "NeighborhoodAction rows enqueued across all followers.",
		}),
		ActionsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "profileserver_actions_delivered_total",
			Help: "Actions delivered and acknowledged.",
		}),
		ActionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "profileserver_actions_failed_total",
			Help: "Action delivery attempts that failed.",
		}),
		ActionsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "profileserver_actions_applied_total",
			Help: "Incoming actions applied, per kind.",
		}, []string{"kind"}),
		DrainersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profileserver_drainers_active",
			Help: "Drainer goroutines currently running.",
		}),
	}
	reg.MustRegister(
		m.LOCConnected, m.LOCReconnects,
		m.NeighborsTracked, m.FollowersRegistered, m.FollowersRemoved,
		m.SnapshotChunksSent, m.SnapshotChunksReceived,
		m.ActionsEnqueued, m.ActionsDelivered, m.ActionsFailed, m.ActionsApplied,
		m.DrainersActive,
	)
	return m
}
