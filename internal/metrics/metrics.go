// Package metrics exposes the Prometheus collectors for the WAL,
// replication, and pool subsystems, wired the same way cuemby-warren wires
// its own package-level collectors registered from an init().
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// WALQuarantineTotal counts volumes renamed aside after corruption
	// (spec.md §4.4/§7: "a metric counter is incremented").
	WALQuarantineTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xapiand_wal_quarantine_total",
			Help: "Total number of WAL volumes quarantined due to corruption",
		},
		[]string{"reason"},
	)

	WALWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xapiand_wal_writes_total",
			Help: "Total number of WAL records written",
		},
		[]string{"op"},
	)

	WALRotationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "xapiand_wal_rotations_total",
			Help: "Total number of WAL volume rotations",
		},
	)

	ReplicationSessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xapiand_replication_sessions_total",
			Help: "Total number of replication sessions by role and outcome",
		},
		[]string{"role", "outcome"},
	)

	ReplicationSnapshotAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "xapiand_replication_snapshot_attempts_total",
			Help: "Total number of snapshot-mode attempts made by leaders",
		},
	)

	PoolEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "xapiand_pool_evictions_total",
			Help: "Total number of shard endpoints evicted from the pool LRU",
		},
	)

	PoolCheckoutTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xapiand_pool_checkout_timeouts_total",
			Help: "Total number of checkouts that failed with NotAvailable",
		},
		[]string{"role"},
	)

	PoolOpenEndpoints = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xapiand_pool_open_endpoints",
			Help: "Number of shard endpoints currently held by the pool LRU",
		},
	)
)

func init() {
	prometheus.MustRegister(WALQuarantineTotal)
	prometheus.MustRegister(WALWritesTotal)
	prometheus.MustRegister(WALRotationsTotal)
	prometheus.MustRegister(ReplicationSessionsTotal)
	prometheus.MustRegister(ReplicationSnapshotAttempts)
	prometheus.MustRegister(PoolEvictionsTotal)
	prometheus.MustRegister(PoolCheckoutTimeoutsTotal)
	prometheus.MustRegister(PoolOpenEndpoints)
}
