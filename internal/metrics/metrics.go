// Package metrics provides Prometheus metrics for pools and the pool manager.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the process-wide registry served on /metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler serves the metrics in Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// PoolMetrics holds all Prometheus metrics of one pool.
type PoolMetrics struct {
	// Space (gauges set by the Collector)
	SpaceTotal        prometheus.Gauge
	SpaceUsed         prometheus.Gauge
	SpaceFree         prometheus.Gauge
	SpacePending      prometheus.Gauge
	AllocationWaiters prometheus.Gauge
	Allocations       *prometheus.CounterVec // labels: outcome

	// Repository
	Replicas           *prometheus.GaugeVec   // labels: state
	Transitions        *prometheus.CounterVec // labels: to
	InvalidTransitions prometheus.Counter
	DroppedEvents      prometheus.Counter
	Evictions          prometheus.Counter
	EvictedBytes       prometheus.Counter
	Reclaimed          prometheus.Counter

	// Mode and cost
	Mode            prometheus.Gauge
	SpaceCost       prometheus.Gauge
	PerformanceCost prometheus.Gauge

	// Operations
	Operations *prometheus.CounterVec // labels: operation, result
	Movers     *prometheus.GaugeVec   // labels: queue

	// Pool-to-pool transfers served by this pool
	P2PTransfers *prometheus.CounterVec // labels: result
	P2PBytes     prometheus.Counter

	// Migration
	MigrationJobs    *prometheus.GaugeVec   // labels: state
	MigrationEntries *prometheus.CounterVec // labels: outcome
	MigrationBytes   prometheus.Counter
}

// NewPoolMetrics registers the metrics of pool with reg.
func NewPoolMetrics(reg prometheus.Registerer, pool string) *PoolMetrics {
	if reg == nil {
		reg = Registry
	}
	f := promauto.With(reg)
	constLabels := prometheus.Labels{"pool": pool}

	return &PoolMetrics{
		SpaceTotal: f.NewGauge(prometheus.GaugeOpts{
			Name:        "diskpool_space_total_bytes",
			Help:        "Configured pool capacity",
			ConstLabels: constLabels,
		}),
		SpaceUsed: f.NewGauge(prometheus.GaugeOpts{
			Name:        "diskpool_space_used_bytes",
			Help:        "Allocated pool space",
			ConstLabels: constLabels,
		}),
		SpaceFree: f.NewGauge(prometheus.GaugeOpts{
			Name:        "diskpool_space_free_bytes",
			Help:        "Unallocated pool space",
			ConstLabels: constLabels,
		}),
		SpacePending: f.NewGauge(prometheus.GaugeOpts{
			Name:        "diskpool_space_pending_bytes",
			Help:        "Bytes requested by queued allocations",
			ConstLabels: constLabels,
		}),
		AllocationWaiters: f.NewGauge(prometheus.GaugeOpts{
			Name:        "diskpool_allocation_waiters",
			Help:        "Number of queued space allocations",
			ConstLabels: constLabels,
		}),
		Allocations: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "diskpool_allocations_total",
			Help:        "Space allocations by outcome",
			ConstLabels: constLabels,
		}, []string{"outcome"}),

		Replicas: f.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "diskpool_replicas",
			Help:        "Replicas by state",
			ConstLabels: constLabels,
		}, []string{"state"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "diskpool_replica_transitions_total",
			Help:        "Replica state transitions by target state",
			ConstLabels: constLabels,
		}, []string{"to"}),
		InvalidTransitions: f.NewCounter(prometheus.CounterOpts{
			Name:        "diskpool_replica_invalid_transitions_total",
			Help:        "Rejected replica state transitions",
			ConstLabels: constLabels,
		}),
		DroppedEvents: f.NewCounter(prometheus.CounterOpts{
			Name:        "diskpool_repository_events_dropped_total",
			Help:        "Repository events dropped because a subscriber was full",
			ConstLabels: constLabels,
		}),
		Evictions: f.NewCounter(prometheus.CounterOpts{
			Name:        "diskpool_evictions_total",
			Help:        "Cached replicas evicted to make room",
			ConstLabels: constLabels,
		}),
		EvictedBytes: f.NewCounter(prometheus.CounterOpts{
			Name:        "diskpool_evicted_bytes_total",
			Help:        "Bytes of evicted replicas",
			ConstLabels: constLabels,
		}),
		Reclaimed: f.NewCounter(prometheus.CounterOpts{
			Name:        "diskpool_reclaimed_total",
			Help:        "Removed replicas whose space was reclaimed",
			ConstLabels: constLabels,
		}),

		Mode: f.NewGauge(prometheus.GaugeOpts{
			Name:        "diskpool_mode",
			Help:        "Pool mode bitmask (0 = enabled)",
			ConstLabels: constLabels,
		}),
		SpaceCost: f.NewGauge(prometheus.GaugeOpts{
			Name:        "diskpool_space_cost",
			Help:        "Published space cost",
			ConstLabels: constLabels,
		}),
		PerformanceCost: f.NewGauge(prometheus.GaugeOpts{
			Name:        "diskpool_performance_cost",
			Help:        "Published performance cost",
			ConstLabels: constLabels,
		}),

		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "diskpool_operations_total",
			Help:        "Client operations by type and result",
			ConstLabels: constLabels,
		}, []string{"operation", "result"}),
		Movers: f.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "diskpool_movers_active",
			Help:        "Active movers by queue",
			ConstLabels: constLabels,
		}, []string{"queue"}),

		P2PTransfers: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "diskpool_p2p_transfers_total",
			Help:        "Incoming pool-to-pool transfers by result",
			ConstLabels: constLabels,
		}, []string{"result"}),
		P2PBytes: f.NewCounter(prometheus.CounterOpts{
			Name:        "diskpool_p2p_received_bytes_total",
			Help:        "Bytes received through pool-to-pool transfers",
			ConstLabels: constLabels,
		}),

		MigrationJobs: f.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "diskpool_migration_jobs",
			Help:        "Migration jobs by state",
			ConstLabels: constLabels,
		}, []string{"state"}),
		MigrationEntries: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "diskpool_migration_entries_total",
			Help:        "Migration entries by outcome",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		MigrationBytes: f.NewCounter(prometheus.CounterOpts{
			Name:        "diskpool_migration_bytes_total",
			Help:        "Bytes copied by migration jobs",
			ConstLabels: constLabels,
		}),
	}
}

// ManagerMetrics holds the metrics of the pool manager.
type ManagerMetrics struct {
	KnownPools  prometheus.Gauge
	CostUpdates prometheus.Counter
	Selections  *prometheus.CounterVec // labels: operation, result
}

// NewManagerMetrics registers the pool manager metrics with reg.
func NewManagerMetrics(reg prometheus.Registerer) *ManagerMetrics {
	if reg == nil {
		reg = Registry
	}
	f := promauto.With(reg)
	return &ManagerMetrics{
		KnownPools: f.NewGauge(prometheus.GaugeOpts{
			Name: "diskpool_manager_known_pools",
			Help: "Pools with a cost snapshot",
		}),
		CostUpdates: f.NewCounter(prometheus.CounterOpts{
			Name: "diskpool_manager_cost_updates_total",
			Help: "Cost snapshots received",
		}),
		Selections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "diskpool_manager_selections_total",
			Help: "Pool selections by operation and result",
		}, []string{"operation", "result"}),
	}
}
