package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for clusterkeeper.
// Using promauto for automatic registration with default registry.
var (
	// --- Election Metrics ---

	// ElectionOutcomes counts completed reelection passes by resulting role.
	ElectionOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clusterkeeper",
			Subsystem: "election",
			Name:      "outcomes_total",
			Help:      "Completed reelection passes by resulting role",
		},
		[]string{"role"},
	)

	// IsLeader is 1 while this process holds leadership.
	IsLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clusterkeeper",
			Subsystem: "election",
			Name:      "is_leader",
			Help:      "Whether this process is the current leader",
		},
	)

	// PredecessorRaces counts predecessors that vanished before their watch was armed.
	PredecessorRaces = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clusterkeeper",
			Subsystem: "election",
			Name:      "predecessor_races_total",
			Help:      "Predecessors removed between listing and watch arming",
		},
	)

	// ReelectionDuration tracks how long a reelection pass takes.
	ReelectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "clusterkeeper",
			Subsystem: "election",
			Name:      "reelection_duration_seconds",
			Help:      "Duration of reelection passes in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
	)

	// --- Registry Metrics ---

	// RegistryRefreshes counts membership refreshes by result.
	RegistryRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clusterkeeper",
			Subsystem: "registry",
			Name:      "refreshes_total",
			Help:      "Membership snapshot refreshes by result",
		},
		[]string{"result"},
	)

	// RegistryMembers tracks the size of the latest membership snapshot.
	RegistryMembers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clusterkeeper",
			Subsystem: "registry",
			Name:      "members",
			Help:      "Number of service instances in the latest snapshot",
		},
	)

	// VanishedMembers counts registry children that disappeared mid-refresh.
	VanishedMembers = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clusterkeeper",
			Subsystem: "registry",
			Name:      "vanished_members_total",
			Help:      "Registry children skipped because they vanished during refresh",
		},
	)

	// --- Coordination Metrics ---

	// WatchEvents counts watch notifications dispatched to components.
	WatchEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clusterkeeper",
			Subsystem: "coordination",
			Name:      "watch_events_total",
			Help:      "Watch notifications dispatched by component and type",
		},
		[]string{"component", "type"},
	)

	// AsyncErrors counts errors raised inside watch handlers.
	AsyncErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clusterkeeper",
			Subsystem: "coordination",
			Name:      "async_errors_total",
			Help:      "Errors raised while handling watch notifications",
		},
		[]string{"component"},
	)

	// StoreOperationDuration tracks coordination store round-trips.
	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clusterkeeper",
			Subsystem: "coordination",
			Name:      "operation_duration_seconds",
			Help:      "Coordination store operation latency in seconds",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"operation", "result"},
	)

	// StoreRetries counts retried coordination store operations.
	StoreRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clusterkeeper",
			Subsystem: "coordination",
			Name:      "retries_total",
			Help:      "Coordination store operations retried after connection loss",
		},
		[]string{"operation"},
	)

	// CircuitState exposes the circuit breaker state (0 closed, 1 open, 2 half-open).
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "clusterkeeper",
			Subsystem: "coordination",
			Name:      "circuit_state",
			Help:      "Circuit breaker state: 0 closed, 1 open, 2 half-open",
		},
		[]string{"name"},
	)
)

// RecordElection records the role a reelection pass settled on.
func RecordElection(leader bool, durationSeconds float64) {
	role := "follower"
	if leader {
		role = "leader"
		IsLeader.Set(1)
	} else {
		IsLeader.Set(0)
	}
	ElectionOutcomes.WithLabelValues(role).Inc()
	ReelectionDuration.Observe(durationSeconds)
}

// RecordRefresh records a finished registry refresh.
func RecordRefresh(members int, err error) {
	if err != nil {
		RegistryRefreshes.WithLabelValues("error").Inc()
		return
	}
	RegistryRefreshes.WithLabelValues("ok").Inc()
	RegistryMembers.Set(float64(members))
}

// RecordStoreOperation records the latency and result of a store call.
func RecordStoreOperation(operation string, err error, durationSeconds float64) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	StoreOperationDuration.WithLabelValues(operation, result).Observe(durationSeconds)
}
