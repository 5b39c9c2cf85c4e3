// Package swarmmetrics exposes the Prometheus instrumentation shared by all
// substrate components: promauto-registered vectors with a component-scoped
// name prefix.
package swarmmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RegistrySize tracks the number of known swarms by status.
	RegistrySize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "swarm_registry_size",
		Help: "Current number of registered swarms by status",
	}, []string{"status"})

	// HeartbeatFailures counts failed heartbeat attempts per swarm.
	HeartbeatFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarm_heartbeat_failures_total",
		Help: "Total number of failed heartbeat attempts",
	}, []string{"swarm_id"})

	// InterruptedSweeps tracks swarms transitioned to interrupted by a sweep.
	InterruptedSweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarm_interrupted_sweeps_total",
		Help: "Total number of swarms marked interrupted by the leader's liveness sweep",
	}, []string{"reason"})

	// MessagesPublished tracks envelopes published by channel kind.
	MessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarm_messages_published_total",
		Help: "Total number of envelopes published",
	}, []string{"channel_kind"})

	// MessagesDropped tracks envelopes dropped (loopback, decode error).
	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarm_messages_dropped_total",
		Help: "Total number of envelopes dropped before handler dispatch",
	}, []string{"reason"})

	// RequestLatency tracks request/response round-trip latency.
	RequestLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "swarm_request_latency_seconds",
		Help:    "Round-trip latency of request/response calls",
		Buckets: prometheus.DefBuckets,
	})

	// RequestTimeouts tracks requests that hit their deadline unanswered.
	RequestTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swarm_request_timeouts_total",
		Help: "Total number of request/response calls that timed out",
	})

	// LeaderStatus is 1 when this process currently holds the lease.
	LeaderStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swarm_leader_status",
		Help: "Current leader status of this process (1 = leader, 0 = follower)",
	})

	// LeadershipTransitions tracks acquisitions and losses of leadership.
	LeadershipTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarm_leader_transitions_total",
		Help: "Total number of leadership transitions",
	}, []string{"swarm_id", "event"})

	// LeaderEpoch tracks the current fencing epoch held by this process.
	LeaderEpoch = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "swarm_leader_epoch",
		Help: "Current fencing epoch while leader",
	}, []string{"swarm_id"})

	// DispatchQueueDepth tracks the task queue length.
	DispatchQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swarm_dispatch_queue_depth",
		Help: "Current number of tasks waiting in the dispatch queue",
	})

	// DispatchDecisions tracks dispatcher admission/selection decisions.
	DispatchDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarm_dispatch_decisions_total",
		Help: "Total number of dispatcher decisions made",
	}, []string{"decision", "reason"})

	// DispatchCircuitState tracks the dispatcher's circuit breaker state.
	DispatchCircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "swarm_dispatch_circuit_state",
		Help: "Dispatcher circuit breaker state: 1 on the label of the current state (closed, half_open or open)",
	}, []string{"state"})

	// DeadLettered tracks tasks moved to the dead-letter list.
	DeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swarm_tasks_dead_lettered_total",
		Help: "Total number of tasks moved to the dead-letter list after exhausting attempts",
	})

	// ResourcePoolAvailable tracks remaining capacity per resource type.
	ResourcePoolAvailable = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "swarm_resource_pool_available",
		Help: "Remaining available capacity in a resource pool",
	}, []string{"resource_type"})

	// ResourceAllocationFailures tracks rejected allocation attempts.
	ResourceAllocationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarm_resource_allocation_failures_total",
		Help: "Total number of rejected resource allocation attempts",
	}, []string{"resource_type", "reason"})

	// ConflictsResolved tracks conflict resolutions by strategy.
	ConflictsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarm_conflicts_resolved_total",
		Help: "Total number of conflicts resolved",
	}, []string{"strategy"})

	// SnapshotBytes tracks compressed snapshot size.
	SnapshotBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "swarm_snapshot_bytes",
		Help:    "Size in bytes of compressed state snapshots",
		Buckets: prometheus.ExponentialBuckets(256, 2, 12),
	})

	// RedisLatency tracks Redis round-trip latency across all components.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "swarm_redis_roundtrip_latency_seconds",
		Help:    "Redis operation latency observed across the substrate",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	})
)
