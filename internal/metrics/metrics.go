// Package metrics defines Prometheus metrics for all three processes.
// Collectors are registered upfront so that every package can use them
// without modifying this file.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsActive tracks the number of active relay sessions per protocol.
	SessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wakegate_sessions_active",
		Help: "Number of active relay sessions per protocol",
	}, []string{"protocol"})

	// SessionsTotal counts finished relay sessions by outcome.
	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wakegate_sessions_total",
		Help: "Total relay sessions by outcome",
	}, []string{"protocol", "outcome"})

	// BytesRelayed counts relayed bytes per direction.
	BytesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wakegate_bytes_relayed_total",
		Help: "Total bytes relayed between clients and targets",
	}, []string{"direction"})

	// WakeSignals counts outbound wake webhook POSTs by status.
	WakeSignals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wakegate_wake_signals_total",
		Help: "Total wake webhook signals sent by the proxy",
	}, []string{"status"})

	// HoldDuration tracks how long sessions spend in the hold window.
	HoldDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wakegate_hold_duration_seconds",
		Help:    "Time sessions spend holding for target reachability",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	}, []string{"protocol"})

	// OrchestratorOps counts container orchestrator operations by status.
	OrchestratorOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wakegate_orchestrator_operations_total",
		Help: "Total container orchestrator operations",
	}, []string{"operation", "status"})

	// PortsAllocated tracks public ports currently reserved on the node.
	PortsAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wakegate_ports_allocated",
		Help: "Public ports currently reserved by the allocator",
	})

	// SweepDuration tracks lifecycle sweep durations per pass.
	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wakegate_lifecycle_sweep_seconds",
		Help:    "Duration of lifecycle controller sweeps",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
	}, []string{"sweep"})

	// Hibernations counts servers hibernated by the controller by reason.
	Hibernations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wakegate_hibernations_total",
		Help: "Total servers hibernated by the lifecycle controller",
	}, []string{"reason"})

	// Charges counts billing debits applied.
	Charges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wakegate_charges_total",
		Help: "Total billing charges applied",
	})

	// WakeRequests counts webhook wake requests by result.
	WakeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wakegate_wake_requests_total",
		Help: "Total webhook wake requests by result",
	}, []string{"result"})

	// AgentRequests counts node agent HTTP requests by endpoint and code.
	AgentRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wakegate_agent_requests_total",
		Help: "Total node agent HTTP requests",
	}, []string{"endpoint", "code"})

	// RedisOperations counts Redis operations by the wake coordinator.
	RedisOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wakegate_redis_operations_total",
		Help: "Total Redis operations",
	}, []string{"operation", "status"})
)
