// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// NodeStatus is 1 for the node's current connection status, 0 otherwise.
	NodeStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "devicefarm_oob_node_status",
		Help: "Connection status per node (1 for the active status)",
	}, []string{"node", "status"})

	// RuleEvaluations counts evaluations by level and recommended action.
	RuleEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devicefarm_oob_rule_evaluations_total",
		Help: "Rule engine evaluations by failure level and action",
	}, []string{"level", "action"})

	// EscalationBlocked counts box resets held back by an unreachable box.
	EscalationBlocked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devicefarm_oob_escalation_blocked_total",
		Help: "Evaluations where box_reset was due but the box was unreachable",
	}, []string{"node"})

	// RecoveryAttempts counts dispatched recoveries by mode and final status.
	RecoveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devicefarm_oob_recovery_attempts_total",
		Help: "Recovery attempts by mode and status",
	}, []string{"mode", "status"})

	// RecoveryDuration tracks how long recovery commands take.
	RecoveryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "devicefarm_oob_recovery_duration_seconds",
		Help:    "Recovery execution time",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s to ~1min
	}, []string{"mode"})

	// BoxCommands counts raw power box commands by outcome.
	BoxCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devicefarm_box_commands_total",
		Help: "Power box TCP commands by outcome",
	}, []string{"outcome"})

	// DeviceTasks counts per-device batch task results.
	DeviceTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devicefarm_batch_device_tasks_total",
		Help: "Per-device batch task results by status",
	}, []string{"status"})

	// BatchDuration tracks wall time of one batch.
	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "devicefarm_batch_duration_seconds",
		Help:    "Duration of one device batch",
		Buckets: prometheus.ExponentialBuckets(5, 2, 10), // 5s to ~43min
	})

	// BatchInflight is the number of device tasks currently running.
	BatchInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "devicefarm_batch_inflight_tasks",
		Help: "Device tasks currently holding a concurrency slot",
	})

	// WorkloadCycles counts finished workload cycles.
	WorkloadCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devicefarm_workload_cycles_total",
		Help: "Workload cycles recorded by final status",
	}, []string{"status"})

	// DevicesByStatus is refreshed by the registry sweeper.
	DevicesByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "devicefarm_registry_devices",
		Help: "Registered devices by status",
	}, []string{"status"})

	// StaleDevicesMarked counts devices flipped offline by the sweeper.
	StaleDevicesMarked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "devicefarm_registry_stale_marked_total",
		Help: "Devices marked offline after missing heartbeats",
	})
)

var nodeStatuses = []string{"unknown", "connected", "degraded", "disconnected"}

// SetNodeStatus flips the per-status gauges for node so exactly one is 1.
func SetNodeStatus(node, status string) {
	for _, s := range nodeStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		NodeStatus.WithLabelValues(node, s).Set(v)
	}
}
