// Package observability exposes the engine's prometheus metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SaveAttempts counts conditional saves by outcome.
	SaveAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_save_attempts_total",
		Help: "Conditional queue saves by outcome (ok, conflict, error)",
	}, []string{"outcome"})

	// SaveDuration tracks the latency of the atomic save loop.
	SaveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskforge_save_duration_seconds",
		Help:    "Duration of the atomic save loop including retries",
		Buckets: prometheus.DefBuckets,
	})

	// QueueDepth tracks the total queued task count across the queues
	// processed in the last scheduler tick.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskforge_queue_depth",
		Help: "Total queued tasks across processed queues",
	})

	// TasksCompleted counts finished tasks by activity type.
	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_tasks_completed_total",
		Help: "Tasks completed by activity type",
	}, []string{"type"})

	// TaskFailures counts task execution failures by activity type.
	TaskFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_task_failures_total",
		Help: "Task execution failures by activity type",
	}, []string{"type"})

	// SchedulerLoopDuration tracks the duration of one scheduler tick.
	SchedulerLoopDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskforge_scheduler_loop_duration_seconds",
		Help:    "Duration of one scheduler processing tick",
		Buckets: prometheus.DefBuckets,
	})

	// ValidationIssues counts integrity findings by code and severity.
	ValidationIssues = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_validation_issues_total",
		Help: "Integrity validation findings by code and severity",
	}, []string{"code", "severity"})

	// RepairActions counts repair actions applied by kind.
	RepairActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_repair_actions_total",
		Help: "Repair actions applied by kind",
	}, []string{"action"})

	// RecoveryOutcomes counts recovery attempts by strategy and result.
	RecoveryOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_recovery_outcomes_total",
		Help: "Recovery attempts by strategy and result",
	}, []string{"strategy", "result"})

	// CircuitState tracks circuit breaker state per operation type
	// (0=closed, 1=half-open, 2=open).
	CircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskforge_circuit_state",
		Help: "Circuit breaker state per operation (0=closed, 1=half_open, 2=open)",
	}, []string{"operation"})

	// DegradationLevel tracks the resource monitor level
	// (0=none, 1=minimal, 2=moderate, 3=severe).
	DegradationLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskforge_degradation_level",
		Help: "Resource monitor degradation level (0=none, 1=minimal, 2=moderate, 3=severe)",
	})

	// SnapshotsWritten counts snapshot writes by reason.
	SnapshotsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskforge_snapshots_written_total",
		Help: "Snapshots written by reason",
	}, []string{"reason"})

	// OfflineMinutesReconciled tracks the minutes awarded by each reward
	// accrual, from live ticks and offline reconciliation alike.
	OfflineMinutesReconciled = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskforge_offline_minutes_reconciled",
		Help:    "Elapsed minutes awarded per reward accrual (live or offline)",
		Buckets: []float64{1, 5, 15, 60, 240, 720, 1440},
	})
)
