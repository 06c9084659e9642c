package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/macaw2000/taskforge/observability"
	"github.com/macaw2000/taskforge/persistence"
	"github.com/macaw2000/taskforge/queue"
	"github.com/macaw2000/taskforge/snapshot"
	"github.com/macaw2000/taskforge/taskerr"
	"github.com/macaw2000/taskforge/validation"
)

// Strategy names, in execution order.
const (
	StrategySnapshotRestore  = "snapshot_restore"
	StrategyStateRepair      = "state_repair"
	StrategyBackupRestore    = "backup_restore"
	StrategyFallbackCreation = "fallback_creation"
	StrategyEmergency        = "emergency_queue"
	StrategyCached           = "cached_queue"
)

// operationRecovery keys the recovery circuit per player.
const operationRecovery = "recovery"

// Defaults for the orchestrator.
const (
	recoverySnapshotCandidates = 5
	strategyTimeout            = 10 * time.Second
)

// BackupProvider supplies an opaque host-side backup blob, when the
// host keeps one.
type BackupProvider interface {
	ReadBackup(ctx context.Context, playerID string) ([]byte, error)
}

// Result describes how a recovery request was satisfied.
type Result struct {
	Strategy         string
	Degraded         bool
	TimeUntilRetryMS int64
}

// Orchestrator runs the ordered recovery strategies. It sits on top of
// the persistence stack and holds no back-references: persistence,
// validation and snapshots never call back into it.
type Orchestrator struct {
	queues    *persistence.Store
	snapshots *snapshot.Store
	validator *validation.Validator
	retry     *RetryController
	monitor   *Monitor
	backups   BackupProvider
	log       *logrus.Entry
	clock     func() int64

	mu     sync.RWMutex
	cached map[string]*queue.TaskQueue
}

// NewOrchestrator wires the recovery pipeline. backups may be nil.
func NewOrchestrator(queues *persistence.Store, snapshots *snapshot.Store, validator *validation.Validator,
	retry *RetryController, monitor *Monitor, backups BackupProvider, log *logrus.Entry) *Orchestrator {
	return &Orchestrator{
		queues:    queues,
		snapshots: snapshots,
		validator: validator,
		retry:     retry,
		monitor:   monitor,
		backups:   backups,
		log:       log,
		clock:     func() int64 { return time.Now().UnixMilli() },
		cached:    make(map[string]*queue.TaskQueue),
	}
}

// SetClock overrides the wall clock (tests).
func (o *Orchestrator) SetClock(clock func() int64) { o.clock = clock }

// RecordHealthy caches the last known-good queue per player. The
// scheduler feeds this after successful saves so minimal degradation
// can answer from cache.
func (o *Orchestrator) RecordHealthy(q *queue.TaskQueue) {
	o.mu.Lock()
	o.cached[q.PlayerID] = q.Clone()
	o.mu.Unlock()
}

// Recover restores a usable queue for the player. Strategies run in
// order — snapshot restore, state repair, backup restore, fallback
// creation — and the first success wins. An open circuit or severe
// degradation short-circuits with a degraded response.
func (o *Orchestrator) Recover(ctx context.Context, playerID string) (*queue.TaskQueue, Result, error) {
	breaker := o.retry.Breaker(playerID, operationRecovery)
	if ok, wait := breaker.Allow(); !ok {
		observability.RecoveryOutcomes.WithLabelValues("circuit", "rejected").Inc()
		return nil, Result{Degraded: true, TimeUntilRetryMS: wait.Milliseconds()},
			taskerr.New(taskerr.CodeResCircuitOpen, "recovery circuit open for "+playerID)
	}

	level := o.monitor.Level()
	if level == DegradationSevere {
		q := EmergencyQueue(playerID, o.clock())
		observability.RecoveryOutcomes.WithLabelValues(StrategyEmergency, "ok").Inc()
		return q, Result{Strategy: StrategyEmergency, Degraded: true}, nil
	}

	if level == DegradationMinimal {
		o.mu.RLock()
		cached := o.cached[playerID]
		o.mu.RUnlock()
		if cached != nil {
			observability.RecoveryOutcomes.WithLabelValues(StrategyCached, "ok").Inc()
			return cached.Clone(), Result{Strategy: StrategyCached, Degraded: true}, nil
		}
	}

	strategies := []struct {
		name string
		run  func(ctx context.Context, playerID string, level DegradationLevel) (*queue.TaskQueue, error)
	}{
		{StrategySnapshotRestore, o.snapshotRestore},
		{StrategyStateRepair, o.stateRepair},
		{StrategyBackupRestore, o.backupRestore},
		{StrategyFallbackCreation, o.fallbackCreation},
	}
	if level == DegradationModerate {
		// Shortest path: trust stored state, skip the snapshot walk.
		strategies = strategies[1:]
	}

	var lastErr error
	for _, strategy := range strategies {
		sub, cancel := context.WithTimeout(ctx, strategyTimeout)
		q, err := strategy.run(sub, playerID, level)
		cancel()
		if err == nil && q != nil {
			breaker.RecordSuccess()
			observability.RecoveryOutcomes.WithLabelValues(strategy.name, "ok").Inc()
			o.log.WithFields(logrus.Fields{
				"player_id": playerID,
				"strategy":  strategy.name,
			}).Info("recovery succeeded")
			return q, Result{Strategy: strategy.name, Degraded: level > DegradationNone}, nil
		}
		lastErr = err
		observability.RecoveryOutcomes.WithLabelValues(strategy.name, "failed").Inc()
		o.log.WithError(err).WithFields(logrus.Fields{
			"player_id": playerID,
			"strategy":  strategy.name,
		}).Warn("recovery strategy failed")
		if ctx.Err() != nil {
			break
		}
	}

	breaker.RecordFailure()
	return nil, Result{TimeUntilRetryMS: breaker.TimeUntilRetry().Milliseconds()},
		taskerr.Wrap(taskerr.CodeSysInternal, "all recovery strategies failed for "+playerID, lastErr)
}

// snapshotRestore walks the newest snapshots and restores the first
// one that validates (or repairs) cleanly.
func (o *Orchestrator) snapshotRestore(ctx context.Context, playerID string, level DegradationLevel) (*queue.TaskQueue, error) {
	snaps, err := o.snapshots.List(ctx, playerID, recoverySnapshotCandidates)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, taskerr.New(taskerr.CodePerSnapshotNotFound, "no snapshots for "+playerID)
	}

	var lastErr error
	for _, snap := range snaps {
		restored, err := o.snapshots.Restore(ctx, snap.ID, playerID)
		if err != nil {
			lastErr = err
			continue
		}
		if level >= DegradationModerate {
			return restored, nil
		}
		report := o.validator.Check(restored)
		if report.Valid() || report.CanRepair {
			return restored, nil
		}
		lastErr = taskerr.New(taskerr.CodePerUnrepairable, "restored snapshot "+snap.ID+" is unrepairable")
	}
	return nil, lastErr
}

// stateRepair loads the live queue and lets the load path's repair do
// the work. Load already persists the repaired state.
func (o *Orchestrator) stateRepair(ctx context.Context, playerID string, _ DegradationLevel) (*queue.TaskQueue, error) {
	return o.queues.Load(ctx, playerID)
}

// backupRestore decodes a host-provided backup blob, repairs it when
// needed, and persists it as the live queue.
func (o *Orchestrator) backupRestore(ctx context.Context, playerID string, _ DegradationLevel) (*queue.TaskQueue, error) {
	if o.backups == nil {
		return nil, taskerr.New(taskerr.CodePerNotFound, "no backup provider configured")
	}
	blob, err := o.backups.ReadBackup(ctx, playerID)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.CodePerNotFound, "read backup for "+playerID, err)
	}
	backup, err := queue.UnmarshalTaskQueue(blob)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.CodeSysCorruption, "decode backup for "+playerID, err)
	}
	if backup.PlayerID != playerID {
		return nil, taskerr.New(taskerr.CodeSecUnauthorized, "backup belongs to another player")
	}

	report := o.validator.Check(backup)
	if !report.Valid() {
		if !report.CanRepair {
			return nil, taskerr.New(taskerr.CodePerUnrepairable, "backup for "+playerID+" is unrepairable")
		}
		backup, _ = o.validator.Repair(backup, report)
	}

	restored := backup.Clone()
	restored.RecordEvent(queue.Event{Type: queue.EventRestored, TimestampMS: o.clock(), Detail: "backup"})
	if err := o.queues.Replace(ctx, restored); err != nil {
		return nil, err
	}
	return restored, nil
}

// fallbackCreation replaces the queue contents with a minimal valid
// queue at default configuration. The record itself survives; only its
// contents reset.
func (o *Orchestrator) fallbackCreation(ctx context.Context, playerID string, _ DegradationLevel) (*queue.TaskQueue, error) {
	fresh := queue.NewTaskQueue(playerID, o.clock())
	if err := o.queues.Replace(ctx, fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}
