// Package engine wires the components into one root value. The
// process holds a single Engine; every dependency is injected at
// construction and the dependency graph is strictly layered:
// store → validation → persistence → snapshot/migration → manager →
// scheduler, with recovery orchestrating from outside.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/macaw2000/taskforge/manager"
	"github.com/macaw2000/taskforge/migration"
	"github.com/macaw2000/taskforge/persistence"
	"github.com/macaw2000/taskforge/queue"
	"github.com/macaw2000/taskforge/recovery"
	"github.com/macaw2000/taskforge/rewards"
	"github.com/macaw2000/taskforge/scheduler"
	"github.com/macaw2000/taskforge/snapshot"
	"github.com/macaw2000/taskforge/store"
	"github.com/macaw2000/taskforge/validation"
)

// Config tunes the engine's maintenance cadences and resource budgets.
type Config struct {
	Scheduler scheduler.Config

	SnapshotInterval       time.Duration
	IntegrityCheckInterval time.Duration
	PersistenceInterval    time.Duration

	MemoryBudgetBytes uint64
	GoroutineBudget   int
}

// DefaultConfig mirrors the per-queue option defaults at engine scope.
func DefaultConfig() Config {
	return Config{
		Scheduler:              scheduler.DefaultConfig(),
		SnapshotInterval:       5 * time.Minute,
		IntegrityCheckInterval: 5 * time.Minute,
		PersistenceInterval:    30 * time.Second,
	}
}

// Engine owns every component.
type Engine struct {
	KV         store.KV
	Validator  *validation.Validator
	Queues     *persistence.Store
	Snapshots  *snapshot.Store
	Migrations *migration.Registry
	Runner     *migration.Runner
	Manager    *manager.Manager
	Retry      *recovery.RetryController
	Monitor    *recovery.Monitor
	Recovery   *recovery.Orchestrator
	Scheduler  *scheduler.Scheduler

	log *logrus.Entry
	cfg Config
}

// New wires an Engine over the given backend. backups may be nil.
func New(kv store.KV, calc rewards.Calculator, statsFor scheduler.StatsProvider,
	backups recovery.BackupProvider, cfg Config, log *logrus.Entry) *Engine {
	validator := validation.New(nil)
	queues := persistence.New(kv, validator, log.WithField("component", "persistence"))
	snapshots := snapshot.New(kv, queues, log.WithField("component", "snapshot"), 0)
	registry := migration.NewRegistry()
	runner := migration.NewRunner(kv, queues, snapshots, registry, log.WithField("component", "migration"))
	mgr := manager.New(queues, validator, log.WithField("component", "manager"))
	retry := recovery.NewRetryController(log.WithField("component", "retry"))
	monitor := recovery.NewMonitor(cfg.MemoryBudgetBytes, cfg.GoroutineBudget, log.WithField("component", "monitor"))
	orchestrator := recovery.NewOrchestrator(queues, snapshots, validator, retry, monitor, backups,
		log.WithField("component", "recovery"))
	sched := scheduler.New(queues, mgr, calc, statsFor, retry, monitor, orchestrator,
		cfg.Scheduler, log.WithField("component", "scheduler"))

	mgr.SetOverloadCheck(monitor.Overloaded)

	e := &Engine{
		KV:         kv,
		Validator:  validator,
		Queues:     queues,
		Snapshots:  snapshots,
		Migrations: registry,
		Runner:     runner,
		Manager:    mgr,
		Retry:      retry,
		Monitor:    monitor,
		Recovery:   orchestrator,
		Scheduler:  sched,
		log:        log.WithField("component", "engine"),
		cfg:        cfg,
	}
	monitor.OnChange(e.onDegradationChange)
	return e
}

// Run starts the scheduler, the resource monitor and the maintenance
// loops, blocking until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	start := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	start(e.Monitor.Run)
	start(e.Scheduler.Run)
	start(e.snapshotLoop)
	start(e.integrityLoop)
	start(e.persistenceLoop)

	<-ctx.Done()
	wg.Wait()
	e.log.Info("engine stopped")
}

// onDegradationChange applies the backpressure policy: load shedding
// is handled by the monitor's maintenance limiter and the manager's
// overload check; here the engine stretches the statistics cache and
// auto-resumes queues once pressure clears.
func (e *Engine) onDegradationChange(level recovery.DegradationLevel) {
	switch level {
	case recovery.DegradationNone:
		e.Manager.SetStatsTTL(60 * time.Second)
		go e.resumeOverloadPaused(context.Background())
	case recovery.DegradationSevere:
		e.Manager.SetStatsTTL(5 * time.Minute)
	}
}

// resumeOverloadPaused force-resumes queues the system paused for
// overload, for players who opted into resume_on_resource_available.
func (e *Engine) resumeOverloadPaused(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	queues, err := e.Queues.FindQueues(ctx, false, 0)
	if err != nil {
		e.log.WithError(err).Warn("auto-resume scan failed")
		return
	}
	for _, q := range queues {
		if !q.IsPaused || q.PauseReason != "System overload" || !q.Config.ResumeOnResourceAvail {
			continue
		}
		if _, err := e.Manager.Resume(ctx, q.PlayerID, true); err != nil {
			e.log.WithError(err).WithField("player_id", q.PlayerID).Warn("auto-resume failed")
		}
	}
}

// snapshotLoop periodically snapshots running queues, yielding under
// resource pressure.
func (e *Engine) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			queues, err := e.Queues.FindQueues(ctx, true, 0)
			if err != nil {
				e.log.WithError(err).Warn("snapshot scan failed")
				continue
			}
			for _, q := range queues {
				if !e.Monitor.AllowMaintenance() {
					break
				}
				if _, err := e.Snapshots.Create(ctx, q, snapshot.ReasonPeriodic); err != nil {
					e.log.WithError(err).WithField("player_id", q.PlayerID).Warn("periodic snapshot failed")
				}
			}
		}
	}
}

// integrityLoop revalidates stored queues on a cadence. Load already
// repairs what it can, so a pass over every queue is enough.
func (e *Engine) integrityLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.IntegrityCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, running := range []bool{true, false} {
				queues, err := e.Queues.FindQueues(ctx, running, 0)
				if err != nil {
					e.log.WithError(err).Warn("integrity scan failed")
					continue
				}
				for _, q := range queues {
					if !e.Monitor.AllowMaintenance() {
						break
					}
					if _, err := e.Queues.Load(ctx, q.PlayerID); err != nil {
						e.log.WithError(err).WithField("player_id", q.PlayerID).Warn("integrity check failed")
					}
				}
			}
		}
	}
}

// persistenceLoop force-saves running queues so last_updated never
// drifts past the persistence cadence even on an idle tick.
func (e *Engine) persistenceLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.PersistenceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			queues, err := e.Queues.FindQueues(ctx, true, 0)
			if err != nil {
				e.log.WithError(err).Warn("persistence scan failed")
				continue
			}
			for _, q := range queues {
				_, err := e.Queues.AtomicUpdate(ctx, q.PlayerID, func(*queue.TaskQueue) error {
					return nil
				}, persistence.SaveOptions{})
				if err != nil {
					e.log.WithError(err).WithField("player_id", q.PlayerID).Warn("forced persistence failed")
				}
			}
		}
	}
}
