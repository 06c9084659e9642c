// Package scheduler runs the continuously-ticking engine that
// advances every running queue. Progress updates, task completion and
// reward accrual all funnel through one advancement path keyed on a
// per-queue reward watermark, so real-time ticking and reconciling a
// gap of up to 24 hours produce the same totals.
package scheduler

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/macaw2000/taskforge/manager"
	"github.com/macaw2000/taskforge/observability"
	"github.com/macaw2000/taskforge/persistence"
	"github.com/macaw2000/taskforge/queue"
	"github.com/macaw2000/taskforge/recovery"
	"github.com/macaw2000/taskforge/rewards"
	"github.com/macaw2000/taskforge/taskerr"
)

// StatsProvider supplies the player-stat snapshot the rewards
// calculator needs. The domain layer wires the real one.
type StatsProvider func(playerID string) rewards.PlayerStats

// Config tunes the scheduler loop.
type Config struct {
	TickInterval time.Duration
	Workers      int
	BatchLimit   int
}

// DefaultConfig returns the production loop settings.
func DefaultConfig() Config {
	return Config{
		TickInterval: 5 * time.Second,
		Workers:      4,
		BatchLimit:   500,
	}
}

// Scheduler advances the fleet of running queues.
type Scheduler struct {
	queues   *persistence.Store
	mgr      *manager.Manager
	calc     rewards.Calculator
	stats    StatsProvider
	retry    *recovery.RetryController
	monitor  *recovery.Monitor
	recovery *recovery.Orchestrator
	log      *logrus.Entry
	clock    func() int64

	cfg Config
}

// New builds a Scheduler. statsFor may be nil for stat-less domains.
func New(queues *persistence.Store, mgr *manager.Manager, calc rewards.Calculator, statsFor StatsProvider,
	retry *recovery.RetryController, monitor *recovery.Monitor, orchestrator *recovery.Orchestrator,
	cfg Config, log *logrus.Entry) *Scheduler {
	if statsFor == nil {
		statsFor = func(string) rewards.PlayerStats { return rewards.PlayerStats{} }
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = DefaultConfig().BatchLimit
	}
	return &Scheduler{
		queues:   queues,
		mgr:      mgr,
		calc:     calc,
		stats:    statsFor,
		retry:    retry,
		monitor:  monitor,
		recovery: orchestrator,
		log:      log,
		clock:    func() int64 { return time.Now().UnixMilli() },
		cfg:      cfg,
	}
}

// SetClock overrides the wall clock (tests).
func (s *Scheduler) SetClock(clock func() int64) { s.clock = clock }

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.WithFields(logrus.Fields{
		"interval": s.cfg.TickInterval,
		"workers":  s.cfg.Workers,
	}).Info("scheduler starting")

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopping")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick processes one pass over every running queue, partitioned by
// player id across the worker pool so a single player never has two
// concurrent mutators from this process.
func (s *Scheduler) Tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		observability.SchedulerLoopDuration.Observe(time.Since(start).Seconds())
	}()

	running, err := s.queues.FindQueues(ctx, true, s.cfg.BatchLimit)
	if err != nil {
		s.log.WithError(err).Warn("failed to list running queues")
		return
	}

	depth := 0
	shards := make([][]string, s.cfg.Workers)
	for _, q := range running {
		depth += len(q.QueuedTasks)
		shard := int(playerShard(q.PlayerID) % uint32(s.cfg.Workers))
		shards[shard] = append(shards[shard], q.PlayerID)
	}
	observability.QueueDepth.Set(float64(depth))

	var wg sync.WaitGroup
	for _, players := range shards {
		if len(players) == 0 {
			continue
		}
		wg.Add(1)
		go func(players []string) {
			defer wg.Done()
			for _, playerID := range players {
				if ctx.Err() != nil {
					return
				}
				s.ProcessPlayer(ctx, playerID)
			}
		}(players)
	}
	wg.Wait()
}

// ProcessPlayer advances one player's queue through the retry
// controller. Persistent corruption hands the player to the recovery
// pipeline.
func (s *Scheduler) ProcessPlayer(ctx context.Context, playerID string) {
	err := s.retry.Execute(ctx, playerID, "process", func(ctx context.Context) error {
		q, err := s.queues.AtomicUpdate(ctx, playerID, func(q *queue.TaskQueue) error {
			s.Advance(q, s.clock())
			return nil
		}, persistence.SaveOptions{})
		if err != nil {
			return err
		}
		s.mgr.InvalidateStats(playerID)
		if s.recovery != nil {
			s.recovery.RecordHealthy(q)
		}
		return nil
	})
	if err == nil {
		return
	}
	if taskerr.IsCode(err, taskerr.CodeResCircuitOpen) {
		return
	}

	if taskerr.IsCode(err, taskerr.CodePerUnrepairable) || taskerr.IsCode(err, taskerr.CodeSysCorruption) {
		if s.recovery != nil {
			if _, _, rerr := s.recovery.Recover(ctx, playerID); rerr != nil {
				s.log.WithError(rerr).WithField("player_id", playerID).Error("recovery failed")
			}
			return
		}
	}
	s.log.WithError(err).WithField("player_id", playerID).Warn("queue processing failed")
}

// Advance moves a queue forward to now. Every task whose window has
// closed completes with its start time chained to its predecessor's
// completion, and rewards accrue minute by minute from the reward
// watermark — at most 24 hours' worth per advancement. A gap of up to
// 24 hours replays exactly like live ticking; minutes past the cap are
// forfeited.
func (s *Scheduler) Advance(q *queue.TaskQueue, nowMS int64) {
	if q.IsPaused || q.CurrentTask == nil {
		// Idle time earns nothing; move the watermark so a later task
		// doesn't absorb it.
		q.LastSyncedMS = nowMS
		return
	}

	budget := int64(maxOfflineMinutes)
	for q.CurrentTask != nil {
		cur := q.CurrentTask
		if cur.StartTimeMS <= 0 {
			cur.StartTimeMS = nowMS
			cur.EstimatedCompletionMS = nowMS + cur.DurationMS
		}
		endMS := cur.StartTimeMS + cur.DurationMS
		boundary := endMS
		if nowMS < endMS {
			boundary = nowMS
		}

		awarded, err := s.accrueWindow(q, cur, boundary, budget)
		if err != nil {
			s.failCurrent(q, cur, nowMS, err)
			return
		}
		budget -= awarded

		if nowMS < endMS {
			cur.Progress = float64(nowMS-cur.StartTimeMS) / float64(cur.DurationMS)
			if cur.Progress < 0 {
				cur.Progress = 0
			}
			return
		}
		s.completeCurrent(q, endMS)
		// StartNext stamped the successor with endMS, so the next
		// iteration replays the gap like live ticking.
	}
	q.LastSyncedMS = nowMS
}

// completeCurrent finishes the in-flight task at completionMS and
// advances to the next queued task.
func (s *Scheduler) completeCurrent(q *queue.TaskQueue, completionMS int64) {
	cur := q.CurrentTask
	cur.Progress = 1
	cur.Completed = true

	q.Totals.TasksCompleted++
	q.Totals.TimeSpentMS += cur.DurationMS
	q.RecordEvent(queue.Event{Type: queue.EventTaskCompleted, TimestampMS: completionMS, TaskID: cur.ID})
	observability.TasksCompleted.WithLabelValues(string(cur.Type)).Inc()

	q.StartNext(completionMS)
}

// failCurrent applies the retry policy to a task whose rewards
// callback failed. Retries restart the task in place; exhausted tasks
// are dropped and the queue optionally auto-pauses.
func (s *Scheduler) failCurrent(q *queue.TaskQueue, cur *queue.Task, nowMS int64, cause error) {
	observability.TaskFailures.WithLabelValues(string(cur.Type)).Inc()
	s.log.WithError(cause).WithFields(logrus.Fields{
		"player_id": q.PlayerID,
		"task_id":   cur.ID,
		"retry":     cur.RetryCount,
	}).Warn("task execution failed")

	// The failed span is not billed again.
	q.LastSyncedMS = nowMS

	if q.Config.RetryEnabled && cur.RetryCount < cur.MaxRetries {
		cur.RetryCount++
		cur.StartTimeMS = nowMS
		cur.Progress = 0
		cur.EstimatedCompletionMS = nowMS + cur.DurationMS
		return
	}

	cur.IsValid = false
	cur.ValidationErrors = append(cur.ValidationErrors, cause.Error())
	q.RecordEvent(queue.Event{Type: queue.EventTaskFailed, TimestampMS: nowMS, TaskID: cur.ID})

	if q.Config.PauseOnError {
		q.CurrentTask = nil
		if err := q.PauseQueue("Task failed: "+cur.Name, true, nowMS); err != nil {
			q.IsRunning = false
		}
		return
	}
	q.StartNext(nowMS)
}

func playerShard(playerID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(playerID))
	return h.Sum32()
}
