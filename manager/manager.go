// Package manager exposes the per-player queue operations. Every
// mutation goes through the persistence layer's atomic update: load,
// mutate in memory, conditionally save on the stored version.
package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/macaw2000/taskforge/persistence"
	"github.com/macaw2000/taskforge/queue"
	"github.com/macaw2000/taskforge/taskerr"
	"github.com/macaw2000/taskforge/validation"
)

// Manager owns queue membership for every player.
type Manager struct {
	queues    *persistence.Store
	validator *validation.Validator
	log       *logrus.Entry
	clock     func() int64

	stats *statsCache

	// overloaded is consulted before admitting new tasks; the engine
	// wires it to the resource monitor.
	overloaded func() bool
}

// New builds a Manager.
func New(queues *persistence.Store, validator *validation.Validator, log *logrus.Entry) *Manager {
	return &Manager{
		queues:     queues,
		validator:  validator,
		log:        log,
		clock:      func() int64 { return time.Now().UnixMilli() },
		stats:      newStatsCache(60 * time.Second),
		overloaded: func() bool { return false },
	}
}

// SetClock overrides the wall clock (tests).
func (m *Manager) SetClock(clock func() int64) { m.clock = clock }

// SetOverloadCheck wires the degradation signal used to refuse new
// tasks under severe pressure.
func (m *Manager) SetOverloadCheck(fn func() bool) {
	if fn != nil {
		m.overloaded = fn
	}
}

// Get loads (or creates) the player's queue.
func (m *Manager) Get(ctx context.Context, playerID string) (*queue.TaskQueue, error) {
	return m.queues.LoadOrCreate(ctx, playerID)
}

// AddTask validates t and enqueues it for the player. With auto-start
// on and the queue idle and unpaused, the task starts immediately.
func (m *Manager) AddTask(ctx context.Context, playerID string, t *queue.Task) (*queue.TaskQueue, error) {
	if m.overloaded() {
		return nil, taskerr.New(taskerr.CodeResOverloaded, "task additions are paused while the system recovers")
	}
	if t == nil {
		return nil, taskerr.New(taskerr.CodeValMissingField, "task is nil")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.PlayerID = playerID

	q, err := m.queues.AtomicUpdate(ctx, playerID, func(q *queue.TaskQueue) error {
		if q.Config.ValidationEnabled {
			if err := validateTask(t, q.Config); err != nil {
				return err
			}
		}
		if len(q.QueuedTasks) >= q.Config.MaxQueueSize {
			return taskerr.New(taskerr.CodeBusQueueFull,
				fmt.Sprintf("queue holds %d of %d tasks", len(q.QueuedTasks), q.Config.MaxQueueSize))
		}
		if t.DurationMS > q.Config.MaxTaskDurationMS {
			return taskerr.New(taskerr.CodeBusTaskTooLong,
				fmt.Sprintf("task duration %dms exceeds limit %dms", t.DurationMS, q.Config.MaxTaskDurationMS))
		}
		if q.QueuedDurationMS()+t.DurationMS > q.Config.MaxTotalQueueDurationMS {
			return taskerr.New(taskerr.CodeBusDurationExceeded, "queued work would exceed the total duration limit")
		}

		added := t.Clone()
		added.IsValid = true
		if added.MaxRetries == 0 {
			added.MaxRetries = q.Config.MaxRetries
		}
		now := m.clock()
		q.InsertTask(added)
		q.RecordEvent(queue.Event{Type: queue.EventTaskAdded, TimestampMS: now, TaskID: added.ID})

		if q.Config.AutoStart && q.CurrentTask == nil && !q.IsPaused {
			q.StartNext(now)
		}
		return nil
	}, persistence.SaveOptions{ValidateBeforeSave: true})
	if err != nil {
		return nil, err
	}
	m.stats.invalidate(playerID)
	return q, nil
}

// RemoveTask drops a task by id, advancing the queue when the removed
// task was in flight. Removing an unknown id is a no-op.
func (m *Manager) RemoveTask(ctx context.Context, playerID, taskID string) (*queue.TaskQueue, error) {
	q, err := m.queues.AtomicUpdate(ctx, playerID, func(q *queue.TaskQueue) error {
		q.RemoveTaskByID(taskID, m.clock())
		return nil
	}, persistence.SaveOptions{ValidateBeforeSave: true})
	if err != nil {
		return nil, err
	}
	m.stats.invalidate(playerID)
	return q, nil
}

// Reorder rearranges the queued tasks so ids form the new prefix.
// Unknown ids are silently ignored; unreferenced tasks keep their
// relative order at the tail.
func (m *Manager) Reorder(ctx context.Context, playerID string, ids []string) (*queue.TaskQueue, error) {
	q, err := m.queues.AtomicUpdate(ctx, playerID, func(q *queue.TaskQueue) error {
		q.ReorderTasks(ids)
		return nil
	}, persistence.SaveOptions{ValidateBeforeSave: true})
	if err != nil {
		return nil, err
	}
	m.stats.invalidate(playerID)
	return q, nil
}

// Clear empties the queue and resets the running and paused state.
func (m *Manager) Clear(ctx context.Context, playerID string) (*queue.TaskQueue, error) {
	q, err := m.queues.AtomicUpdate(ctx, playerID, func(q *queue.TaskQueue) error {
		q.ClearTasks(m.clock())
		return nil
	}, persistence.SaveOptions{ValidateBeforeSave: true})
	if err != nil {
		return nil, err
	}
	m.stats.invalidate(playerID)
	return q, nil
}

// Pause stops processing with a reason. allowResume false makes the
// pause sticky: only a forced resume lifts it.
func (m *Manager) Pause(ctx context.Context, playerID, reason string, allowResume bool) (*queue.TaskQueue, error) {
	var warned error
	q, err := m.queues.AtomicUpdate(ctx, playerID, func(q *queue.TaskQueue) error {
		if err := q.PauseQueue(reason, allowResume, m.clock()); err != nil {
			if taskerr.IsCode(err, taskerr.CodeBusAlreadyPaused) {
				warned = err
				return nil
			}
			return err
		}
		return nil
	}, persistence.SaveOptions{ValidateBeforeSave: true})
	if err != nil {
		return nil, err
	}
	if warned != nil {
		m.log.WithField("player_id", playerID).Warn("pause requested on already-paused queue")
	}
	m.stats.invalidate(playerID)
	return q, nil
}

// Resume lifts a pause. Queues paused with can_resume false fail with
// BUS_RESUME_FORBIDDEN unless force is set.
func (m *Manager) Resume(ctx context.Context, playerID string, force bool) (*queue.TaskQueue, error) {
	q, err := m.queues.AtomicUpdate(ctx, playerID, func(q *queue.TaskQueue) error {
		return q.ResumeQueue(force, m.clock())
	}, persistence.SaveOptions{ValidateBeforeSave: true})
	if err != nil {
		return nil, err
	}
	m.stats.invalidate(playerID)
	return q, nil
}

// ConfigPatch carries the recognized options an update may change.
// Nil fields are left untouched.
type ConfigPatch struct {
	MaxQueueSize             *int
	MaxTaskDurationMS        *int64
	MaxTotalQueueDurationMS  *int64
	AutoStart                *bool
	PriorityHandling         *bool
	RetryEnabled             *bool
	MaxRetries               *int
	ValidationEnabled        *bool
	SyncIntervalMS           *int64
	OfflineProcessingEnabled *bool
	PauseOnError             *bool
	ResumeOnResourceAvail    *bool
	PersistenceIntervalMS    *int64
	IntegrityCheckIntervalMS *int64
	MaxHistorySize           *int
	SnapshotIntervalMS       *int64
	MaxSnapshots             *int
}

// UpdateConfig applies a partial configuration change. Shrinking the
// queue bound below the current length truncates the tail.
func (m *Manager) UpdateConfig(ctx context.Context, playerID string, patch ConfigPatch) (*queue.TaskQueue, error) {
	q, err := m.queues.AtomicUpdate(ctx, playerID, func(q *queue.TaskQueue) error {
		cfg := q.Config
		applyPatch(&cfg, patch)
		if err := validateConfig(cfg); err != nil {
			return err
		}
		q.Config = cfg
		if len(q.QueuedTasks) > cfg.MaxQueueSize {
			q.QueuedTasks = q.QueuedTasks[:cfg.MaxQueueSize]
		}
		return nil
	}, persistence.SaveOptions{ValidateBeforeSave: true})
	if err != nil {
		return nil, err
	}
	m.stats.invalidate(playerID)
	return q, nil
}

// History returns the bounded state-history ring for a player.
func (m *Manager) History(ctx context.Context, playerID string) ([]queue.Event, error) {
	q, err := m.queues.LoadOrCreate(ctx, playerID)
	if err != nil {
		return nil, err
	}
	return q.History, nil
}

// InvalidateStats drops the cached statistics for a player. The
// scheduler calls this after its own saves.
func (m *Manager) InvalidateStats(playerID string) { m.stats.invalidate(playerID) }

func validateTask(t *queue.Task, cfg queue.Config) error {
	if !t.Type.Valid() {
		return taskerr.New(taskerr.CodeValBadEnum, "unknown task type "+string(t.Type))
	}
	if t.DurationMS <= 0 {
		return taskerr.New(taskerr.CodeValBadDuration, "task duration must be positive")
	}
	if t.Progress < 0 || t.Progress > 1 {
		return taskerr.New(taskerr.CodeValBadProgress, "task progress outside [0,1]")
	}
	for _, p := range t.Prerequisites {
		if !p.Met {
			return taskerr.New(taskerr.CodeBusPrerequisite,
				fmt.Sprintf("prerequisite not met: %s", p.Name))
		}
	}
	for _, r := range t.Resources {
		if !r.Sufficient || r.Available < r.Required {
			return taskerr.New(taskerr.CodeBusInsufficientRes,
				fmt.Sprintf("insufficient %s: have %d, need %d", r.ResourceID, r.Available, r.Required))
		}
	}
	return nil
}

func validateConfig(cfg queue.Config) error {
	if cfg.MaxQueueSize <= 0 {
		return taskerr.New(taskerr.CodeValConfigInvalid, "max_queue_size must be positive")
	}
	if cfg.MaxTaskDurationMS <= 0 || cfg.MaxTotalQueueDurationMS <= 0 {
		return taskerr.New(taskerr.CodeValConfigInvalid, "duration limits must be positive")
	}
	if cfg.MaxTaskDurationMS > cfg.MaxTotalQueueDurationMS {
		return taskerr.New(taskerr.CodeValConfigInvalid, "max_task_duration_ms exceeds max_total_queue_duration_ms")
	}
	if cfg.MaxRetries < 0 || cfg.MaxHistorySize <= 0 || cfg.MaxSnapshots <= 0 {
		return taskerr.New(taskerr.CodeValConfigInvalid, "bounds must be positive")
	}
	if cfg.SyncIntervalMS <= 0 || cfg.SnapshotIntervalMS <= 0 || cfg.PersistenceIntervalMS <= 0 || cfg.IntegrityCheckIntervalMS <= 0 {
		return taskerr.New(taskerr.CodeValConfigInvalid, "intervals must be positive")
	}
	return nil
}

func applyPatch(cfg *queue.Config, p ConfigPatch) {
	if p.MaxQueueSize != nil {
		cfg.MaxQueueSize = *p.MaxQueueSize
	}
	if p.MaxTaskDurationMS != nil {
		cfg.MaxTaskDurationMS = *p.MaxTaskDurationMS
	}
	if p.MaxTotalQueueDurationMS != nil {
		cfg.MaxTotalQueueDurationMS = *p.MaxTotalQueueDurationMS
	}
	if p.AutoStart != nil {
		cfg.AutoStart = *p.AutoStart
	}
	if p.PriorityHandling != nil {
		cfg.PriorityHandling = *p.PriorityHandling
	}
	if p.RetryEnabled != nil {
		cfg.RetryEnabled = *p.RetryEnabled
	}
	if p.MaxRetries != nil {
		cfg.MaxRetries = *p.MaxRetries
	}
	if p.ValidationEnabled != nil {
		cfg.ValidationEnabled = *p.ValidationEnabled
	}
	if p.SyncIntervalMS != nil {
		cfg.SyncIntervalMS = *p.SyncIntervalMS
	}
	if p.OfflineProcessingEnabled != nil {
		cfg.OfflineProcessingEnabled = *p.OfflineProcessingEnabled
	}
	if p.PauseOnError != nil {
		cfg.PauseOnError = *p.PauseOnError
	}
	if p.ResumeOnResourceAvail != nil {
		cfg.ResumeOnResourceAvail = *p.ResumeOnResourceAvail
	}
	if p.PersistenceIntervalMS != nil {
		cfg.PersistenceIntervalMS = *p.PersistenceIntervalMS
	}
	if p.IntegrityCheckIntervalMS != nil {
		cfg.IntegrityCheckIntervalMS = *p.IntegrityCheckIntervalMS
	}
	if p.MaxHistorySize != nil {
		cfg.MaxHistorySize = *p.MaxHistorySize
	}
	if p.SnapshotIntervalMS != nil {
		cfg.SnapshotIntervalMS = *p.SnapshotIntervalMS
	}
	if p.MaxSnapshots != nil {
		cfg.MaxSnapshots = *p.MaxSnapshots
	}
}
