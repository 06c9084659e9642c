// Package queue holds the per-player task queue model and its pure
// state-machine transitions. A TaskQueue is owned by exactly one player and is
// only ever rewritten through the persistence layer's conditional save.
package queue

import (
	"encoding/json"
)

// TaskType tags a task with the activity family it belongs to. The
// rewards callback dispatches on this tag.
type TaskType string

const (
	TaskHarvesting TaskType = "harvesting"
	TaskCrafting   TaskType = "crafting"
	TaskCombat     TaskType = "combat"
)

// Valid reports whether t is one of the known activity families.
func (t TaskType) Valid() bool {
	switch t {
	case TaskHarvesting, TaskCrafting, TaskCombat:
		return true
	}
	return false
}

// RewardKind classifies an earned reward.
type RewardKind string

const (
	RewardExperience RewardKind = "experience"
	RewardCurrency   RewardKind = "currency"
	RewardItem       RewardKind = "item"
	RewardResource   RewardKind = "resource"
)

// Reward is a single earned amount of one kind.
type Reward struct {
	Kind     RewardKind `json:"kind"`
	Quantity int64      `json:"quantity"`
	ItemID   string     `json:"item_id,omitempty"`
}

// PrerequisiteKind classifies a task prerequisite.
type PrerequisiteKind string

const (
	PrereqLevel    PrerequisiteKind = "level"
	PrereqStat     PrerequisiteKind = "stat"
	PrereqResource PrerequisiteKind = "resource"
	PrereqItem     PrerequisiteKind = "item"
)

// Prerequisite is a requirement that must hold before a task may run.
type Prerequisite struct {
	Kind        PrerequisiteKind `json:"kind"`
	Name        string           `json:"name"`
	Required    int64            `json:"required"`
	Actual      int64            `json:"actual"`
	Met         bool             `json:"met"`
	Description string           `json:"description,omitempty"`
}

// ResourceRequirement is a consumable input a task needs.
type ResourceRequirement struct {
	ResourceID string `json:"resource_id"`
	Required   int64  `json:"required"`
	Available  int64  `json:"available"`
	Sufficient bool   `json:"sufficient"`
}

// HarvestingData is the structured payload for harvesting tasks.
type HarvestingData struct {
	ActivityID   string  `json:"activity_id"`
	ResourceType string  `json:"resource_type"`
	BaseRate     float64 `json:"base_rate"`
	SkillLevel   int     `json:"skill_level"`
}

// CraftingData is the structured payload for crafting tasks.
type CraftingData struct {
	RecipeID     string  `json:"recipe_id"`
	Station      string  `json:"station,omitempty"`
	QualityBonus float64 `json:"quality_bonus"`
	SkillLevel   int     `json:"skill_level"`
}

// CombatData is the structured payload for combat tasks.
type CombatData struct {
	EnemyID     string  `json:"enemy_id"`
	EnemyLevel  int     `json:"enemy_level"`
	PlayerPower float64 `json:"player_power"`
	SkillLevel  int     `json:"skill_level"`
}

// ActivityData is the tagged payload variant attached to a task.
// Exactly one branch matching the task type is populated.
type ActivityData struct {
	Harvesting *HarvestingData `json:"harvesting,omitempty"`
	Crafting   *CraftingData   `json:"crafting,omitempty"`
	Combat     *CombatData     `json:"combat,omitempty"`
}

// Task is an immutable-after-creation unit of work. The scheduler is
// the sole writer of Progress, Completed and reward accumulation once
// the task has started.
type Task struct {
	ID          string   `json:"id"`
	Type        TaskType `json:"type"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Icon        string   `json:"icon,omitempty"`

	DurationMS  int64  `json:"duration_ms"`
	StartTimeMS int64  `json:"start_time_ms"`
	PlayerID    string `json:"player_id"`

	Activity      ActivityData          `json:"activity"`
	Prerequisites []Prerequisite        `json:"prerequisites,omitempty"`
	Resources     []ResourceRequirement `json:"resources,omitempty"`

	Progress  float64  `json:"progress"`
	Completed bool     `json:"completed"`
	Rewards   []Reward `json:"rewards,omitempty"`
	// AccruedMinutes is the cumulative whole minutes of activity
	// already rewarded for this task. The reward calculator is called
	// with cumulative totals and awards the difference, so batch
	// thresholds land identically at any tick granularity.
	AccruedMinutes int64 `json:"accrued_minutes,omitempty"`

	Priority              int   `json:"priority"`
	EstimatedCompletionMS int64 `json:"estimated_completion_ms"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	IsValid          bool     `json:"is_valid"`
	ValidationErrors []string `json:"validation_errors,omitempty"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Prerequisites = append([]Prerequisite(nil), t.Prerequisites...)
	c.Resources = append([]ResourceRequirement(nil), t.Resources...)
	c.Rewards = append([]Reward(nil), t.Rewards...)
	c.ValidationErrors = append([]string(nil), t.ValidationErrors...)
	if t.Activity.Harvesting != nil {
		h := *t.Activity.Harvesting
		c.Activity.Harvesting = &h
	}
	if t.Activity.Crafting != nil {
		cr := *t.Activity.Crafting
		c.Activity.Crafting = &cr
	}
	if t.Activity.Combat != nil {
		cb := *t.Activity.Combat
		c.Activity.Combat = &cb
	}
	return &c
}

// EventType classifies a state-history entry.
type EventType string

const (
	EventTaskAdded     EventType = "task_added"
	EventTaskRemoved   EventType = "task_removed"
	EventTaskStarted   EventType = "task_started"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"
	EventPaused        EventType = "paused"
	EventResumed       EventType = "resumed"
	EventCleared       EventType = "cleared"
	EventRepaired      EventType = "repaired"
	EventRestored      EventType = "restored"
	EventMigrated      EventType = "migrated"
	EventReconciled    EventType = "reconciled"
)

// Event is one entry in the bounded state-history ring.
type Event struct {
	Type        EventType `json:"type"`
	TimestampMS int64     `json:"timestamp_ms"`
	TaskID      string    `json:"task_id,omitempty"`
	Detail      string    `json:"detail,omitempty"`
}

// Totals accumulates lifetime counters for a queue.
type Totals struct {
	TasksCompleted int64    `json:"tasks_completed"`
	TimeSpentMS    int64    `json:"time_spent_ms"`
	RewardsEarned  []Reward `json:"rewards_earned,omitempty"`
}

// Config is the per-player queue configuration. Zero values are never
// written to storage; DefaultConfig fills every recognized option.
type Config struct {
	MaxQueueSize             int   `json:"max_queue_size"`
	MaxTaskDurationMS        int64 `json:"max_task_duration_ms"`
	MaxTotalQueueDurationMS  int64 `json:"max_total_queue_duration_ms"`
	AutoStart                bool  `json:"auto_start"`
	PriorityHandling         bool  `json:"priority_handling"`
	RetryEnabled             bool  `json:"retry_enabled"`
	MaxRetries               int   `json:"max_retries"`
	ValidationEnabled        bool  `json:"validation_enabled"`
	SyncIntervalMS           int64 `json:"sync_interval_ms"`
	OfflineProcessingEnabled bool  `json:"offline_processing_enabled"`
	PauseOnError             bool  `json:"pause_on_error"`
	ResumeOnResourceAvail    bool  `json:"resume_on_resource_available"`
	PersistenceIntervalMS    int64 `json:"persistence_interval_ms"`
	IntegrityCheckIntervalMS int64 `json:"integrity_check_interval_ms"`
	MaxHistorySize           int   `json:"max_history_size"`
	SnapshotIntervalMS       int64 `json:"snapshot_interval_ms"`
	MaxSnapshots             int   `json:"max_snapshots"`
}

// DefaultConfig returns the recognized option defaults.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:             50,
		MaxTaskDurationMS:        86_400_000,
		MaxTotalQueueDurationMS:  604_800_000,
		AutoStart:                true,
		PriorityHandling:         false,
		RetryEnabled:             true,
		MaxRetries:               3,
		ValidationEnabled:        true,
		SyncIntervalMS:           5_000,
		OfflineProcessingEnabled: true,
		PauseOnError:             true,
		ResumeOnResourceAvail:    true,
		PersistenceIntervalMS:    30_000,
		IntegrityCheckIntervalMS: 300_000,
		MaxHistorySize:           10,
		SnapshotIntervalMS:       300_000,
		MaxSnapshots:             10,
	}
}

// EmergencyConfig returns the reduced limits used for the emergency
// queue handed out under severe degradation.
func EmergencyConfig() Config {
	c := DefaultConfig()
	c.MaxQueueSize = 10
	c.MaxTaskDurationMS = 3_600_000
	c.MaxTotalQueueDurationMS = 86_400_000
	c.AutoStart = false
	c.RetryEnabled = false
	c.MaxRetries = 0
	c.ValidationEnabled = false
	return c
}

// CurrentSchemaVersion is the queue schema written by this build.
// Migrations move stored queues between schema versions.
const CurrentSchemaVersion = 1

// TaskQueue is the durable per-player queue record. Version increases
// by exactly one on every successful persisted update; Checksum covers
// the canonical stable subset (see Checksum).
type TaskQueue struct {
	PlayerID string `json:"player_id"`

	CurrentTask *Task   `json:"current_task,omitempty"`
	QueuedTasks []*Task `json:"queued_tasks"`

	IsRunning   bool   `json:"is_running"`
	IsPaused    bool   `json:"is_paused"`
	PauseReason string `json:"pause_reason,omitempty"`
	CanResume   bool   `json:"can_resume"`

	PausedAtMS       int64 `json:"paused_at_ms"`
	ResumedAtMS      int64 `json:"resumed_at_ms"`
	TotalPauseTimeMS int64 `json:"total_pause_time_ms"`

	Totals Totals `json:"totals"`
	Config Config `json:"config"`

	CreatedAtMS     int64 `json:"created_at_ms"`
	LastUpdatedMS   int64 `json:"last_updated_ms"`
	LastSyncedMS    int64 `json:"last_synced_ms"`
	LastValidatedMS int64 `json:"last_validated_ms"`

	Version       int64  `json:"version"`
	SchemaVersion int    `json:"schema_version"`
	Checksum      string `json:"checksum"`

	History []Event `json:"history,omitempty"`
}

// NewTaskQueue builds an empty queue for a player at the default
// configuration. Version starts at 0; the first conditional save
// writes version 1 and expects the key to be absent.
func NewTaskQueue(playerID string, nowMS int64) *TaskQueue {
	q := &TaskQueue{
		PlayerID:      playerID,
		QueuedTasks:   []*Task{},
		CanResume:     true,
		Config:        DefaultConfig(),
		CreatedAtMS:   nowMS,
		LastUpdatedMS: nowMS,
		SchemaVersion: CurrentSchemaVersion,
	}
	q.Checksum = Checksum(q)
	return q
}

// Clone returns a deep copy of the queue.
func (q *TaskQueue) Clone() *TaskQueue {
	c := *q
	c.CurrentTask = q.CurrentTask.Clone()
	c.QueuedTasks = make([]*Task, len(q.QueuedTasks))
	for i, t := range q.QueuedTasks {
		c.QueuedTasks[i] = t.Clone()
	}
	c.Totals.RewardsEarned = append([]Reward(nil), q.Totals.RewardsEarned...)
	c.History = append([]Event(nil), q.History...)
	return &c
}

// TaskIDs returns the ids of the current task (if any) followed by the
// queued tasks in order.
func (q *TaskQueue) TaskIDs() []string {
	ids := make([]string, 0, len(q.QueuedTasks)+1)
	if q.CurrentTask != nil {
		ids = append(ids, q.CurrentTask.ID)
	}
	for _, t := range q.QueuedTasks {
		ids = append(ids, t.ID)
	}
	return ids
}

// QueuedDurationMS returns the summed duration of all queued tasks.
func (q *TaskQueue) QueuedDurationMS() int64 {
	var sum int64
	for _, t := range q.QueuedTasks {
		sum += t.DurationMS
	}
	return sum
}

// RecordEvent appends an entry to the state-history ring, trimming to
// the configured bound (newest kept).
func (q *TaskQueue) RecordEvent(ev Event) {
	q.History = append(q.History, ev)
	bound := q.Config.MaxHistorySize
	if bound <= 0 {
		bound = DefaultConfig().MaxHistorySize
	}
	if len(q.History) > bound {
		q.History = q.History[len(q.History)-bound:]
	}
}

// Marshal serializes the queue for storage.
func (q *TaskQueue) Marshal() ([]byte, error) {
	return json.Marshal(q)
}

// UnmarshalTaskQueue decodes a stored queue blob.
func UnmarshalTaskQueue(blob []byte) (*TaskQueue, error) {
	var q TaskQueue
	if err := json.Unmarshal(blob, &q); err != nil {
		return nil, err
	}
	if q.QueuedTasks == nil {
		q.QueuedTasks = []*Task{}
	}
	return &q, nil
}
