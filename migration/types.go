// Package migration moves stored queues between schema versions with
// versioned forward and rollback transformers.
package migration

import (
	"github.com/macaw2000/taskforge/queue"
)

// Status of a migration run.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled-back"
)

// Transform rewrites a queue from one schema shape to another. It
// must not mutate its input.
type Transform func(q *queue.TaskQueue) (*queue.TaskQueue, error)

// Definition is one registered schema step.
type Definition struct {
	ID          string
	FromVersion int
	ToVersion   int
	Forward     Transform
	Rollback    Transform
	Validate    func(q *queue.TaskQueue) bool
}

// Record is the durable audit entry for one migration run.
type Record struct {
	MigrationID     string   `json:"migration_id"`
	DefinitionID    string   `json:"definition_id"`
	FromVersion     int      `json:"from_version"`
	ToVersion       int      `json:"to_version"`
	TimestampMS     int64    `json:"timestamp_ms"`
	Status          Status   `json:"status"`
	AffectedPlayers []string `json:"affected_players"`
	Error           string   `json:"error,omitempty"`
}
