package persistence

import (
	"strconv"
	"time"

	"github.com/macaw2000/taskforge/queue"
)

// IndexAttrs builds the denormalized attributes stored alongside the
// queue blob. They exist only so the scheduler can find queues needing
// attention through secondary-index queries; the blob stays the source
// of truth.
func IndexAttrs(q *queue.TaskQueue) map[string]string {
	currentTaskID := "none"
	if q.CurrentTask != nil {
		currentTaskID = q.CurrentTask.ID
	}
	return map[string]string{
		"player_id":             q.PlayerID,
		"is_running":            strconv.FormatBool(q.IsRunning),
		"is_paused":             strconv.FormatBool(q.IsPaused),
		"current_task_id":       currentTaskID,
		"queue_size":            strconv.Itoa(len(q.QueuedTasks)),
		"total_tasks_completed": strconv.FormatInt(q.Totals.TasksCompleted, 10),
		"last_processed":        time.UnixMilli(q.LastUpdatedMS).UTC().Format(time.RFC3339),
	}
}
