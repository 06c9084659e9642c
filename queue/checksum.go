package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Checksum hashes the canonical stable subset of a queue: player id,
// current task id (or "none"), sorted queued task ids, running and
// paused flags, and lifetime totals. The encoding is a fixed
// lexicographic key order with no whitespace, so any two queues that
// agree on the subset hash identically regardless of field history.
func Checksum(q *TaskQueue) string {
	ids := make([]string, 0, len(q.QueuedTasks))
	for _, t := range q.QueuedTasks {
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)

	current := "none"
	if q.CurrentTask != nil {
		current = q.CurrentTask.ID
	}

	var b strings.Builder
	fmt.Fprintf(&b, "current_task=%s;", current)
	fmt.Fprintf(&b, "is_paused=%t;", q.IsPaused)
	fmt.Fprintf(&b, "is_running=%t;", q.IsRunning)
	fmt.Fprintf(&b, "player_id=%s;", q.PlayerID)
	fmt.Fprintf(&b, "queued_tasks=%s;", strings.Join(ids, ","))
	fmt.Fprintf(&b, "tasks_completed=%d;", q.Totals.TasksCompleted)
	fmt.Fprintf(&b, "time_spent_ms=%d", q.Totals.TimeSpentMS)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// ChecksumValid reports whether the stored checksum matches the
// computed one.
func ChecksumValid(q *TaskQueue) bool {
	return q.Checksum == Checksum(q)
}
