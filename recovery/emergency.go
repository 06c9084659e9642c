package recovery

import (
	"github.com/macaw2000/taskforge/queue"
)

// EmergencyQueue builds the reduced-limits queue handed out while the
// system is severely overloaded. It is paused, cannot self-resume,
// and refuses long tasks until pressure clears.
func EmergencyQueue(playerID string, nowMS int64) *queue.TaskQueue {
	q := queue.NewTaskQueue(playerID, nowMS)
	q.Config = queue.EmergencyConfig()
	q.IsPaused = true
	q.PauseReason = "System overload"
	q.CanResume = false
	q.PausedAtMS = nowMS
	q.Checksum = queue.Checksum(q)
	return q
}
