package validation

import (
	"time"

	"github.com/macaw2000/taskforge/observability"
	"github.com/macaw2000/taskforge/queue"
)

// Repair action identifiers.
const (
	ActionUpdateChecksum    = "update_checksum"
	ActionFixTimestamps     = "fix_timestamps"
	ActionRemoveInvalidTask = "remove_invalid_task"
	ActionRecalculateStats  = "recalculate_stats"
	ActionResetState        = "reset_state"
	ActionTrimHistory       = "trim_history"
)

// Repair applies the bounded repair actions implied by a report to a
// copy of the queue, recomputing the checksum and stamping
// last_validated; the version bump happens at save time. Critical
// findings are never repaired; callers gate on report.CanRepair.
func (v *Validator) Repair(q *queue.TaskQueue, report *Report) (*queue.TaskQueue, []string) {
	repaired := q.Clone()
	now := v.clock()
	var actions []string

	apply := func(action string) {
		actions = append(actions, action)
		observability.RepairActions.WithLabelValues(action).Inc()
	}

	if report.HasCode(CodeFutureTimestamp) {
		repaired.LastUpdatedMS = now
		apply(ActionFixTimestamps)
	}

	if report.HasCode(CodeDuplicateTaskIDs) {
		seen := make(map[string]bool, len(repaired.QueuedTasks))
		kept := repaired.QueuedTasks[:0]
		for _, t := range repaired.QueuedTasks {
			if seen[t.ID] {
				continue
			}
			seen[t.ID] = true
			kept = append(kept, t)
		}
		repaired.QueuedTasks = kept
		apply(ActionRemoveInvalidTask)
	}

	if report.HasCode(CodeOrphanedCurrentTask) || report.HasCode(CodeRunningWhilePaused) {
		repaired.CurrentTask = nil
		repaired.IsRunning = false
		apply(ActionResetState)
	}

	if report.HasCode(CodeBadProgress) && repaired.CurrentTask != nil {
		if repaired.CurrentTask.Progress < 0 {
			repaired.CurrentTask.Progress = 0
		}
		if repaired.CurrentTask.Progress > 1 {
			repaired.CurrentTask.Progress = 1
		}
		apply(ActionRecalculateStats)
	}

	if report.HasCode(CodeNegativeStats) {
		if repaired.Totals.TasksCompleted < 0 {
			repaired.Totals.TasksCompleted = 0
		}
		if repaired.Totals.TimeSpentMS < 0 {
			repaired.Totals.TimeSpentMS = 0
		}
		if repaired.TotalPauseTimeMS < 0 {
			repaired.TotalPauseTimeMS = 0
		}
		apply(ActionRecalculateStats)
	}

	if report.HasCode(CodeQueueSizeExceeded) {
		max := repaired.Config.MaxQueueSize
		if max <= 0 {
			max = queue.DefaultConfig().MaxQueueSize
		}
		if len(repaired.QueuedTasks) > max {
			repaired.QueuedTasks = repaired.QueuedTasks[:max]
		}
		apply(ActionRemoveInvalidTask)
	}

	if report.HasCode(CodeHistorySizeExceeded) {
		max := repaired.Config.MaxHistorySize
		if max <= 0 {
			max = queue.DefaultConfig().MaxHistorySize
		}
		if len(repaired.History) > max {
			repaired.History = repaired.History[len(repaired.History)-max:]
		}
		apply(ActionTrimHistory)
	}

	if report.HasCode(CodePauseReasonMissing) && repaired.IsPaused {
		repaired.PauseReason = "Paused during repair"
	}

	// The checksum is recomputed last so it covers every other fix.
	repaired.Checksum = queue.Checksum(repaired)
	if report.HasCode(CodeChecksumMismatch) {
		apply(ActionUpdateChecksum)
	}

	repaired.LastValidatedMS = now
	repaired.RecordEvent(queue.Event{
		Type:        queue.EventRepaired,
		TimestampMS: now,
	})
	return repaired, actions
}

func nowMS() int64 { return time.Now().UnixMilli() }
