package queue

import (
	"github.com/macaw2000/taskforge/taskerr"
)

// InsertTask places t into the queued tasks. With priority handling
// enabled it goes before the first task with strictly lower priority,
// so equal priorities stay FIFO; otherwise it appends. The current
// task is never preempted.
func (q *TaskQueue) InsertTask(t *Task) {
	if !q.Config.PriorityHandling {
		q.QueuedTasks = append(q.QueuedTasks, t)
		return
	}
	at := len(q.QueuedTasks)
	for i, existing := range q.QueuedTasks {
		if existing.Priority < t.Priority {
			at = i
			break
		}
	}
	q.QueuedTasks = append(q.QueuedTasks, nil)
	copy(q.QueuedTasks[at+1:], q.QueuedTasks[at:])
	q.QueuedTasks[at] = t
}

// StartNext promotes the head of the queued tasks to current and
// starts it. With nothing queued the queue goes idle. Returns whether
// a task was started.
func (q *TaskQueue) StartNext(nowMS int64) bool {
	if len(q.QueuedTasks) == 0 {
		q.CurrentTask = nil
		q.IsRunning = false
		return false
	}
	next := q.QueuedTasks[0]
	q.QueuedTasks = q.QueuedTasks[1:]
	next.StartTimeMS = nowMS
	next.Progress = 0
	next.EstimatedCompletionMS = nowMS + next.DurationMS
	q.CurrentTask = next
	q.IsRunning = true
	q.RecordEvent(Event{Type: EventTaskStarted, TimestampMS: nowMS, TaskID: next.ID})
	return true
}

// PauseQueue pauses processing. Pausing an already-paused queue is a
// warning, surfaced as BUS_ALREADY_PAUSED but leaving state untouched.
func (q *TaskQueue) PauseQueue(reason string, allowResume bool, nowMS int64) error {
	if q.IsPaused {
		return taskerr.New(taskerr.CodeBusAlreadyPaused, "queue is already paused")
	}
	if reason == "" {
		reason = "Paused"
	}
	q.IsPaused = true
	q.PauseReason = reason
	q.CanResume = allowResume
	q.PausedAtMS = nowMS
	q.IsRunning = false
	q.RecordEvent(Event{Type: EventPaused, TimestampMS: nowMS, Detail: reason})
	return nil
}

// ResumeQueue lifts a pause. A queue paused with can_resume false
// requires force.
func (q *TaskQueue) ResumeQueue(force bool, nowMS int64) error {
	if !q.IsPaused {
		return taskerr.New(taskerr.CodeBusNotPaused, "queue is not paused")
	}
	if !q.CanResume && !force {
		return taskerr.New(taskerr.CodeBusResumeForbidden, "queue cannot be resumed: "+q.PauseReason)
	}
	if q.PausedAtMS > 0 && nowMS > q.PausedAtMS {
		q.TotalPauseTimeMS += nowMS - q.PausedAtMS
	}
	q.IsPaused = false
	q.PauseReason = ""
	q.CanResume = true
	q.ResumedAtMS = nowMS
	q.PausedAtMS = 0
	if q.CurrentTask != nil {
		q.IsRunning = true
	} else if len(q.QueuedTasks) > 0 {
		q.StartNext(nowMS)
	}
	q.RecordEvent(Event{Type: EventResumed, TimestampMS: nowMS})
	return nil
}

// RemoveTaskByID drops a task. Removing the in-flight current task
// credits its elapsed wall clock to total time spent and advances to
// the next queued task. Returns whether anything was removed.
func (q *TaskQueue) RemoveTaskByID(id string, nowMS int64) bool {
	if q.CurrentTask != nil && q.CurrentTask.ID == id {
		if q.CurrentTask.StartTimeMS > 0 && nowMS > q.CurrentTask.StartTimeMS {
			elapsed := nowMS - q.CurrentTask.StartTimeMS
			if elapsed > q.CurrentTask.DurationMS {
				elapsed = q.CurrentTask.DurationMS
			}
			q.Totals.TimeSpentMS += elapsed
		}
		q.RecordEvent(Event{Type: EventTaskRemoved, TimestampMS: nowMS, TaskID: id})
		if !q.IsPaused {
			q.StartNext(nowMS)
		} else {
			q.CurrentTask = nil
			q.IsRunning = false
		}
		return true
	}
	for i, t := range q.QueuedTasks {
		if t.ID == id {
			q.QueuedTasks = append(q.QueuedTasks[:i], q.QueuedTasks[i+1:]...)
			q.RecordEvent(Event{Type: EventTaskRemoved, TimestampMS: nowMS, TaskID: id})
			return true
		}
	}
	return false
}

// ReorderTasks rearranges the queued tasks so ids form the new prefix.
// Unknown ids are ignored; unreferenced tasks keep their relative
// order at the tail. The current task is unaffected.
func (q *TaskQueue) ReorderTasks(ids []string) {
	byID := make(map[string]*Task, len(q.QueuedTasks))
	for _, t := range q.QueuedTasks {
		byID[t.ID] = t
	}
	next := make([]*Task, 0, len(q.QueuedTasks))
	taken := make(map[string]bool, len(ids))
	for _, id := range ids {
		if t, ok := byID[id]; ok && !taken[id] {
			next = append(next, t)
			taken[id] = true
		}
	}
	for _, t := range q.QueuedTasks {
		if !taken[t.ID] {
			next = append(next, t)
		}
	}
	q.QueuedTasks = next
}

// ClearTasks removes every task and resets the running and paused
// state.
func (q *TaskQueue) ClearTasks(nowMS int64) {
	q.CurrentTask = nil
	q.QueuedTasks = []*Task{}
	q.IsRunning = false
	q.IsPaused = false
	q.PauseReason = ""
	q.CanResume = true
	q.PausedAtMS = 0
	q.RecordEvent(Event{Type: EventCleared, TimestampMS: nowMS})
}
