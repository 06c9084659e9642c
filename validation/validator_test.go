package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macaw2000/taskforge/queue"
)

const testNowMS = int64(1_700_000_000_000)

func testValidator() *Validator {
	return New(func() int64 { return testNowMS })
}

func validQueue() *queue.TaskQueue {
	q := queue.NewTaskQueue("p1", testNowMS-60_000)
	q.LastUpdatedMS = testNowMS - 1000
	q.Checksum = queue.Checksum(q)
	return q
}

func queuedTask(id string) *queue.Task {
	return &queue.Task{ID: id, Type: queue.TaskHarvesting, DurationMS: 1000, PlayerID: "p1"}
}

func TestCheckCleanQueue(t *testing.T) {
	report := testValidator().Check(validQueue())
	assert.True(t, report.Valid())
	assert.Equal(t, 100, report.IntegrityScore)
	assert.True(t, report.CanRepair)
}

func TestCheckMissingPlayerIDIsCritical(t *testing.T) {
	q := validQueue()
	q.PlayerID = ""
	q.Checksum = queue.Checksum(q)

	report := testValidator().Check(q)
	require.True(t, report.HasCode(CodeMissingPlayerID))
	assert.False(t, report.CanRepair)
}

func TestCheckChecksumMismatch(t *testing.T) {
	q := validQueue()
	q.Totals.TasksCompleted = 3

	report := testValidator().Check(q)
	require.True(t, report.HasCode(CodeChecksumMismatch))
	assert.True(t, report.CanRepair)
	assert.Equal(t, 80, report.IntegrityScore)
}

func TestCheckFutureTimestampIsMinor(t *testing.T) {
	q := validQueue()
	q.LastUpdatedMS = testNowMS + ClockSkewToleranceMS + 1

	report := testValidator().Check(q)
	require.True(t, report.HasCode(CodeFutureTimestamp))
	assert.Equal(t, 95, report.IntegrityScore)
}

func TestCheckDuplicateAndOrphan(t *testing.T) {
	q := validQueue()
	q.QueuedTasks = []*queue.Task{queuedTask("a"), queuedTask("a")}
	cur := queuedTask("a")
	q.CurrentTask = cur
	q.Checksum = queue.Checksum(q)

	report := testValidator().Check(q)
	assert.True(t, report.HasCode(CodeDuplicateTaskIDs))
	assert.True(t, report.HasCode(CodeOrphanedCurrentTask))
}

func TestCheckNegativeStats(t *testing.T) {
	q := validQueue()
	q.Totals.TasksCompleted = -1
	q.Checksum = queue.Checksum(q)

	report := testValidator().Check(q)
	assert.True(t, report.HasCode(CodeNegativeStats))
}

func TestCheckQueueAndHistoryBounds(t *testing.T) {
	q := validQueue()
	q.Config.MaxQueueSize = 1
	q.Config.MaxHistorySize = 1
	q.QueuedTasks = []*queue.Task{queuedTask("a"), queuedTask("b")}
	q.History = []queue.Event{{}, {}, {}}
	q.Checksum = queue.Checksum(q)

	report := testValidator().Check(q)
	assert.True(t, report.HasCode(CodeQueueSizeExceeded))
	assert.True(t, report.HasCode(CodeHistorySizeExceeded))
}

func TestRepairChecksum(t *testing.T) {
	v := testValidator()
	q := validQueue()
	q.Totals.TasksCompleted = 3

	report := v.Check(q)
	require.True(t, report.CanRepair)

	repaired, actions := v.Repair(q, report)
	assert.Contains(t, actions, ActionUpdateChecksum)
	assert.True(t, queue.ChecksumValid(repaired))
	assert.Equal(t, testNowMS, repaired.LastValidatedMS)

	// A second pass is clean.
	assert.True(t, v.Check(repaired).Valid())
}

func TestRepairOrphanedCurrentResetsState(t *testing.T) {
	v := testValidator()
	q := validQueue()
	cur := queuedTask("orphan")
	cur.PlayerID = "someone-else"
	q.CurrentTask = cur
	q.IsRunning = true
	q.Checksum = queue.Checksum(q)

	report := v.Check(q)
	require.True(t, report.HasCode(CodeOrphanedCurrentTask))

	repaired, actions := v.Repair(q, report)
	assert.Contains(t, actions, ActionResetState)
	assert.Nil(t, repaired.CurrentTask)
	assert.False(t, repaired.IsRunning)
	assert.True(t, v.Check(repaired).Valid())
}

func TestRepairNegativeStatsAndDuplicates(t *testing.T) {
	v := testValidator()
	q := validQueue()
	q.Totals.TasksCompleted = -5
	q.Totals.TimeSpentMS = -1
	q.QueuedTasks = []*queue.Task{queuedTask("a"), queuedTask("a"), queuedTask("b")}
	q.Checksum = queue.Checksum(q)

	report := v.Check(q)
	repaired, actions := v.Repair(q, report)

	assert.Contains(t, actions, ActionRecalculateStats)
	assert.Contains(t, actions, ActionRemoveInvalidTask)
	assert.EqualValues(t, 0, repaired.Totals.TasksCompleted)
	assert.EqualValues(t, 0, repaired.Totals.TimeSpentMS)
	require.Len(t, repaired.QueuedTasks, 2)
	assert.True(t, v.Check(repaired).Valid())
}

func TestRepairTrimsHistory(t *testing.T) {
	v := testValidator()
	q := validQueue()
	q.Config.MaxHistorySize = 2
	for i := 0; i < 6; i++ {
		q.History = append(q.History, queue.Event{TimestampMS: int64(i)})
	}
	q.Checksum = queue.Checksum(q)

	report := v.Check(q)
	repaired, actions := v.Repair(q, report)
	assert.Contains(t, actions, ActionTrimHistory)
	// Repair appends its own event after trimming; the newest entries win.
	require.NotEmpty(t, repaired.History)
	assert.LessOrEqual(t, len(repaired.History), 3)
}
