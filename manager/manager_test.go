package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macaw2000/taskforge/persistence"
	"github.com/macaw2000/taskforge/queue"
	"github.com/macaw2000/taskforge/store"
	"github.com/macaw2000/taskforge/taskerr"
	"github.com/macaw2000/taskforge/validation"
)

const testNowMS = int64(1_700_000_000_000)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(l)
}

func testManager(t *testing.T) *Manager {
	t.Helper()
	kv := store.NewMemoryStore()
	validator := validation.New(func() int64 { return testNowMS })
	ps := persistence.New(kv, validator, testLog(),
		persistence.WithClock(func() int64 { return testNowMS }),
		persistence.WithRetries(5, time.Millisecond))
	m := New(ps, validator, testLog())
	m.SetClock(func() int64 { return testNowMS })
	return m
}

func harvestTask(id string, priority int) *queue.Task {
	return &queue.Task{
		ID:         id,
		Type:       queue.TaskHarvesting,
		Name:       "harvest " + id,
		DurationMS: 30_000,
		Priority:   priority,
		Activity: queue.ActivityData{
			Harvesting: &queue.HarvestingData{ActivityID: "copper", ResourceType: "ore", BaseRate: 10, SkillLevel: 10},
		},
	}
}

func TestAddTaskAutoStarts(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	q, err := m.AddTask(ctx, "p1", harvestTask("t1", 5))
	require.NoError(t, err)

	require.NotNil(t, q.CurrentTask)
	assert.Equal(t, "t1", q.CurrentTask.ID)
	assert.True(t, q.IsRunning)
	assert.Empty(t, q.QueuedTasks)
	assert.Equal(t, testNowMS, q.CurrentTask.StartTimeMS)
}

func TestAddTaskQueuesBehindCurrent(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	_, err := m.AddTask(ctx, "p1", harvestTask("t1", 0))
	require.NoError(t, err)
	q, err := m.AddTask(ctx, "p1", harvestTask("t2", 0))
	require.NoError(t, err)

	assert.Equal(t, "t1", q.CurrentTask.ID)
	require.Len(t, q.QueuedTasks, 1)
	assert.Equal(t, "t2", q.QueuedTasks[0].ID)
}

func TestAddTaskValidation(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	bad := harvestTask("t1", 0)
	bad.DurationMS = 0
	_, err := m.AddTask(ctx, "p1", bad)
	assert.True(t, taskerr.IsCode(err, taskerr.CodeValBadDuration))

	badType := harvestTask("t2", 0)
	badType.Type = "gardening"
	_, err = m.AddTask(ctx, "p1", badType)
	assert.True(t, taskerr.IsCode(err, taskerr.CodeValBadEnum))

	badProgress := harvestTask("t3", 0)
	badProgress.Progress = 1.5
	_, err = m.AddTask(ctx, "p1", badProgress)
	assert.True(t, taskerr.IsCode(err, taskerr.CodeValBadProgress))

	unmet := harvestTask("t4", 0)
	unmet.Prerequisites = []queue.Prerequisite{{Kind: queue.PrereqLevel, Name: "level", Required: 10, Actual: 3}}
	_, err = m.AddTask(ctx, "p1", unmet)
	assert.True(t, taskerr.IsCode(err, taskerr.CodeBusPrerequisite))

	starved := harvestTask("t5", 0)
	starved.Resources = []queue.ResourceRequirement{{ResourceID: "wood", Required: 5, Available: 1}}
	_, err = m.AddTask(ctx, "p1", starved)
	assert.True(t, taskerr.IsCode(err, taskerr.CodeBusInsufficientRes))
}

func TestAddTaskQueueFullBoundary(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	small := 3
	_, err := m.UpdateConfig(ctx, "p1", ConfigPatch{MaxQueueSize: &small})
	require.NoError(t, err)

	// One current plus exactly max queued.
	for i := 0; i <= small; i++ {
		_, err := m.AddTask(ctx, "p1", harvestTask(taskID(i), 0))
		require.NoError(t, err)
	}
	_, err = m.AddTask(ctx, "p1", harvestTask("overflow", 0))
	assert.True(t, taskerr.IsCode(err, taskerr.CodeBusQueueFull))
}

func taskID(i int) string { return string(rune('a' + i)) }

func TestAddTaskDurationLimits(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	long := harvestTask("long", 0)
	long.DurationMS = 86_400_001
	_, err := m.AddTask(ctx, "p1", long)
	assert.True(t, taskerr.IsCode(err, taskerr.CodeBusTaskTooLong))

	limit := int64(50_000)
	_, err = m.UpdateConfig(ctx, "p1", ConfigPatch{MaxTotalQueueDurationMS: &limit, MaxTaskDurationMS: &limit})
	require.NoError(t, err)
	_, err = m.AddTask(ctx, "p1", harvestTask("a", 0)) // becomes current
	require.NoError(t, err)
	_, err = m.AddTask(ctx, "p1", harvestTask("b", 0)) // 30s queued
	require.NoError(t, err)
	_, err = m.AddTask(ctx, "p1", harvestTask("c", 0)) // would exceed 50s queued
	assert.True(t, taskerr.IsCode(err, taskerr.CodeBusDurationExceeded))
}

func TestPriorityInsertionScenario(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	on := true
	_, err := m.UpdateConfig(ctx, "p1", ConfigPatch{PriorityHandling: &on})
	require.NoError(t, err)

	_, err = m.AddTask(ctx, "p1", harvestTask("x", 9)) // running current
	require.NoError(t, err)
	_, err = m.AddTask(ctx, "p1", harvestTask("a", 1))
	require.NoError(t, err)
	_, err = m.AddTask(ctx, "p1", harvestTask("b", 1))
	require.NoError(t, err)

	q, err := m.AddTask(ctx, "p1", harvestTask("c", 5))
	require.NoError(t, err)

	assert.Equal(t, "x", q.CurrentTask.ID)
	require.Len(t, q.QueuedTasks, 3)
	assert.Equal(t, "c", q.QueuedTasks[0].ID)
	assert.Equal(t, "a", q.QueuedTasks[1].ID)
	assert.Equal(t, "b", q.QueuedTasks[2].ID)
}

func TestConcurrentAddsBothLand(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	_, err := m.Get(ctx, "p1")
	require.NoError(t, err)
	before, err := m.Get(ctx, "p1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, id := range []string{"left", "right"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := m.AddTask(ctx, "p1", harvestTask(id, 0))
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	after, err := m.Get(ctx, "p1")
	require.NoError(t, err)
	ids := map[string]int{}
	for _, id := range after.TaskIDs() {
		ids[id]++
	}
	assert.Equal(t, 1, ids["left"])
	assert.Equal(t, 1, ids["right"])
	assert.Equal(t, before.Version+2, after.Version)
}

func TestPauseResumeForce(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	_, err := m.AddTask(ctx, "p1", harvestTask("t1", 0))
	require.NoError(t, err)

	q, err := m.Pause(ctx, "p1", "stuck in combat", false)
	require.NoError(t, err)
	assert.True(t, q.IsPaused)
	assert.False(t, q.CanResume)

	_, err = m.Resume(ctx, "p1", false)
	assert.True(t, taskerr.IsCode(err, taskerr.CodeBusResumeForbidden))

	q, err = m.Resume(ctx, "p1", true)
	require.NoError(t, err)
	assert.False(t, q.IsPaused)
	assert.True(t, q.IsRunning)
}

func TestPauseAlreadyPausedIsWarningOnly(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	_, err := m.Pause(ctx, "p1", "first", true)
	require.NoError(t, err)
	q, err := m.Pause(ctx, "p1", "second", true)
	require.NoError(t, err)
	assert.Equal(t, "first", q.PauseReason)
}

func TestRemoveTaskAdvancesCurrent(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	_, err := m.AddTask(ctx, "p1", harvestTask("t1", 0))
	require.NoError(t, err)
	_, err = m.AddTask(ctx, "p1", harvestTask("t2", 0))
	require.NoError(t, err)

	q, err := m.RemoveTask(ctx, "p1", "t1")
	require.NoError(t, err)
	require.NotNil(t, q.CurrentTask)
	assert.Equal(t, "t2", q.CurrentTask.ID)
	assert.Empty(t, q.QueuedTasks)
}

func TestClear(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	_, err := m.AddTask(ctx, "p1", harvestTask("t1", 0))
	require.NoError(t, err)
	q, err := m.Clear(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, q.CurrentTask)
	assert.False(t, q.IsRunning)
	assert.False(t, q.IsPaused)
}

func TestUpdateConfigTruncatesQueue(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	for _, id := range []string{"cur", "q1", "q2", "q3"} {
		_, err := m.AddTask(ctx, "p1", harvestTask(id, 0))
		require.NoError(t, err)
	}

	one := 1
	q, err := m.UpdateConfig(ctx, "p1", ConfigPatch{MaxQueueSize: &one})
	require.NoError(t, err)
	require.Len(t, q.QueuedTasks, 1)
	assert.Equal(t, "q1", q.QueuedTasks[0].ID)
}

func TestUpdateConfigRejectsInvalid(t *testing.T) {
	m := testManager(t)
	zero := 0
	_, err := m.UpdateConfig(context.Background(), "p1", ConfigPatch{MaxQueueSize: &zero})
	assert.True(t, taskerr.IsCode(err, taskerr.CodeValConfigInvalid))
}

func TestOverloadRefusesAdds(t *testing.T) {
	m := testManager(t)
	m.SetOverloadCheck(func() bool { return true })
	_, err := m.AddTask(context.Background(), "p1", harvestTask("t1", 0))
	assert.True(t, taskerr.IsCode(err, taskerr.CodeResOverloaded))
}

func TestStatisticsAndCache(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	_, err := m.AddTask(ctx, "p1", harvestTask("t1", 0))
	require.NoError(t, err)
	_, err = m.AddTask(ctx, "p1", harvestTask("t2", 0))
	require.NoError(t, err)

	stats, err := m.Statistics(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.QueuedCount)
	assert.Equal(t, "t1", stats.CurrentTaskID)
	assert.EqualValues(t, 0, stats.TasksCompleted)
	assert.InDelta(t, 0.0, stats.CompletionRate, 0.0001)

	// Cached until the next mutation.
	again, err := m.Statistics(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, stats.ComputedAtMS, again.ComputedAtMS)
}

func TestStatisticsDerivation(t *testing.T) {
	q := queue.NewTaskQueue("p1", testNowMS-100_000)
	q.Totals.TasksCompleted = 3
	q.Totals.TimeSpentMS = 60_000
	q.TotalPauseTimeMS = 20_000
	q.QueuedTasks = []*queue.Task{{ID: "a", DurationMS: 10_000, RetryCount: 2}}

	s := computeStatistics(q, testNowMS)
	// uptime = 100000 - 20000 = 80000; utilization = 60000/80000 = 0.75
	// completion_rate = 3/4; efficiency = 0.6*0.75 + 0.4*0.75 = 0.75
	assert.EqualValues(t, 80_000, s.UptimeMS)
	assert.InDelta(t, 0.75, s.CompletionRate, 0.0001)
	assert.InDelta(t, 0.75, s.EfficiencyScore, 0.0001)
	assert.InDelta(t, 0.5, s.ErrorRate, 0.0001)
	assert.EqualValues(t, 20_000, s.AverageTaskDurationMS)
	assert.Equal(t, testNowMS+10_000, s.EstimatedCompletionMS)
}

func TestHealthReport(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	h, err := m.Health(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, HealthHealthy, h.Overall)
	assert.Equal(t, 100, h.IntegrityScore)

	_, err = m.Pause(ctx, "p1", "System overload", false)
	require.NoError(t, err)
	h, err = m.Health(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, HealthWarning, h.Overall)
	assert.NotEmpty(t, h.Recommendations)
}
