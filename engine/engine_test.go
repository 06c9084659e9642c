package engine

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macaw2000/taskforge/queue"
	"github.com/macaw2000/taskforge/recovery"
	"github.com/macaw2000/taskforge/rewards"
	"github.com/macaw2000/taskforge/snapshot"
	"github.com/macaw2000/taskforge/store"
	"github.com/macaw2000/taskforge/taskerr"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(l)
}

func testEngine(t *testing.T) *Engine {
	t.Helper()
	return New(store.NewMemoryStore(), rewards.NewStandard(), nil, nil, DefaultConfig(), testLog())
}

func harvestTask(id string) *queue.Task {
	return &queue.Task{
		ID:         id,
		Type:       queue.TaskHarvesting,
		Name:       "harvest " + id,
		DurationMS: 30_000,
		Activity: queue.ActivityData{
			Harvesting: &queue.HarvestingData{ActivityID: "copper", ResourceType: "ore", BaseRate: 10, SkillLevel: 10},
		},
	}
}

func TestEngineWiresComponents(t *testing.T) {
	e := testEngine(t)
	require.NotNil(t, e.Manager)
	require.NotNil(t, e.Scheduler)
	require.NotNil(t, e.Recovery)
	require.NotNil(t, e.Snapshots)
	require.NotNil(t, e.Runner)

	q, err := e.Manager.AddTask(context.Background(), "p1", harvestTask("t1"))
	require.NoError(t, err)
	assert.NotNil(t, q.CurrentTask)
}

func TestEngineRefusesAddsUnderSevereDegradation(t *testing.T) {
	e := testEngine(t)
	e.Monitor.ForceLevel(recovery.DegradationSevere)

	_, err := e.Manager.AddTask(context.Background(), "p1", harvestTask("t1"))
	assert.True(t, taskerr.IsCode(err, taskerr.CodeResOverloaded))

	e.Monitor.ForceLevel(recovery.DegradationNone)
	_, err = e.Manager.AddTask(context.Background(), "p1", harvestTask("t1"))
	assert.NoError(t, err)
}

func TestEngineAutoResumesOverloadPausedQueues(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	_, err := e.Manager.AddTask(ctx, "p1", harvestTask("t1"))
	require.NoError(t, err)
	_, err = e.Manager.Pause(ctx, "p1", "System overload", false)
	require.NoError(t, err)

	// Player-initiated pauses survive the auto-resume sweep.
	_, err = e.Manager.AddTask(ctx, "p2", harvestTask("t2"))
	require.NoError(t, err)
	_, err = e.Manager.Pause(ctx, "p2", "afk", true)
	require.NoError(t, err)

	e.resumeOverloadPaused(ctx)

	q1, err := e.Manager.Get(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, q1.IsPaused)
	assert.True(t, q1.IsRunning)

	q2, err := e.Manager.Get(ctx, "p2")
	require.NoError(t, err)
	assert.True(t, q2.IsPaused)
}

func TestEngineRecoveryPathEndToEnd(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	q, err := e.Manager.AddTask(ctx, "p1", harvestTask("t1"))
	require.NoError(t, err)
	_, err = e.Snapshots.Create(ctx, q, snapshot.ReasonManual)
	require.NoError(t, err)

	recovered, result, err := e.Recovery.Recover(ctx, "p1")
	require.NoError(t, err)
	assert.NotEmpty(t, result.Strategy)
	assert.Equal(t, "p1", recovered.PlayerID)
}
