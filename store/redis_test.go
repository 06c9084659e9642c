package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRedis(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	s, err := NewRedisStore(mr.Addr(), "", 0, logrus.NewEntry(l))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRedisConditionalPutCreateAndConflict(t *testing.T) {
	s := testRedis(t)
	ctx := context.Background()

	attrs := map[string]string{"is_running": "true", "last_processed": "2026-01-01T00:00:00Z"}
	require.NoError(t, s.ConditionalPut(ctx, "taskforge:queues:p1", []byte("v1"), attrs, 0, 1))

	rec, err := s.Get(ctx, "taskforge:queues:p1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), rec.Blob)
	assert.EqualValues(t, 1, rec.Version)
	assert.Equal(t, "true", rec.Attrs["is_running"])

	err = s.ConditionalPut(ctx, "taskforge:queues:p1", []byte("v2"), attrs, 0, 1)
	assert.ErrorIs(t, err, ErrVersionConflict)

	err = s.ConditionalPut(ctx, "taskforge:queues:p1", []byte("v2"), attrs, 5, 6)
	assert.ErrorIs(t, err, ErrVersionConflict)

	require.NoError(t, s.ConditionalPut(ctx, "taskforge:queues:p1", []byte("v2"), attrs, 1, 2))
	rec, err = s.Get(ctx, "taskforge:queues:p1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, rec.Version)
}

func TestRedisGetMissing(t *testing.T) {
	s := testRedis(t)
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisIndexQueryByPartition(t *testing.T) {
	s := testRedis(t)
	ctx := context.Background()

	put := func(id string, running string, ts int64) {
		attrs := map[string]string{
			"is_running":     running,
			"last_processed": "2026-01-01T00:00:00Z",
			"player_id":      id,
			"timestamp_ms":   SortableMS(ts),
		}
		require.NoError(t, s.ConditionalPut(ctx, Key(ResourceQueue, id), []byte(id), attrs, 0, 1))
	}
	put("a", "true", 100)
	put("b", "true", 200)
	put("c", "false", 300)

	running, err := s.QueryByIndex(ctx, IndexQueuesByState, "true", nil, 0)
	require.NoError(t, err)
	assert.Len(t, running, 2)

	idle, err := s.QueryByIndex(ctx, IndexQueuesByState, "false", nil, 0)
	require.NoError(t, err)
	require.Len(t, idle, 1)
	assert.Equal(t, []byte("c"), idle[0].Blob)
}

func TestRedisIndexFollowsPartitionMove(t *testing.T) {
	s := testRedis(t)
	ctx := context.Background()

	attrs := map[string]string{"is_running": "true", "last_processed": "2026-01-01T00:00:00Z"}
	require.NoError(t, s.ConditionalPut(ctx, Key(ResourceQueue, "p1"), []byte("v1"), attrs, 0, 1))

	attrs["is_running"] = "false"
	require.NoError(t, s.ConditionalPut(ctx, Key(ResourceQueue, "p1"), []byte("v2"), attrs, 1, 2))

	running, err := s.QueryByIndex(ctx, IndexQueuesByState, "true", nil, 0)
	require.NoError(t, err)
	assert.Empty(t, running)

	idle, err := s.QueryByIndex(ctx, IndexQueuesByState, "false", nil, 0)
	require.NoError(t, err)
	assert.Len(t, idle, 1)
}

func TestRedisSnapshotOrderingDescending(t *testing.T) {
	s := testRedis(t)
	ctx := context.Background()

	for i, id := range []string{"old", "mid", "new"} {
		attrs := map[string]string{
			"player_id":    "p1",
			"timestamp_ms": SortableMS(int64(1000 * (i + 1))),
		}
		require.NoError(t, s.Put(ctx, Key(ResourceSnapshot, id), []byte(id), attrs, 0))
	}

	recs, err := s.QueryByIndex(ctx, IndexSnapshotsByPlayer, "p1", &SortRange{Descending: true}, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, []byte("new"), recs[0].Blob)
	assert.Equal(t, []byte("mid"), recs[1].Blob)
}

func TestRedisDeleteDropsIndexMembership(t *testing.T) {
	s := testRedis(t)
	ctx := context.Background()

	attrs := map[string]string{"player_id": "p1", "timestamp_ms": SortableMS(1000)}
	require.NoError(t, s.Put(ctx, Key(ResourceSnapshot, "snap"), []byte("v"), attrs, 0))
	require.NoError(t, s.Delete(ctx, Key(ResourceSnapshot, "snap")))

	_, err := s.Get(ctx, Key(ResourceSnapshot, "snap"))
	assert.ErrorIs(t, err, ErrNotFound)

	recs, err := s.QueryByIndex(ctx, IndexSnapshotsByPlayer, "p1", nil, 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRedisPutBumpsVersion(t *testing.T) {
	s := testRedis(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k", []byte("v1"), nil, 0))
	require.NoError(t, s.Put(ctx, "k", []byte("v2"), nil, 0))

	rec, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.EqualValues(t, 2, rec.Version)
	assert.Equal(t, []byte("v2"), rec.Blob)
}
