package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryConditionalPutCreate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.ConditionalPut(ctx, "k", []byte("v1"), nil, 0, 1))

	rec, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), rec.Blob)
	assert.EqualValues(t, 1, rec.Version)

	// Creating again must conflict.
	err = s.ConditionalPut(ctx, "k", []byte("v2"), nil, 0, 1)
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestMemoryConditionalPutVersionCheck(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.ConditionalPut(ctx, "k", []byte("v1"), nil, 0, 1))
	require.NoError(t, s.ConditionalPut(ctx, "k", []byte("v2"), nil, 1, 2))

	err := s.ConditionalPut(ctx, "k", []byte("v3"), nil, 1, 2)
	assert.ErrorIs(t, err, ErrVersionConflict)

	rec, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), rec.Blob)
	assert.EqualValues(t, 2, rec.Version)
}

func TestMemoryGetMissing(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryPutTTLExpires(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k", []byte("v"), nil, 10*time.Millisecond))
	_, err := s.Get(ctx, "k")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryQueryByIndex(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i, player := range []string{"a", "b", "c"} {
		attrs := map[string]string{
			"player_id":    "p1",
			"timestamp_ms": SortableMS(int64(1000 + i)),
		}
		require.NoError(t, s.Put(ctx, Key(ResourceSnapshot, player), []byte(player), attrs, 0))
	}
	require.NoError(t, s.Put(ctx, Key(ResourceSnapshot, "other"), []byte("x"),
		map[string]string{"player_id": "p2", "timestamp_ms": SortableMS(5000)}, 0))

	recs, err := s.QueryByIndex(ctx, IndexSnapshotsByPlayer, "p1", &SortRange{Descending: true}, 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []byte("c"), recs[0].Blob)
	assert.Equal(t, []byte("a"), recs[2].Blob)

	limited, err := s.QueryByIndex(ctx, IndexSnapshotsByPlayer, "p1", &SortRange{Descending: true}, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	asc, err := s.QueryByIndex(ctx, IndexSnapshotsByPlayer, "p1", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), asc[0].Blob)
}

func TestMemoryQueryByIndexRange(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		attrs := map[string]string{
			"player_id":    "p1",
			"timestamp_ms": SortableMS(int64(i * 100)),
		}
		require.NoError(t, s.Put(ctx, Key(ResourceSnapshot, SortableMS(int64(i))), []byte{byte(i)}, attrs, 0))
	}

	recs, err := s.QueryByIndex(ctx, IndexSnapshotsByPlayer, "p1",
		&SortRange{Min: SortableMS(100), Max: SortableMS(300)}, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestMemoryDelete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.ConditionalPut(ctx, "k", []byte("v"), nil, 0, 1))
	require.NoError(t, s.Delete(ctx, "k"))
	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, s.Delete(ctx, "k"), "deleting an absent key is not an error")
}

func TestSortableMSOrdersLexicographically(t *testing.T) {
	assert.Less(t, SortableMS(999), SortableMS(1000))
	assert.Less(t, SortableMS(0), SortableMS(1))
}
