// Package snapshot keeps point-in-time compressed copies of queues
// for restore. Snapshots carry a 30-day TTL and are pruned to a
// per-player bound after every write.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/macaw2000/taskforge/observability"
	"github.com/macaw2000/taskforge/persistence"
	"github.com/macaw2000/taskforge/queue"
	"github.com/macaw2000/taskforge/store"
	"github.com/macaw2000/taskforge/taskerr"
)

// Reason records why a snapshot was taken.
type Reason string

const (
	ReasonPeriodic     Reason = "periodic"
	ReasonBeforeUpdate Reason = "before-update"
	ReasonManual       Reason = "manual"
	ReasonRecovery     Reason = "recovery"
)

// TTL is how long a snapshot survives before the store expires it.
const TTL = 30 * 24 * time.Hour

// Bounds applied when compressing a queue into a snapshot.
const (
	keepHistoryEntries = 5
	keepRewardEntries  = 100
)

// Snapshot is a frozen copy of a queue.
type Snapshot struct {
	ID            string           `json:"snapshot_id"`
	PlayerID      string           `json:"player_id"`
	TimestampMS   int64            `json:"timestamp_ms"`
	Reason        Reason           `json:"reason"`
	SchemaVersion int              `json:"schema_version"`
	Checksum      string           `json:"checksum"`
	Queue         *queue.TaskQueue `json:"queue"`
}

// Store writes and restores snapshots.
type Store struct {
	kv           store.KV
	queues       *persistence.Store
	log          *logrus.Entry
	clock        func() int64
	maxSnapshots int
}

// New builds a snapshot Store and registers it as the persistence
// layer's before-update hook.
func New(kv store.KV, queues *persistence.Store, log *logrus.Entry, maxSnapshots int) *Store {
	if maxSnapshots <= 0 {
		maxSnapshots = queue.DefaultConfig().MaxSnapshots
	}
	s := &Store{
		kv:           kv,
		queues:       queues,
		log:          log,
		clock:        func() int64 { return time.Now().UnixMilli() },
		maxSnapshots: maxSnapshots,
	}
	queues.SetSnapshotter(s)
	return s
}

// SetClock overrides the wall clock (tests).
func (s *Store) SetClock(clock func() int64) { s.clock = clock }

// Create freezes q into a new snapshot and prunes old ones.
func (s *Store) Create(ctx context.Context, q *queue.TaskQueue, reason Reason) (*Snapshot, error) {
	now := s.clock()
	snap := &Snapshot{
		ID:            uuid.NewString(),
		PlayerID:      q.PlayerID,
		TimestampMS:   now,
		Reason:        reason,
		SchemaVersion: q.SchemaVersion,
		Checksum:      queue.Checksum(q),
		Queue:         compress(q),
	}

	blob, err := json.Marshal(snap)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.CodeSysInternal, "encode snapshot", err)
	}

	attrs := map[string]string{
		"player_id":    q.PlayerID,
		"timestamp_ms": store.SortableMS(now),
		"reason":       string(reason),
	}
	if err := s.kv.Put(ctx, store.Key(store.ResourceSnapshot, snap.ID), blob, attrs, TTL); err != nil {
		return nil, taskerr.Wrap(taskerr.CodeNetConnectionFailed, "write snapshot", err)
	}
	observability.SnapshotsWritten.WithLabelValues(string(reason)).Inc()

	if err := s.prune(ctx, q.PlayerID); err != nil {
		s.log.WithError(err).WithField("player_id", q.PlayerID).Warn("snapshot pruning failed")
	}
	return snap, nil
}

// SnapshotBeforeUpdate implements persistence.Snapshotter.
func (s *Store) SnapshotBeforeUpdate(ctx context.Context, q *queue.TaskQueue) error {
	_, err := s.Create(ctx, q, ReasonBeforeUpdate)
	return err
}

// Get fetches one snapshot by id.
func (s *Store) Get(ctx context.Context, snapshotID string) (*Snapshot, error) {
	rec, err := s.kv.Get(ctx, store.Key(store.ResourceSnapshot, snapshotID))
	if err != nil {
		return nil, taskerr.Wrap(taskerr.CodePerSnapshotNotFound, "snapshot "+snapshotID, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(rec.Blob, &snap); err != nil {
		return nil, taskerr.Wrap(taskerr.CodeSysCorruption, "decode snapshot "+snapshotID, err)
	}
	return &snap, nil
}

// List returns a player's snapshots, newest first.
func (s *Store) List(ctx context.Context, playerID string, limit int) ([]*Snapshot, error) {
	recs, err := s.kv.QueryByIndex(ctx, store.IndexSnapshotsByPlayer, playerID,
		&store.SortRange{Descending: true}, limit)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.CodeNetConnectionFailed, "list snapshots", err)
	}
	out := make([]*Snapshot, 0, len(recs))
	for _, rec := range recs {
		var snap Snapshot
		if err := json.Unmarshal(rec.Blob, &snap); err != nil {
			s.log.WithError(err).WithField("key", rec.Key).Warn("skipping undecodable snapshot")
			continue
		}
		out = append(out, &snap)
	}
	return out, nil
}

// Restore rehydrates a snapshot into the player's live queue and
// persists it. The save sequences the restored contents after whatever
// version is currently stored; the snapshot's own version is not reused.
func (s *Store) Restore(ctx context.Context, snapshotID, playerID string) (*queue.TaskQueue, error) {
	snap, err := s.Get(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	if snap.PlayerID != playerID {
		return nil, taskerr.New(taskerr.CodePerSnapshotMismatch,
			fmt.Sprintf("snapshot %s belongs to another player", snapshotID))
	}

	restored := decompress(snap.Queue)
	restored.LastUpdatedMS = s.clock()
	restored.RecordEvent(queue.Event{
		Type:        queue.EventRestored,
		TimestampMS: s.clock(),
		Detail:      snapshotID,
	})

	// Replace skips load-time validation: the live record may be the
	// corruption this restore is recovering from.
	if err := s.queues.Replace(ctx, restored); err != nil {
		return nil, err
	}
	return restored, nil
}

// prune deletes the oldest snapshots past the per-player bound.
func (s *Store) prune(ctx context.Context, playerID string) error {
	recs, err := s.kv.QueryByIndex(ctx, store.IndexSnapshotsByPlayer, playerID,
		&store.SortRange{Descending: true}, 0)
	if err != nil {
		return err
	}
	for _, rec := range recs[min(len(recs), s.maxSnapshots):] {
		if err := s.kv.Delete(ctx, rec.Key); err != nil {
			return err
		}
	}
	return nil
}

// compress bounds the queue's unbounded collections for storage.
func compress(q *queue.TaskQueue) *queue.TaskQueue {
	c := q.Clone()
	if len(c.History) > keepHistoryEntries {
		c.History = c.History[len(c.History)-keepHistoryEntries:]
	}
	if len(c.Totals.RewardsEarned) > keepRewardEntries {
		c.Totals.RewardsEarned = c.Totals.RewardsEarned[len(c.Totals.RewardsEarned)-keepRewardEntries:]
	}
	return c
}

// decompress re-initializes the trimmed collections on the way back.
func decompress(q *queue.TaskQueue) *queue.TaskQueue {
	c := q.Clone()
	c.History = []queue.Event{}
	if c.QueuedTasks == nil {
		c.QueuedTasks = []*queue.Task{}
	}
	return c
}
