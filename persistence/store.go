// Package persistence implements the atomic queue save path: load,
// mutate in memory, conditionally write on the stored version. Version
// conflicts are consumed here by reloading and replaying the mutation;
// every other failure bubbles up.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/macaw2000/taskforge/observability"
	"github.com/macaw2000/taskforge/queue"
	"github.com/macaw2000/taskforge/store"
	"github.com/macaw2000/taskforge/taskerr"
	"github.com/macaw2000/taskforge/validation"
)

// Snapshotter is the hook the snapshot store registers so saves can
// capture state before risky updates without a package cycle.
type Snapshotter interface {
	SnapshotBeforeUpdate(ctx context.Context, q *queue.TaskQueue) error
}

// SaveOptions control one pass through the save algorithm.
type SaveOptions struct {
	CreateSnapshot     bool
	ValidateBeforeSave bool
}

// Mutator rewrites a freshly loaded queue in memory. It is replayed
// against the latest state after a version conflict, so it must be
// safe to call more than once.
type Mutator func(q *queue.TaskQueue) error

// Store is the persistence layer over a KV backend.
type Store struct {
	kv        store.KV
	validator *validation.Validator
	snapshots Snapshotter
	log       *logrus.Entry

	maxRetries int
	baseDelay  time.Duration
	clock      func() int64
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock (tests).
func WithClock(clock func() int64) Option {
	return func(s *Store) { s.clock = clock }
}

// WithRetries overrides the conflict retry budget and base delay.
func WithRetries(max int, base time.Duration) Option {
	return func(s *Store) { s.maxRetries = max; s.baseDelay = base }
}

// New builds a persistence Store.
func New(kv store.KV, validator *validation.Validator, log *logrus.Entry, opts ...Option) *Store {
	s := &Store{
		kv:         kv,
		validator:  validator,
		log:        log,
		maxRetries: 3,
		baseDelay:  50 * time.Millisecond,
		clock:      func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetSnapshotter registers the before-update snapshot hook. The
// snapshot store calls this once at wiring time.
func (s *Store) SetSnapshotter(snap Snapshotter) { s.snapshots = snap }

// Load reads a queue with a strongly-consistent get and validates it
// immediately. A repairable queue is repaired, persisted and returned;
// an unrepairable one surfaces PER_QUEUE_UNREPAIRABLE.
func (s *Store) Load(ctx context.Context, playerID string) (*queue.TaskQueue, error) {
	rec, err := s.kv.Get(ctx, store.Key(store.ResourceQueue, playerID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, taskerr.Wrap(taskerr.CodePerNotFound, "queue not found for "+playerID, err)
		}
		return nil, taskerr.Wrap(taskerr.CodeNetConnectionFailed, "load queue", err)
	}

	q, err := queue.UnmarshalTaskQueue(rec.Blob)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.CodeSysCorruption, "decode queue blob", err)
	}
	// The stored version is authoritative over whatever the blob says.
	q.Version = rec.Version

	report := s.validator.Check(q)
	if report.Valid() {
		return q, nil
	}
	if !report.CanRepair {
		return nil, taskerr.New(taskerr.CodePerUnrepairable,
			fmt.Sprintf("queue for %s has critical integrity errors", playerID))
	}

	repaired, actions := s.validator.Repair(q, report)
	s.log.WithFields(logrus.Fields{
		"player_id": playerID,
		"actions":   actions,
		"score":     report.IntegrityScore,
	}).Warn("repaired queue on load")

	if err := s.Save(ctx, repaired, SaveOptions{CreateSnapshot: true}); err != nil {
		return nil, err
	}
	return repaired, nil
}

// LoadOrCreate loads the player's queue, creating and persisting an
// empty one on first interaction.
func (s *Store) LoadOrCreate(ctx context.Context, playerID string) (*queue.TaskQueue, error) {
	q, err := s.Load(ctx, playerID)
	if err == nil {
		return q, nil
	}
	if !taskerr.IsCode(err, taskerr.CodePerNotFound) {
		return nil, err
	}

	q = queue.NewTaskQueue(playerID, s.clock())
	if err := s.Save(ctx, q, SaveOptions{}); err != nil {
		// A racing creator got there first.
		if taskerr.IsCode(err, taskerr.CodePerVersionConflict) {
			return s.Load(ctx, playerID)
		}
		return nil, err
	}
	return q, nil
}

// Save runs one conditional write of q at its current version. On
// success q is updated in place with the new version, checksum and
// timestamps. A conflicting writer surfaces PER_VERSION_CONFLICT for
// the caller (AtomicUpdate) to consume.
func (s *Store) Save(ctx context.Context, q *queue.TaskQueue, opts SaveOptions) error {
	if opts.CreateSnapshot && s.snapshots != nil {
		// Best effort: a failed snapshot must not block the save.
		if err := s.snapshots.SnapshotBeforeUpdate(ctx, q); err != nil {
			s.log.WithError(err).WithField("player_id", q.PlayerID).Warn("pre-save snapshot failed")
		}
	}

	if opts.ValidateBeforeSave {
		report := s.validator.Check(q)
		for _, issue := range report.Issues {
			if issue.Severity != validation.SeverityCritical {
				// Anything below critical is repairable on the next load.
				continue
			}
			return taskerr.New(taskerr.CodeSysCorruption,
				fmt.Sprintf("refusing to save queue with %s: %s", issue.Code, issue.Message))
		}
	}

	now := s.clock()
	next := q.Clone()
	next.Version = q.Version + 1
	next.LastUpdatedMS = now
	next.LastValidatedMS = now
	next.Checksum = queue.Checksum(next)

	blob, err := next.Marshal()
	if err != nil {
		return taskerr.Wrap(taskerr.CodeSysInternal, "encode queue", err)
	}

	err = s.kv.ConditionalPut(ctx, store.Key(store.ResourceQueue, q.PlayerID),
		blob, IndexAttrs(next), q.Version, next.Version)
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			observability.SaveAttempts.WithLabelValues("conflict").Inc()
			return taskerr.Wrap(taskerr.CodePerVersionConflict, "queue changed concurrently", err)
		}
		observability.SaveAttempts.WithLabelValues("error").Inc()
		if ctx.Err() != nil {
			return taskerr.Wrap(taskerr.CodeTimDeadline, "save deadline exceeded", err)
		}
		return taskerr.Wrap(taskerr.CodeNetConnectionFailed, "save queue", err)
	}

	observability.SaveAttempts.WithLabelValues("ok").Inc()
	*q = *next
	return nil
}

// AtomicUpdate loads the queue, applies mutate, and saves, retrying
// the whole cycle with exponential backoff while the conditional write
// keeps losing. Retries exhausted surface PER_RETRIES_EXHAUSTED.
func (s *Store) AtomicUpdate(ctx context.Context, playerID string, mutate Mutator, opts SaveOptions) (*queue.TaskQueue, error) {
	start := time.Now()
	defer func() {
		observability.SaveDuration.Observe(time.Since(start).Seconds())
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.baseDelay
	bo.RandomizationFactor = 0.2
	bo.Multiplier = 2

	for attempt := 0; ; attempt++ {
		q, err := s.LoadOrCreate(ctx, playerID)
		if err != nil {
			return nil, err
		}

		if err := mutate(q); err != nil {
			return nil, err
		}

		err = s.Save(ctx, q, opts)
		if err == nil {
			return q, nil
		}
		if !taskerr.IsCode(err, taskerr.CodePerVersionConflict) {
			return nil, err
		}
		if attempt+1 >= s.maxRetries {
			return nil, taskerr.Wrap(taskerr.CodePerRetriesExhausted,
				fmt.Sprintf("save for %s lost %d version races", playerID, s.maxRetries), err)
		}

		select {
		case <-ctx.Done():
			return nil, taskerr.Wrap(taskerr.CodeTimDeadline, "atomic update cancelled", ctx.Err())
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// Replace overwrites the player's stored queue wholesale, skipping
// load-time validation: the stored record may be the very corruption
// being recovered from. Only restore paths use this. On success
// replacement carries the new version.
func (s *Store) Replace(ctx context.Context, replacement *queue.TaskQueue) error {
	key := store.Key(store.ResourceQueue, replacement.PlayerID)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.baseDelay
	bo.RandomizationFactor = 0.2

	for attempt := 0; ; attempt++ {
		var storedVersion int64
		rec, err := s.kv.Get(ctx, key)
		switch {
		case err == nil:
			storedVersion = rec.Version
		case errors.Is(err, store.ErrNotFound):
			storedVersion = 0
		default:
			return taskerr.Wrap(taskerr.CodeNetConnectionFailed, "load queue version", err)
		}

		next := replacement.Clone()
		next.Version = storedVersion
		err = s.Save(ctx, next, SaveOptions{})
		if err == nil {
			*replacement = *next
			return nil
		}
		if !taskerr.IsCode(err, taskerr.CodePerVersionConflict) {
			return err
		}
		if attempt+1 >= s.maxRetries {
			return taskerr.Wrap(taskerr.CodePerRetriesExhausted,
				"replace for "+replacement.PlayerID+" lost repeated version races", err)
		}
		select {
		case <-ctx.Done():
			return taskerr.Wrap(taskerr.CodeTimDeadline, "replace cancelled", ctx.Err())
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// Delete removes a queue record. Used only by tests and operational
// tooling; live queues are never destroyed.
func (s *Store) Delete(ctx context.Context, playerID string) error {
	return s.kv.Delete(ctx, store.Key(store.ResourceQueue, playerID))
}

// FindQueues returns raw queue records matching a state partition
// ("true"/"false" on is_running), newest-processed last.
func (s *Store) FindQueues(ctx context.Context, running bool, limit int) ([]*queue.TaskQueue, error) {
	partition := "false"
	if running {
		partition = "true"
	}
	recs, err := s.kv.QueryByIndex(ctx, store.IndexQueuesByState, partition, nil, limit)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.CodeNetConnectionFailed, "query queues by state", err)
	}
	out := make([]*queue.TaskQueue, 0, len(recs))
	for _, rec := range recs {
		q, err := queue.UnmarshalTaskQueue(rec.Blob)
		if err != nil {
			s.log.WithError(err).WithField("key", rec.Key).Warn("skipping undecodable queue record")
			continue
		}
		q.Version = rec.Version
		out = append(out, q)
	}
	return out, nil
}
