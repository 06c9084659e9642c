package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/macaw2000/taskforge/persistence"
	"github.com/macaw2000/taskforge/queue"
	"github.com/macaw2000/taskforge/snapshot"
	"github.com/macaw2000/taskforge/store"
	"github.com/macaw2000/taskforge/taskerr"
)

// Runner executes migration definitions against stored queues and
// keeps durable run records.
type Runner struct {
	kv        store.KV
	queues    *persistence.Store
	snapshots *snapshot.Store
	registry  *Registry
	log       *logrus.Entry
	clock     func() int64

	// AbortOnError fails the whole run on the first queue error
	// instead of accumulating and continuing.
	AbortOnError bool
}

// NewRunner builds a migration Runner.
func NewRunner(kv store.KV, queues *persistence.Store, snapshots *snapshot.Store, registry *Registry, log *logrus.Entry) *Runner {
	return &Runner{
		kv:        kv,
		queues:    queues,
		snapshots: snapshots,
		registry:  registry,
		log:       log,
		clock:     func() int64 { return time.Now().UnixMilli() },
	}
}

// SetClock overrides the wall clock (tests).
func (r *Runner) SetClock(clock func() int64) { r.clock = clock }

// MigrateTo plans a chain from the given source schema version to the
// target and runs each step in order.
func (r *Runner) MigrateTo(ctx context.Context, from, to int) ([]*Record, error) {
	chain, err := r.registry.Plan(from, to)
	if err != nil {
		return nil, err
	}
	var records []*Record
	for _, def := range chain {
		rec, err := r.Run(ctx, def)
		if rec != nil {
			records = append(records, rec)
		}
		if err != nil {
			return records, err
		}
	}
	return records, nil
}

// Run applies one definition to every queue at its source schema
// version. Individual queue failures are accumulated; the run only
// fails wholesale when AbortOnError is set.
func (r *Runner) Run(ctx context.Context, def *Definition) (*Record, error) {
	rec := &Record{
		MigrationID:  uuid.NewString(),
		DefinitionID: def.ID,
		FromVersion:  def.FromVersion,
		ToVersion:    def.ToVersion,
		TimestampMS:  r.clock(),
		Status:       StatusInProgress,
	}
	if err := r.persistRecord(ctx, rec); err != nil {
		return nil, err
	}

	queues, err := r.scanAtSchema(ctx, def.FromVersion)
	if err != nil {
		rec.Status = StatusFailed
		rec.Error = err.Error()
		r.persistBestEffort(ctx, rec)
		return rec, err
	}

	var errs []string
	for _, playerID := range queues {
		if err := r.migrateQueue(ctx, playerID, def, false); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", playerID, err))
			if r.AbortOnError {
				break
			}
			continue
		}
		rec.AffectedPlayers = append(rec.AffectedPlayers, playerID)
	}

	if len(errs) > 0 {
		rec.Error = strings.Join(errs, "; ")
		if r.AbortOnError {
			rec.Status = StatusFailed
			r.persistBestEffort(ctx, rec)
			return rec, taskerr.New(taskerr.CodeSysInternal, "migration aborted: "+rec.Error)
		}
	}
	rec.Status = StatusCompleted
	if err := r.persistRecord(ctx, rec); err != nil {
		return rec, err
	}
	r.log.WithFields(logrus.Fields{
		"migration": def.ID,
		"affected":  len(rec.AffectedPlayers),
		"errors":    len(errs),
	}).Info("migration completed")
	return rec, nil
}

// RollbackRun reverses a completed run: the rollback transformer is
// applied to every affected queue now sitting at the target version.
func (r *Runner) RollbackRun(ctx context.Context, rec *Record) error {
	def := r.findDefinition(rec)
	if def == nil || def.Rollback == nil {
		return taskerr.New(taskerr.CodePerPlanImpossible,
			"migration "+rec.DefinitionID+" has no rollback transformer")
	}
	var errs []string
	for _, playerID := range rec.AffectedPlayers {
		if err := r.migrateQueue(ctx, playerID, def, true); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", playerID, err))
		}
	}
	if len(errs) > 0 {
		rec.Error = strings.Join(errs, "; ")
		r.persistBestEffort(ctx, rec)
		return taskerr.New(taskerr.CodeSysInternal, "rollback incomplete: "+rec.Error)
	}
	rec.Status = StatusRolledBack
	return r.persistRecord(ctx, rec)
}

// migrateQueue transforms one queue through the persistence layer's
// conditional save. A snapshot is taken first; validation before save
// is skipped because the transformer owns the new shape.
func (r *Runner) migrateQueue(ctx context.Context, playerID string, def *Definition, rollback bool) error {
	transform := def.Forward
	sourceVersion, targetVersion := def.FromVersion, def.ToVersion
	if rollback {
		transform = def.Rollback
		sourceVersion, targetVersion = def.ToVersion, def.FromVersion
	}

	current, err := r.queues.Load(ctx, playerID)
	if err != nil {
		return err
	}
	if current.SchemaVersion != sourceVersion {
		// Already moved by a concurrent run.
		return nil
	}
	if _, err := r.snapshots.Create(ctx, current, snapshot.ReasonBeforeUpdate); err != nil {
		return err
	}

	_, err = r.queues.AtomicUpdate(ctx, playerID, func(q *queue.TaskQueue) error {
		if q.SchemaVersion != sourceVersion {
			return nil
		}
		next, err := transform(q)
		if err != nil {
			return err
		}
		if !rollback && def.Validate != nil && !def.Validate(next) {
			return taskerr.New(taskerr.CodeSysCorruption,
				"transformed queue failed migration validation for "+playerID)
		}
		version := q.Version
		*q = *next
		q.Version = version
		q.SchemaVersion = targetVersion
		q.RecordEvent(queue.Event{
			Type:        queue.EventMigrated,
			TimestampMS: r.clock(),
			Detail:      def.ID,
		})
		return nil
	}, persistence.SaveOptions{})
	return err
}

// scanAtSchema returns the players whose stored queue sits at the
// given schema version. Both index partitions are walked since the
// state index is the only global view of queues.
func (r *Runner) scanAtSchema(ctx context.Context, schemaVersion int) ([]string, error) {
	var players []string
	for _, running := range []bool{true, false} {
		queues, err := r.queues.FindQueues(ctx, running, 0)
		if err != nil {
			return nil, err
		}
		for _, q := range queues {
			if q.SchemaVersion == schemaVersion {
				players = append(players, q.PlayerID)
			}
		}
	}
	return players, nil
}

func (r *Runner) findDefinition(rec *Record) *Definition {
	for _, def := range r.registry.Definitions() {
		if def.ID == rec.DefinitionID {
			return def
		}
	}
	return nil
}

func (r *Runner) persistRecord(ctx context.Context, rec *Record) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return taskerr.Wrap(taskerr.CodeSysInternal, "encode migration record", err)
	}
	attrs := map[string]string{
		"status":       string(rec.Status),
		"timestamp_ms": store.SortableMS(rec.TimestampMS),
	}
	if err := r.kv.Put(ctx, store.Key(store.ResourceMigration, rec.MigrationID), blob, attrs, 0); err != nil {
		return taskerr.Wrap(taskerr.CodeNetConnectionFailed, "write migration record", err)
	}
	return nil
}

func (r *Runner) persistBestEffort(ctx context.Context, rec *Record) {
	if err := r.persistRecord(ctx, rec); err != nil {
		r.log.WithError(err).WithField("migration", rec.MigrationID).Warn("failed to persist migration record")
	}
}
