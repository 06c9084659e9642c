package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryEntry struct {
	record    Record
	expiresAt time.Time
}

// MemoryStore is an in-process KV used by tests and single-node runs.
// It implements the same conditional-write semantics as the durable
// backends.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
}

// NewMemoryStore initializes an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry)}
}

func (s *MemoryStore) live(e *memoryEntry) bool {
	return e != nil && (e.expiresAt.IsZero() || time.Now().Before(e.expiresAt))
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	e := s.entries[key]
	if !s.live(e) {
		return nil, ErrNotFound
	}
	return copyRecord(&e.record), nil
}

func (s *MemoryStore) ConditionalPut(ctx context.Context, key string, blob []byte, attrs map[string]string, expectVersion, newVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[key]
	switch {
	case !s.live(e):
		if expectVersion != 0 {
			return ErrVersionConflict
		}
	case e.record.Version != expectVersion:
		return ErrVersionConflict
	}

	s.entries[key] = &memoryEntry{record: Record{
		Key:     key,
		Blob:    append([]byte(nil), blob...),
		Version: newVersion,
		Attrs:   copyAttrs(attrs),
	}}
	return nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, blob []byte, attrs map[string]string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	var version int64 = 1
	if e := s.entries[key]; s.live(e) {
		version = e.record.Version + 1
	}
	s.entries[key] = &memoryEntry{
		record: Record{
			Key:     key,
			Blob:    append([]byte(nil), blob...),
			Version: version,
			Attrs:   copyAttrs(attrs),
		},
		expiresAt: expires,
	}
	return nil
}

func (s *MemoryStore) QueryByIndex(ctx context.Context, index, partition string, rng *SortRange, limit int) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	def, ok := Indexes[index]
	if !ok {
		return nil, ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for _, e := range s.entries {
		if !s.live(e) {
			continue
		}
		if e.record.Attrs[def.PartitionAttr] != partition {
			continue
		}
		sortVal := e.record.Attrs[def.SortAttr]
		if rng != nil {
			if rng.Min != "" && sortVal < rng.Min {
				continue
			}
			if rng.Max != "" && sortVal > rng.Max {
				continue
			}
		}
		out = append(out, copyRecord(&e.record))
	}

	desc := rng != nil && rng.Descending
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Attrs[def.SortAttr], out[j].Attrs[def.SortAttr]
		if desc {
			return a > b
		}
		return a < b
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func copyRecord(r *Record) *Record {
	return &Record{
		Key:     r.Key,
		Blob:    append([]byte(nil), r.Blob...),
		Version: r.Version,
		Attrs:   copyAttrs(r.Attrs),
	}
}

func copyAttrs(attrs map[string]string) map[string]string {
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
