package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements KV on a PostgreSQL backend. Records live in
// a single table; the conditional write is an UPDATE guarded on the
// stored version, and secondary indexes are expression queries over
// the attrs column.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a PostgresStore with a connection pool
// and ensures the schema exists.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() { s.pool.Close() }

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS records (
			key        TEXT PRIMARY KEY,
			blob       BYTEA NOT NULL,
			version    BIGINT NOT NULL,
			attrs      JSONB NOT NULL DEFAULT '{}'::jsonb,
			expires_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS records_attrs_idx ON records USING GIN (attrs);
		CREATE INDEX IF NOT EXISTS records_expiry_idx ON records (expires_at) WHERE expires_at IS NOT NULL;
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	query := `
		SELECT key, blob, version, attrs
		FROM records
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`
	var r Record
	err := s.pool.QueryRow(ctx, query, key).Scan(&r.Key, &r.Blob, &r.Version, &r.Attrs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get %s: %w", key, err)
	}
	return &r, nil
}

func (s *PostgresStore) ConditionalPut(ctx context.Context, key string, blob []byte, attrs map[string]string, expectVersion, newVersion int64) error {
	if attrs == nil {
		attrs = map[string]string{}
	}
	if expectVersion == 0 {
		query := `
			INSERT INTO records (key, blob, version, attrs, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (key) DO NOTHING
		`
		tag, err := s.pool.Exec(ctx, query, key, blob, newVersion, attrs)
		if err != nil {
			return fmt.Errorf("postgres create %s: %w", key, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrVersionConflict
		}
		return nil
	}

	query := `
		UPDATE records
		SET blob = $2, version = $3, attrs = $4, expires_at = NULL, updated_at = NOW()
		WHERE key = $1 AND version = $5
	`
	tag, err := s.pool.Exec(ctx, query, key, blob, newVersion, attrs, expectVersion)
	if err != nil {
		return fmt.Errorf("postgres conditional put %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, key string, blob []byte, attrs map[string]string, ttl time.Duration) error {
	if attrs == nil {
		attrs = map[string]string{}
	}
	var expires *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expires = &t
	}
	query := `
		INSERT INTO records (key, blob, version, attrs, expires_at, updated_at)
		VALUES ($1, $2, 1, $3, $4, NOW())
		ON CONFLICT (key) DO UPDATE SET
			blob = EXCLUDED.blob,
			version = records.version + 1,
			attrs = EXCLUDED.attrs,
			expires_at = EXCLUDED.expires_at,
			updated_at = NOW()
	`
	if _, err := s.pool.Exec(ctx, query, key, blob, attrs, expires); err != nil {
		return fmt.Errorf("postgres put %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) QueryByIndex(ctx context.Context, index, partition string, rng *SortRange, limit int) ([]*Record, error) {
	def, ok := Indexes[index]
	if !ok {
		return nil, ErrNotFound
	}

	query := `
		SELECT key, blob, version, attrs
		FROM records
		WHERE attrs->>$1 = $2 AND (expires_at IS NULL OR expires_at > NOW())
	`
	args := []interface{}{def.PartitionAttr, partition}
	argn := 3
	if rng != nil && rng.Min != "" {
		query += fmt.Sprintf(" AND attrs->>$%d >= $%d", argn, argn+1)
		args = append(args, def.SortAttr, rng.Min)
		argn += 2
	}
	if rng != nil && rng.Max != "" {
		query += fmt.Sprintf(" AND attrs->>$%d <= $%d", argn, argn+1)
		args = append(args, def.SortAttr, rng.Max)
		argn += 2
	}
	dir := "ASC"
	if rng != nil && rng.Descending {
		dir = "DESC"
	}
	query += fmt.Sprintf(" ORDER BY attrs->>$%d %s", argn, dir)
	args = append(args, def.SortAttr)
	argn++
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argn)
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres index query %s: %w", index, err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Key, &r.Blob, &r.Version, &r.Attrs); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM records WHERE key = $1`, key); err != nil {
		return fmt.Errorf("postgres delete %s: %w", key, err)
	}
	return nil
}

// PruneExpired removes rows past their expiry. The TTL attribute is
// otherwise honored at read time; this keeps the table from growing
// unbounded between reads.
func (s *PostgresStore) PruneExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM records WHERE expires_at IS NOT NULL AND expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("postgres prune: %w", err)
	}
	return tag.RowsAffected(), nil
}
