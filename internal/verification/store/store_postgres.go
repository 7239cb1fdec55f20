package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/lib/pq"

	"registrar/pkg/platform/sentinel"
	"registrar/pkg/platform/tx"
)

const kvSchema = `
	CREATE TABLE IF NOT EXISTS registrar_kv (
		key        TEXT PRIMARY KEY,
		value      BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)
`

// PostgresStore persists records in a single key/value table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore constructs a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the key/value table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, kvSchema); err != nil {
		return unavailable("postgres migrate", "registrar_kv", err)
	}
	return nil
}

// Atomically runs fn in one transaction; every store call made with the ctx
// passed to fn joins it.
func (s *PostgresStore) Atomically(ctx context.Context, fn func(ctx context.Context) error) error {
	err := tx.Run(ctx, s.db, fn)
	if err != nil && !errors.Is(err, sentinel.ErrUnavailable) {
		return unavailable("postgres tx", "", err)
	}
	return err
}

func (s *PostgresStore) Put(ctx context.Context, key string, value []byte) error {
	query := `
		INSERT INTO registrar_kv (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = EXCLUDED.updated_at
	`
	if _, err := tx.Conn(ctx, s.db).ExecContext(ctx, query, key, value); err != nil {
		return unavailable("postgres put", key, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := tx.Conn(ctx, s.db).QueryRowContext(ctx, `SELECT value FROM registrar_kv WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, unavailable("postgres get", key, err)
	}
	return value, nil
}

func (s *PostgresStore) ListPrefix(ctx context.Context, prefix string) ([]KV, error) {
	rows, err := tx.Conn(ctx, s.db).QueryContext(ctx,
		`SELECT key, value FROM registrar_kv WHERE key LIKE $1 ESCAPE '\' ORDER BY key`,
		escapeLike(prefix)+"%")
	if err != nil {
		return nil, unavailable("postgres list", prefix, err)
	}
	return scanKVs(rows, prefix)
}

// GetMany fetches several keys in one round trip. Missing keys are omitted.
func (s *PostgresStore) GetMany(ctx context.Context, keys []string) ([]KV, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	rows, err := tx.Conn(ctx, s.db).QueryContext(ctx,
		`SELECT key, value FROM registrar_kv WHERE key = ANY($1) ORDER BY key`,
		pq.Array(keys))
	if err != nil {
		return nil, unavailable("postgres get many", strings.Join(keys, ","), err)
	}
	return scanKVs(rows, "")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func scanKVs(rows *sql.Rows, label string) ([]KV, error) {
	defer rows.Close()
	var out []KV
	for rows.Next() {
		var kv KV
		if err := rows.Scan(&kv.Key, &kv.Value); err != nil {
			return nil, unavailable("postgres scan", label, err)
		}
		out = append(out, kv)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("postgres rows", label, err)
	}
	return out, nil
}

var likeReplacer = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeReplacer.Replace(s)
}
