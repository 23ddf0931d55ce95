package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const kvSchema = `
CREATE TABLE IF NOT EXISTS kv_store (
    key         TEXT PRIMARY KEY,
    value       TEXT NOT NULL,
    session_id  TEXT,
    created_at  REAL NOT NULL,
    updated_at  REAL NOT NULL,
    ttl         REAL
);
CREATE INDEX IF NOT EXISTS idx_kv_session ON kv_store (session_id);
`

// SQLiteStore persists key-value entries in a local SQLite file. The
// ttl column holds the Unix timestamp after which the entry expires.
type SQLiteStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewSQLiteStore opens (and creates if needed) the store at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create memory store directory: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(kvSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialise memory store schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value any, opts SetOptions) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("serialise value for key %q: %w", key, err)
	}
	now := float64(s.now().UnixNano()) / 1e9
	var ttl sql.NullFloat64
	if opts.TTL > 0 {
		ttl = sql.NullFloat64{Float64: now + opts.TTL.Seconds(), Valid: true}
	}
	var session sql.NullString
	if opts.SessionID != "" {
		session = sql.NullString{String: opts.SessionID, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, session_id, created_at, updated_at, ttl)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
		  value=excluded.value,
		  session_id=excluded.session_id,
		  updated_at=excluded.updated_at,
		  ttl=excluded.ttl`,
		key, string(raw), session, now, now, ttl)
	if err != nil {
		return fmt.Errorf("store key %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (any, bool, error) {
	var row struct {
		Value string          `db:"value"`
		TTL   sql.NullFloat64 `db:"ttl"`
	}
	err := s.db.GetContext(ctx, &row,
		"SELECT value, ttl FROM kv_store WHERE key=?", key)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read key %q: %w", key, err)
	}

	if row.TTL.Valid && float64(s.now().UnixNano())/1e9 > row.TTL.Float64 {
		// Expired entries are reaped on read.
		if err := s.Delete(ctx, key); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}

	var value any
	if err := json.Unmarshal([]byte(row.Value), &value); err != nil {
		return nil, false, fmt.Errorf("decode value for key %q: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv_store WHERE key=?", key); err != nil {
		return fmt.Errorf("delete key %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) GetMany(ctx context.Context, keys []string) (map[string]any, error) {
	out := make(map[string]any, len(keys))
	for _, key := range keys {
		value, ok, err := s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out[key] = value
		}
	}
	return out, nil
}

func (s *SQLiteStore) ListKeys(ctx context.Context, sessionID string) ([]string, error) {
	now := float64(s.now().UnixNano()) / 1e9
	var keys []string
	var err error
	if sessionID != "" {
		err = s.db.SelectContext(ctx, &keys,
			"SELECT key FROM kv_store WHERE session_id=? AND (ttl IS NULL OR ttl > ?) ORDER BY key",
			sessionID, now)
	} else {
		err = s.db.SelectContext(ctx, &keys,
			"SELECT key FROM kv_store WHERE ttl IS NULL OR ttl > ? ORDER BY key", now)
	}
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM kv_store WHERE ttl IS NOT NULL AND ttl <= ?",
		float64(s.now().UnixNano())/1e9)
	if err != nil {
		return 0, fmt.Errorf("purge expired keys: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
