package triggers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// ErrTriggerNotFound is returned when a trigger ID has no row.
var ErrTriggerNotFound = errors.New("trigger not found")

// The definition column holds the full JSON record; state and enabled are
// mirrored into their own columns so the daemon can query and update them
// without re-serialising the definition. On load the columns win.
const triggerSchema = `
CREATE TABLE IF NOT EXISTS triggers (
    trigger_id  TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    state       TEXT NOT NULL,
    enabled     INTEGER NOT NULL,
    definition  TEXT NOT NULL,
    created_at  REAL NOT NULL,
    updated_at  REAL NOT NULL,
    expires_at  REAL
);
CREATE INDEX IF NOT EXISTS idx_triggers_state ON triggers (state);
CREATE INDEX IF NOT EXISTS idx_triggers_enabled ON triggers (enabled);
`

// Store persists trigger definitions in a local SQLite file.
type Store struct {
	db *sqlx.DB
}

// NewStore opens (and creates if needed) the trigger database at path.
func NewStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create trigger store directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open trigger store: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(triggerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialise trigger store schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save upserts a trigger definition.
func (s *Store) Save(ctx context.Context, d *Definition) error {
	d.UpdatedAt = unixNow()
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("serialise trigger %s: %w", d.TriggerID, err)
	}
	var expires sql.NullFloat64
	if d.ExpiresAt > 0 {
		expires = sql.NullFloat64{Float64: d.ExpiresAt, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO triggers (trigger_id, name, state, enabled, definition, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trigger_id) DO UPDATE SET
		  name=excluded.name,
		  state=excluded.state,
		  enabled=excluded.enabled,
		  definition=excluded.definition,
		  updated_at=excluded.updated_at,
		  expires_at=excluded.expires_at`,
		d.TriggerID, d.Name, d.State, boolToInt(d.Enabled), string(raw),
		d.CreatedAt, d.UpdatedAt, expires)
	if err != nil {
		return fmt.Errorf("save trigger %s: %w", d.TriggerID, err)
	}
	return nil
}

// Get loads a single trigger.
func (s *Store) Get(ctx context.Context, triggerID string) (*Definition, error) {
	var row triggerRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM triggers WHERE trigger_id = ?`, triggerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTriggerNotFound, triggerID)
	}
	if err != nil {
		return nil, fmt.Errorf("load trigger %s: %w", triggerID, err)
	}
	return row.decode()
}

// Delete removes a trigger. Returns true if a row was deleted.
func (s *Store) Delete(ctx context.Context, triggerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM triggers WHERE trigger_id = ?`, triggerID)
	if err != nil {
		return false, fmt.Errorf("delete trigger %s: %w", triggerID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListAll returns every trigger, newest first.
func (s *Store) ListAll(ctx context.Context) ([]*Definition, error) {
	return s.list(ctx, `SELECT * FROM triggers ORDER BY created_at DESC`)
}

// ListByState returns every trigger in the given lifecycle state.
func (s *Store) ListByState(ctx context.Context, state State) ([]*Definition, error) {
	return s.list(ctx, `SELECT * FROM triggers WHERE state = ? ORDER BY created_at DESC`, state)
}

// LoadActive returns the triggers the daemon should arm on startup:
// enabled and in a watchable state.
func (s *Store) LoadActive(ctx context.Context) ([]*Definition, error) {
	return s.list(ctx,
		`SELECT * FROM triggers WHERE enabled = 1 AND state IN (?, ?) ORDER BY created_at`,
		StateActive, StateWatching)
}

// UpdateState is the fast path for state transitions: it touches the
// state column without re-serialising the definition JSON.
func (s *Store) UpdateState(ctx context.Context, triggerID string, state State) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE triggers SET state = ?, updated_at = ? WHERE trigger_id = ?`,
		state, unixNow(), triggerID)
	if err != nil {
		return fmt.Errorf("update trigger %s state: %w", triggerID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrTriggerNotFound, triggerID)
	}
	return nil
}

// PurgeExpired deletes triggers past their expiry time. Returns the
// number of rows removed.
func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM triggers WHERE expires_at IS NOT NULL AND expires_at <= ?`, unixNow())
	if err != nil {
		return 0, fmt.Errorf("purge expired triggers: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*Definition, error) {
	var rows []triggerRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	out := make([]*Definition, 0, len(rows))
	for i := range rows {
		d, err := rows[i].decode()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

type triggerRow struct {
	TriggerID  string          `db:"trigger_id"`
	Name       string          `db:"name"`
	State      string          `db:"state"`
	Enabled    int             `db:"enabled"`
	Definition string          `db:"definition"`
	CreatedAt  float64         `db:"created_at"`
	UpdatedAt  float64         `db:"updated_at"`
	ExpiresAt  sql.NullFloat64 `db:"expires_at"`
}

func (r *triggerRow) decode() (*Definition, error) {
	var d Definition
	if err := json.Unmarshal([]byte(r.Definition), &d); err != nil {
		return nil, fmt.Errorf("decode trigger %s: %w", r.TriggerID, err)
	}
	// The columns are authoritative: fast-path state updates bypass the
	// JSON blob.
	d.State = State(r.State)
	d.Enabled = r.Enabled != 0
	d.UpdatedAt = r.UpdatedAt
	return &d, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
