package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schemaVersion = 2

const schemaV1 = `
CREATE TABLE IF NOT EXISTS options (
  name  TEXT PRIMARY KEY,
  value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS lists (
  list_id    INTEGER PRIMARY KEY,
  created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS list_settings (
  list_id INTEGER NOT NULL REFERENCES lists(list_id) ON DELETE CASCADE,
  name    TEXT NOT NULL,
  value   TEXT NOT NULL,
  PRIMARY KEY (list_id, name)
);
`

const schemaV2 = `
CREATE TABLE IF NOT EXISTS send_queue (
  id          TEXT PRIMARY KEY,
  list_id     INTEGER NOT NULL,
  enqueued_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_send_queue_enqueued
  ON send_queue(enqueued_at);
`

type SQLiteOption func(*SQLiteStore)

func WithSQLiteNowFunc(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

type SQLiteStore struct {
	db    *sql.DB
	nowFn func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string, opts ...SQLiteOption) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("empty db path")
	}

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:    db,
		nowFn: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	ctx := context.Background()

	var journalMode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("sqlite: set journal_mode=wal: %w", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		return fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys=ON;"); err != nil {
		return fmt.Errorf("sqlite: set foreign_keys: %w", err)
	}
	return s.migrate(ctx)
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(ctx, "ROLLBACK;")
	}()

	if _, err := conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER NOT NULL
);
`); err != nil {
		return fmt.Errorf("sqlite: init migrations table: %w", err)
	}

	current, hasVersion, err := readSchemaVersion(ctx, conn)
	if err != nil {
		return err
	}
	if current > schemaVersion {
		return fmt.Errorf("sqlite: schema_version=%d, want <=%d", current, schemaVersion)
	}

	for v := current + 1; v <= schemaVersion; v++ {
		var stmt string
		switch v {
		case 1:
			stmt = schemaV1
		case 2:
			stmt = schemaV2
		default:
			return fmt.Errorf("sqlite: unknown migration %d", v)
		}
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: migrate v%d: %w", v, err)
		}
	}

	if !hasVersion || current != schemaVersion {
		if _, err := conn.ExecContext(ctx, `INSERT OR REPLACE INTO schema_migrations(rowid, version) VALUES (1, ?);`, schemaVersion); err != nil {
			return fmt.Errorf("sqlite: write schema_version: %w", err)
		}
	}

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return err
	}
	committed = true
	return nil
}

func readSchemaVersion(ctx context.Context, conn *sql.Conn) (int, bool, error) {
	var v int
	err := conn.QueryRowContext(ctx, `SELECT version FROM schema_migrations LIMIT 1;`).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("sqlite: read schema_version: %w", err)
	}
	return v, true, nil
}

func (s *SQLiteStore) GetOption(ctx context.Context, name string) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM options WHERE name = ?;`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("sqlite: get option %q: %w", name, err)
	}
	return value, nil
}

func (s *SQLiteStore) SetOption(ctx context.Context, name, value string) error {
	if err := checkName(name); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO options(name, value) VALUES (?, ?)
ON CONFLICT(name) DO UPDATE SET value = excluded.value;
`, name, value); err != nil {
		return fmt.Errorf("sqlite: set option %q: %w", name, err)
	}
	return nil
}

// CreateList registers a list and merges values into its settings.
func (s *SQLiteStore) CreateList(ctx context.Context, listID int64, values map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO lists(list_id, created_at) VALUES (?, ?);`, listID, s.nowFn().UTC().UnixNano()); err != nil {
		return fmt.Errorf("sqlite: create list %d: %w", listID, err)
	}
	for name, value := range values {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO list_settings(list_id, name, value) VALUES (?, ?, ?)
ON CONFLICT(list_id, name) DO UPDATE SET value = excluded.value;
`, listID, name, value); err != nil {
			return fmt.Errorf("sqlite: seed list %d setting %q: %w", listID, name, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetListSettings(ctx context.Context, listID int64) (*ListSettings, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM lists WHERE list_id = ?;`, listID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrListNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get list %d: %w", listID, err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM list_settings WHERE list_id = ?;`, listID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get list %d settings: %w", listID, err)
	}
	defer rows.Close()

	out := &ListSettings{ListID: listID, Values: make(map[string]string)}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		out.Values[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) UpdateListSetting(ctx context.Context, listID int64, name, value string) error {
	if err := checkName(name); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO list_settings(list_id, name, value)
SELECT list_id, ?, ? FROM lists WHERE list_id = ?
ON CONFLICT(list_id, name) DO UPDATE SET value = excluded.value;
`, name, value, listID)
	if err != nil {
		return fmt.Errorf("sqlite: update list %d setting %q: %w", listID, name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrListNotFound
	}
	return nil
}

func (s *SQLiteStore) QueueSize(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM send_queue;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: queue size: %w", err)
	}
	return n, nil
}
