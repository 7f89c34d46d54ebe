package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const postgresSchemaV1 = `
CREATE TABLE IF NOT EXISTS options (
  name  TEXT PRIMARY KEY,
  value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS lists (
  list_id    BIGINT PRIMARY KEY,
  created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS list_settings (
  list_id BIGINT NOT NULL REFERENCES lists(list_id) ON DELETE CASCADE,
  name    TEXT NOT NULL,
  value   TEXT NOT NULL,
  PRIMARY KEY (list_id, name)
);
CREATE TABLE IF NOT EXISTS send_queue (
  id          TEXT PRIMARY KEY,
  list_id     BIGINT NOT NULL,
  enqueued_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_send_queue_enqueued
  ON send_queue(enqueued_at);
`

// pgForeignKeyViolation is SQLSTATE 23503.
const pgForeignKeyViolation = "23503"

type PostgresOption func(*PostgresStore)

func WithPostgresNowFunc(now func() time.Time) PostgresOption {
	return func(s *PostgresStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

type PostgresStore struct {
	db    *sql.DB
	nowFn func() time.Time
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty postgres dsn")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &PostgresStore{
		db:    db,
		nowFn: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := db.ExecContext(ctx, postgresSchemaV1); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) GetOption(ctx context.Context, name string) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM options WHERE name = $1`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("postgres: get option %q: %w", name, err)
	}
	return value, nil
}

func (s *PostgresStore) SetOption(ctx context.Context, name, value string) error {
	if err := checkName(name); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO options(name, value) VALUES ($1, $2)
ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value
`, name, value); err != nil {
		return fmt.Errorf("postgres: set option %q: %w", name, err)
	}
	return nil
}

// CreateList registers a list and merges values into its settings.
func (s *PostgresStore) CreateList(ctx context.Context, listID int64, values map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT INTO lists(list_id, created_at) VALUES ($1, $2) ON CONFLICT (list_id) DO NOTHING`, listID, s.nowFn().UTC()); err != nil {
		return fmt.Errorf("postgres: create list %d: %w", listID, err)
	}
	for name, value := range values {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO list_settings(list_id, name, value) VALUES ($1, $2, $3)
ON CONFLICT (list_id, name) DO UPDATE SET value = EXCLUDED.value
`, listID, name, value); err != nil {
			return fmt.Errorf("postgres: seed list %d setting %q: %w", listID, name, err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) GetListSettings(ctx context.Context, listID int64) (*ListSettings, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM lists WHERE list_id = $1`, listID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrListNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get list %d: %w", listID, err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM list_settings WHERE list_id = $1`, listID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get list %d settings: %w", listID, err)
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

func (s *PostgresStore) UpdateListSetting(ctx context.Context, listID int64, name, value string) error {
	if err := checkName(name); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO list_settings(list_id, name, value) VALUES ($1, $2, $3)
ON CONFLICT (list_id, name) DO UPDATE SET value = EXCLUDED.value
`, listID, name, value)
	if isPostgresForeignKeyError(err) {
		return ErrListNotFound
	}
	if err != nil {
		return fmt.Errorf("postgres: update list %d setting %q: %w", listID, name, err)
	}
	return nil
}

func (s *PostgresStore) QueueSize(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM send_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: queue size: %w", err)
	}
	return n, nil
}

func isPostgresForeignKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgForeignKeyViolation
}
