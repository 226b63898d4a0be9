package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Dialect selects placeholder syntax and driver for SQLStore.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore persists settings in a single request_gate_settings table.
// Works against SQLite (glebarez/go-sqlite) and PostgreSQL (pgx stdlib).
type SQLStore struct {
	typed
	db      *sql.DB
	dialect Dialect

	getQuery string
	setQuery string
}

// OpenSQL opens a database for the given dialect, applies pool settings and
// creates the settings table if needed.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("OpenSQL: missing dsn")
	}

	var (
		db  *sql.DB
		err error
	)
	switch dialect {
	case DialectSQLite:
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("OpenSQL: %w", err)
		}
		// One connection serializes writers and keeps :memory: databases coherent.
		db.SetMaxOpenConns(1)
	case DialectPostgres:
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("OpenSQL: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	default:
		return nil, fmt.Errorf("OpenSQL: unsupported dialect %q", dialect)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("OpenSQL: ping: %w", err)
	}

	s, err := NewSQLStore(ctx, db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an open database. The caller keeps ownership of db
// unless the store is closed.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("NewSQLStore: nil db")
	}
	s := &SQLStore{db: db, dialect: dialect}
	s.typed = typed{raw: s}

	switch dialect {
	case DialectSQLite:
		s.getQuery = `SELECT setting_value FROM request_gate_settings WHERE setting_key = ?`
		s.setQuery = `
INSERT INTO request_gate_settings (setting_key, setting_value, updated_at_unix)
VALUES (?, ?, ?)
ON CONFLICT (setting_key) DO UPDATE
SET setting_value = excluded.setting_value, updated_at_unix = excluded.updated_at_unix`
	case DialectPostgres:
		s.getQuery = `SELECT setting_value FROM request_gate_settings WHERE setting_key = $1`
		s.setQuery = `
INSERT INTO request_gate_settings (setting_key, setting_value, updated_at_unix)
VALUES ($1, $2, $3)
ON CONFLICT (setting_key) DO UPDATE
SET setting_value = excluded.setting_value, updated_at_unix = excluded.updated_at_unix`
	default:
		return nil, fmt.Errorf("NewSQLStore: unsupported dialect %q", dialect)
	}

	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("NewSQLStore: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS request_gate_settings (
  setting_key TEXT PRIMARY KEY,
  setting_value TEXT NOT NULL,
  updated_at_unix BIGINT NOT NULL
)`)
	return err
}

func (s *SQLStore) getRaw(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, s.getQuery, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return v, true, nil
}

func (s *SQLStore) setRaw(ctx context.Context, key, value string) error {
	if _, err := s.db.ExecContext(ctx, s.setQuery, key, value, time.Now().UTC().Unix()); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Dialect reports which database the store writes to.
func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
