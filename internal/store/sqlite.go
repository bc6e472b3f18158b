package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithClock replaces the time source used for last_modified and queue
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) {
		s.now = now
	}
}

// SQLiteStore implements the Store interface using a local SQLite database.
// Writes go through a single connection; file-backed stores get a separate
// pool for concurrent readers.
type SQLiteStore struct {
	db     *sqlx.DB
	reader *sqlx.DB
	now    func() time.Time
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	inMemory := dbPath == "" || dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory")
	if dbPath == "" {
		dbPath = ":memory:"
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if !inMemory {
		// Enable WAL mode for concurrent readers alongside the writer.
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, classify(fmt.Errorf("enabling WAL mode: %w", err))
		}
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, classify(fmt.Errorf("enabling foreign keys: %w", err))
	}

	s := &SQLiteStore{
		db:     db,
		reader: db,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, classify(fmt.Errorf("running migrations: %w", err))
	}

	if !inMemory {
		reader, err := sqlx.Open("sqlite", dbPath)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("opening sqlite reader: %w", err)
		}
		reader.SetMaxOpenConns(4)
		s.reader = reader
	}

	return s, nil
}

// Close closes the underlying database connections.
func (s *SQLiteStore) Close() error {
	var readerErr error
	if s.reader != s.db {
		readerErr = s.reader.Close()
	}
	if err := s.db.Close(); err != nil {
		return err
	}
	return readerErr
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	// Check if schema_version table exists.
	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// withTx runs fn inside a write transaction.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("beginning transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return classify(err)
	}

	return classify(tx.Commit())
}

// classify wraps SQLite corruption codes with ErrCorrupt and maps
// sql.ErrNoRows to ErrNotFound.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCorrupt) || errors.Is(err, ErrNotFound) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	}

	return err
}

// corrupt marks a stored row that could not be decoded.
func corrupt(what string, err error) error {
	return fmt.Errorf("%w: decoding %s: %v", ErrCorrupt, what, err)
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
