// Package store implements PersistentStore (C2): a local, crash-safe
// record store for locations, the offline queue, dead-letter, logs, the
// odometer, and trip-state. Grounded on flowd-org-flowd's internal/coredb
// package for the embedded SQLite connection (modernc.org/sqlite, pure Go,
// no cgo) and its single-writer pragma tuning, and on the teacher's
// internal/repository/timescale.go for the transactional insert/retry
// shape — adapted from a networked TimescaleDB/PostGIS store to an
// on-device SQLite store, since the CORE runs on the mobile agent itself
// (see DESIGN.md for the dropped pgx/lib-pq/go-geom dependencies).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"go.uber.org/zap"

	"github.com/bgagent/trackcore/internal/metrics"
)

// Options configures the on-disk store. Mirrors flowd's coredb.Options
// shape (DataDir/MaxBytes) narrowed to this store's single-file layout.
type Options struct {
	// Path is the SQLite file path; ":memory:" is accepted for tests.
	Path string
	// BusyTimeout bounds how long a writer waits on lock contention.
	BusyTimeout time.Duration
}

// Store is PersistentStore (C2).
type Store struct {
	db      *sql.DB
	log     *zap.Logger
	metrics *metrics.Registry
}

// SetMetrics attaches an optional metrics registry, wired by the
// Orchestrator once both Store and Registry exist (Open happens before
// metrics.New in cmd/bgagentd). A nil registry disables emission.
func (s *Store) SetMetrics(m *metrics.Registry) {
	s.metrics = m
}

// Open creates or opens the store at opts.Path, applies single-writer
// pragmas, and runs schema migrations. Grounded on flowd's
// coredb.Open/configureConnection.
func Open(ctx context.Context, opts Options, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", opts.Path, opts.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY under WAL and keeps
	// the prune/insert/evict sequences in this file serialized without a
	// hand-rolled queue, mirroring flowd's configureConnection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, log: log}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

var migrations = [...]string{
	`CREATE TABLE IF NOT EXISTS locations (
		uuid TEXT PRIMARY KEY,
		ts_ms INTEGER NOT NULL,
		payload BLOB NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_locations_ts ON locations(ts_ms);`,
	`CREATE TABLE IF NOT EXISTS geofences (
		identifier TEXT PRIMARY KEY,
		payload BLOB NOT NULL,
		inserted_at_ms INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS queue (
		id TEXT PRIMARY KEY,
		payload BLOB NOT NULL,
		type TEXT,
		idempotency_key TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		next_retry_at_ms INTEGER NOT NULL DEFAULT 0,
		created_at_ms INTEGER NOT NULL
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_idempotency ON queue(idempotency_key);`,
	`CREATE INDEX IF NOT EXISTS idx_queue_created ON queue(created_at_ms);`,
	`CREATE TABLE IF NOT EXISTS dead_letter (
		id TEXT PRIMARY KEY,
		payload BLOB NOT NULL,
		type TEXT,
		idempotency_key TEXT NOT NULL,
		retry_count INTEGER NOT NULL,
		created_at_ms INTEGER NOT NULL,
		failed_at_ms INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_dead_letter_failed ON dead_letter(failed_at_ms);`,
	`CREATE TABLE IF NOT EXISTS logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts_ms INTEGER NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		tag TEXT
	);`,
	`CREATE INDEX IF NOT EXISTS idx_logs_ts ON logs(ts_ms);`,
	`CREATE TABLE IF NOT EXISTS odometer (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		meters REAL NOT NULL DEFAULT 0
	);`,
	`INSERT OR IGNORE INTO odometer (id, meters) VALUES (1, 0);`,
	`CREATE TABLE IF NOT EXISTS trip_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		payload BLOB
	);`,
	`INSERT OR IGNORE INTO trip_state (id, payload) VALUES (1, NULL);`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// ErrTransientIO wraps a recoverable store I/O failure (spec §7 TransientIo).
type ErrTransientIO struct{ Err error }

func (e *ErrTransientIO) Error() string { return fmt.Sprintf("store: transient io: %v", e.Err) }
func (e *ErrTransientIO) Unwrap() error  { return e.Err }

// ErrPermanentIO wraps a malformed-record read failure (spec §7 PermanentIo).
type ErrPermanentIO struct{ Err error }

func (e *ErrPermanentIO) Error() string { return fmt.Sprintf("store: permanent io: %v", e.Err) }
func (e *ErrPermanentIO) Unwrap() error  { return e.Err }

func nowMs() int64 { return time.Now().UTC().UnixMilli() }

func zapErr(err error) zap.Field { return zap.Error(err) }
