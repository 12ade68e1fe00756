package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/svarah/svarah-core/internal/config"
)

var (
	// ErrNotFound is returned when a symbol, board or record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when a write carries a stale base version.
	ErrVersionConflict = errors.New("version conflict")
	// ErrCorrupt marks unreadable local persistence. It is the only fatal store error.
	ErrCorrupt = errors.New("local store corrupt")
)

// Store wraps the SQLite database holding symbols, boards and sync records.
type Store struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config. Ephemeral mode keeps the
// database in memory for the lifetime of the process.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	var dsn string
	if cfg.Mode == "ephemeral" {
		dsn = "file::memory:?_pragma=foreign_keys(ON)"
	} else {
		dir := filepath.Dir(cfg.Path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers and keeps the in-memory database alive.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w: %w", ErrCorrupt, err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.check(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w: %w", ErrCorrupt, err)
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) check(ctx context.Context) error {
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("quick check: %w: %w", ErrCorrupt, err)
	}
	if result != "ok" {
		return fmt.Errorf("quick check reported %q: %w", result, ErrCorrupt)
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS symbols (
    id TEXT PRIMARY KEY,
    label TEXT NOT NULL,
    pictogram_ref TEXT,
    category TEXT,
    audio_clip_ref TEXT,
    tombstoned INTEGER NOT NULL DEFAULT 0,
    version INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_symbols_category ON symbols(category, id);
CREATE TABLE IF NOT EXISTS boards (
    id TEXT PRIMARY KEY,
    name TEXT,
    parent_id TEXT,
    cells TEXT NOT NULL,
    version INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS sync_records (
    entity_kind TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    local_version INTEGER NOT NULL,
    remote_version INTEGER NOT NULL,
    state TEXT NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (entity_kind, entity_id)
);
CREATE TABLE IF NOT EXISTS superseded (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    entity_kind TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    payload BLOB NOT NULL,
    modified_at INTEGER NOT NULL,
    origin TEXT NOT NULL,
    superseded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_superseded_entity ON superseded(entity_kind, entity_id, superseded_at);
CREATE TABLE IF NOT EXISTS meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the handle for entity repositories in sibling packages.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Now returns the store clock in UTC. Mutation timestamps come from here.
func (s *Store) Now() time.Time {
	return s.clock().UTC()
}

// SetClock replaces the mutation clock. Intended for tests.
func (s *Store) SetClock(clock func() time.Time) {
	s.clock = clock
}

// WithTx runs fn inside a transaction, committing when fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

// Prune drops superseded copies older than the configured retention.
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.SupersededRetentionDays <= 0 {
		return nil
	}
	cutoff := s.clock().Add(-time.Duration(s.cfg.SupersededRetentionDays) * 24 * time.Hour)
	res, err := s.db.ExecContext(ctx, `DELETE FROM superseded WHERE superseded_at < ?`, cutoff.UnixNano())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.log.Info("pruned superseded copies", slog.Int64("count", n))
	}
	return nil
}

// DeviceID returns the identifier this install stamps on pushed changes,
// generating it on first use. Ephemeral stores get a fresh id per process.
func (s *Store) DeviceID(ctx context.Context) (string, error) {
	var id string
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO meta(key, value) VALUES('device_id', ?) ON CONFLICT(key) DO NOTHING`,
			uuid.NewString()); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'device_id'`).Scan(&id)
	})
	if err != nil {
		return "", fmt.Errorf("device id: %w", err)
	}
	return id, nil
}

// Nanos converts timestamps to the integer column representation.
func Nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// FromNanos converts an integer column back to UTC time.
func FromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
