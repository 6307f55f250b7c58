package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"sharewave/logging"
)

const (
	// DefaultDBFileName is the SQLite filename under the data dir.
	DefaultDBFileName = "sharewave.db"
	// DefaultCheckpointInterval is how often the WAL is truncated.
	DefaultCheckpointInterval = time.Hour

	openTimeout = 10 * time.Second
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS rooms (
  room_id    TEXT PRIMARY KEY,
  created_at INTEGER NOT NULL,
  status     TEXT NOT NULL CHECK(status IN ('waiting','connected','completed','failed')) DEFAULT 'waiting'
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_rooms_created_at
ON rooms (created_at);
`,
	`
CREATE TABLE IF NOT EXISTS room_artifacts (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  room_id    TEXT NOT NULL REFERENCES rooms(room_id) ON DELETE CASCADE,
  category   TEXT NOT NULL CHECK(category IN ('offer','answer','callerCandidates','calleeCandidates')),
  entry_key  TEXT NOT NULL,
  value      BLOB NOT NULL,
  created_at INTEGER NOT NULL,
  UNIQUE (room_id, category, entry_key)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_room_artifacts_room_category
ON room_artifacts (room_id, category, id);
`,
	`
CREATE TABLE IF NOT EXISTS transfers (
  file_id           TEXT NOT NULL,
  direction         TEXT NOT NULL CHECK(direction IN ('send','receive')),
  room_id           TEXT NOT NULL DEFAULT '',
  file_name         TEXT NOT NULL,
  file_size         INTEGER NOT NULL,
  file_type         TEXT NOT NULL DEFAULT '',
  status            TEXT NOT NULL CHECK(status IN ('pending','transferring','completed','failed')) DEFAULT 'pending',
  bytes_transferred INTEGER NOT NULL DEFAULT 0,
  stored_path       TEXT NOT NULL DEFAULT '',
  updated_at        INTEGER NOT NULL,
  PRIMARY KEY (file_id, direction)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_transfers_room_updated_at
ON transfers (room_id, updated_at DESC, file_id);
`,
}

// Options configures a Store.
type Options struct {
	// CheckpointInterval is the WAL truncation period; negative disables the loop.
	CheckpointInterval time.Duration
	Logger             *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.CheckpointInterval == 0 {
		o.CheckpointInterval = DefaultCheckpointInterval
	}
	o.Logger = logging.OrNop(o.Logger)
	return o
}

// Store persists signaling rooms and transfer history in SQLite. It implements
// signaling.Backend, so a signaling.LocalStore can fan its writes out to watchers.
type Store struct {
	db     *sql.DB
	path   string
	logger *zap.Logger

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// OpenPath opens or creates the database at dbPath, brings its schema up to date and
// starts the WAL checkpoint loop.
func OpenPath(dbPath string, options Options) (*Store, error) {
	opts := options.withDefaults()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// rooms.go checks then writes; one connection keeps those sequences serialized.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		path:   dbPath,
		logger: opts.Logger.With(zap.String("db_path", dbPath)),
		stop:   make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()
	if err := s.prepare(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if opts.CheckpointInterval > 0 {
		s.wg.Add(1)
		go s.checkpointLoop(opts.CheckpointInterval)
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close stops the checkpoint loop and closes the database. It is safe to call twice.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *Store) prepare(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite database: %w", err)
	}

	var mode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&mode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("enable WAL mode: journal mode is %q", mode)
	}

	if err := s.migrate(ctx); err != nil {
		return err
	}
	return s.checkpoint(ctx)
}

// migrate applies every migration past PRAGMA user_version in one transaction.
func (s *Store) migrate(ctx context.Context) error {
	var applied int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version;").Scan(&applied); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if applied >= len(migrations) {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for version := applied + 1; version <= len(migrations); version++ {
		if _, err := tx.ExecContext(ctx, migrations[version-1]); err != nil {
			return fmt.Errorf("apply migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d;", version)); err != nil {
			return fmt.Errorf("record schema version %d: %w", version, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}

	s.logger.Debug("schema migrated", zap.Int("from", applied), zap.Int("to", len(migrations)))
	return nil
}

func (s *Store) checkpoint(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

func (s *Store) checkpointLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
			if err := s.checkpoint(ctx); err != nil {
				s.logger.Warn("periodic WAL checkpoint failed", zap.Error(err))
			}
			cancel()
		}
	}
}
