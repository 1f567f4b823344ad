package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the history directory.
	DefaultDBFileName = "history.db"
	// DefaultHistoryRetention is how long Open keeps finished transfer rows.
	DefaultHistoryRetention = 90 * 24 * time.Hour

	maintenanceInterval = 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS transfers (
  transfer_id       TEXT NOT NULL,
  role              TEXT NOT NULL CHECK(role IN ('sender','receiver')),
  file_id           TEXT NOT NULL,
  batch_id          TEXT NOT NULL DEFAULT '',
  peer_device_id    TEXT NOT NULL,
  peer_device_name  TEXT NOT NULL DEFAULT '',
  file_name         TEXT NOT NULL,
  file_size         INTEGER NOT NULL,
  content_hash      TEXT NOT NULL DEFAULT '',
  bytes_transferred INTEGER NOT NULL DEFAULT 0,
  status            TEXT NOT NULL CHECK(status IN ('completed','failed','cancelled','rejected')),
  save_path         TEXT NOT NULL DEFAULT '',
  last_error        TEXT NOT NULL DEFAULT '',
  started_at        INTEGER NOT NULL,
  finished_at       INTEGER NOT NULL,
  PRIMARY KEY (transfer_id, role)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_transfers_finished_at
ON transfers (finished_at DESC, transfer_id);
`,
	`
CREATE INDEX IF NOT EXISTS idx_transfers_peer_time
ON transfers (peer_device_id, finished_at DESC, transfer_id);
`,
	`
ALTER TABLE transfers ADD COLUMN reconnects INTEGER NOT NULL DEFAULT 0;
`,
}

// Store keeps terminal transfer outcomes in SQLite.
type Store struct {
	db        *sql.DB
	retention time.Duration

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Open opens (or creates) history.db under dataDir with the default
// retention.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath, DefaultHistoryRetention)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens the database at dbPath in WAL mode, migrates it and drops
// rows older than retention. A zero retention keeps every row.
func OpenPath(dbPath string, retention time.Duration) (*Store, error) {
	dsn := "file:" + filepath.ToSlash(dbPath) + "?_busy_timeout=5000&_journal_mode=WAL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	store := &Store{db: db, retention: retention}
	if err := store.prepare(); err != nil {
		_ = db.Close()
		return nil, err
	}

	store.stop = make(chan struct{})
	store.done = make(chan struct{})
	go store.maintain(maintenanceInterval)
	return store, nil
}

func (s *Store) prepare() error {
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode;").Scan(&mode); err != nil {
		return fmt.Errorf("read journal mode: %w", err)
	}
	if mode != "wal" {
		return fmt.Errorf("sqlite journal mode is %q, want wal", mode)
	}
	if err := s.migrate(); err != nil {
		return err
	}
	return s.tidy()
}

// Close stops maintenance and closes the database. It is safe to call twice.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
		err = s.db.Close()
	})
	return err
}

// migrate applies every migration past PRAGMA user_version in one
// transaction.
func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i, stmt := range migrations[version:] {
		n := version + i + 1
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply migration %d: %w", n, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", n)); err != nil {
			return fmt.Errorf("set schema version %d: %w", n, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}

// tidy drops expired rows and truncates the WAL.
func (s *Store) tidy() error {
	if s.retention > 0 {
		if _, err := s.PruneTransfers(time.Now().Add(-s.retention)); err != nil {
			return err
		}
	}
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

func (s *Store) maintain(every time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = s.tidy()
		case <-s.stop:
			return
		}
	}
}
