package storage

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the node data dir.
	DefaultDBFileName = "hollowpeer.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
	// DefaultEventRetention controls automatic notification event pruning.
	DefaultEventRetention = 30 * 24 * time.Hour
)

// migrations are applied in order; PRAGMA user_version records how many ran.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS kv (
  namespace  TEXT PRIMARY KEY,
  value      BLOB NOT NULL,
  updated_at INTEGER NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS events (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  event_type TEXT NOT NULL,
  peer_id    TEXT,
  details    TEXT NOT NULL,
  timestamp  INTEGER NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_events_time ON events (timestamp DESC, id DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_events_peer ON events (peer_id, timestamp DESC, id DESC)`,
}

// Store is the node database: a namespaced key-value table and the
// notification event log.
type Store struct {
	db             *sql.DB
	eventRetention time.Duration

	stopCheckpoints chan struct{}
	checkpointsDone sync.WaitGroup
	closeOnce       sync.Once
	closeErr        error
}

// Open opens (or creates) the node database under the given data directory.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path in WAL mode and brings the schema
// up to date.
func OpenPath(dbPath string) (*Store, error) {
	params := url.Values{}
	params.Set("_busy_timeout", "5000")
	params.Set("_journal_mode", "WAL")

	db, err := sql.Open("sqlite3", "file:"+filepath.ToSlash(dbPath)+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	s := &Store{
		db:              db,
		eventRetention:  DefaultEventRetention,
		stopCheckpoints: make(chan struct{}),
	}
	for _, step := range []func() error{s.requireWAL, s.migrate, s.checkpoint} {
		if err := step(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	s.checkpointsDone.Add(1)
	go s.checkpointLoop(DefaultWALCheckpointInterval)
	return s, nil
}

// Close stops background maintenance and closes the database. Later calls
// return the first result.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		close(s.stopCheckpoints)
		s.checkpointsDone.Wait()
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

func (s *Store) requireWAL() error {
	var mode string
	if err := s.db.QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		return fmt.Errorf("read journal mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("sqlite journal mode is %q, want wal", mode)
	}
	return nil
}

func (s *Store) migrate() error {
	var applied int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&applied); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for next := applied; next < len(migrations); next++ {
		if err := s.applyMigration(next); err != nil {
			return err
		}
	}
	return nil
}

// applyMigration runs one step and its version bump in a single transaction.
func (s *Store) applyMigration(index int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("migration %d: begin: %w", index+1, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(migrations[index]); err != nil {
		return fmt.Errorf("migration %d: %w", index+1, err)
	}
	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, index+1)); err != nil {
		return fmt.Errorf("migration %d: set version: %w", index+1, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migration %d: commit: %w", index+1, err)
	}
	return nil
}

func (s *Store) checkpoint() error {
	if _, err := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

func (s *Store) checkpointLoop(interval time.Duration) {
	defer s.checkpointsDone.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = s.checkpoint()
		case <-s.stopCheckpoints:
			return
		}
	}
}
