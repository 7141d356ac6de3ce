package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the local run journal backed by SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewStore initializes the SQLite database connection.
// It enables WAL mode for concurrency and durability.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping sqlite db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db, logger: slog.Default(), now: time.Now}

	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return s, nil
}

// SetLogger replaces the logger used by ObserveUpdate.
func (s *Store) SetLogger(l *slog.Logger) {
	s.logger = l
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the necessary tables if they don't exist.
func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS journal (
		entry_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		run_id TEXT NOT NULL DEFAULT '',
		target TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL DEFAULT '',
		recorded_at DATETIME NOT NULL,
		payload JSON NOT NULL
	);

	-- Replay reads one run in insertion order.
	CREATE INDEX IF NOT EXISTS idx_journal_run ON journal(run_id, recorded_at);
	CREATE INDEX IF NOT EXISTS idx_journal_recorded_at ON journal(recorded_at);
	`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create journal table: %w", err)
	}

	return nil
}

func (s *Store) insert(ctx context.Context, e *Entry, status string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO journal (entry_id, kind, run_id, target, status, outcome, recorded_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, string(e.EntryID), string(e.Kind), e.RunID, e.Target, status, e.Outcome, e.RecordedAt, string(e.Payload))
	if err != nil {
		return fmt.Errorf("failed to insert journal entry: %w", err)
	}
	return nil
}
