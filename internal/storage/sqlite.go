package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tazhate/calendarmail/internal/domain"

	_ "github.com/mattn/go-sqlite3"
)

const defaultHistoryLimit = 20

// Storage is the run journal.
type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// runs finishing together would otherwise race for the write lock
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			reminder TEXT NOT NULL,
			trigger_kind TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			finished_at DATETIME NOT NULL,
			events INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_reminder ON runs(reminder, started_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

// === Runs ===

func (s *Storage) RecordRun(ctx context.Context, r *domain.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, reminder, trigger_kind, started_at, finished_at, events, status, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Reminder, string(r.Trigger), r.StartedAt.UTC(), r.FinishedAt.UTC(), r.Events, string(r.Status), r.Error,
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.ID, err)
	}
	return nil
}

// ListRuns returns the most recent runs first. An empty reminder lists
// runs of every reminder.
func (s *Storage) ListRuns(ctx context.Context, reminder string, limit int) ([]*domain.Run, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	query := `SELECT id, reminder, trigger_kind, started_at, finished_at, events, status, error FROM runs`
	args := []any{}
	if reminder != "" {
		query += ` WHERE reminder = ?`
		args = append(args, reminder)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		r := &domain.Run{}
		var trigger, status string
		if err := rows.Scan(&r.ID, &r.Reminder, &trigger, &r.StartedAt, &r.FinishedAt, &r.Events, &status, &r.Error); err != nil {
			return nil, err
		}
		r.Trigger = domain.TriggerKind(trigger)
		r.Status = domain.RunStatus(status)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LastRun returns the latest run of reminder, or nil if it never ran.
func (s *Storage) LastRun(ctx context.Context, reminder string) (*domain.Run, error) {
	runs, err := s.ListRuns(ctx, reminder, 1)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return runs[0], nil
}
