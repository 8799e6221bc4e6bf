package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// timestampLayout is ISO-8601 with a fixed fraction so text order equals time order.
const timestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// SQLite stores events in a single local database file.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the database file and initializes the schema.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("sqlite database path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// One writer at a time; the log is append-only and written from one goroutine.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.configure(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure sqlite database: %w", err)
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) configure(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func (s *SQLite) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS visitor_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			visitor_id TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			event_kind TEXT NOT NULL,
			image_path TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS visitor_events_run_visitor_idx ON visitor_events (run_id, visitor_id);
	`)
	return err
}

func (s *SQLite) Append(ctx context.Context, ev *Event) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO visitor_events (run_id, visitor_id, timestamp, event_kind, image_path)
		VALUES (?, ?, ?, ?, ?)
	`, ev.RunID, ev.VisitorID, ev.Timestamp.UTC().Format(timestampLayout), ev.Kind, ev.ImagePath)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	ev.ID = id
	return nil
}

func (s *SQLite) UniqueVisitors(ctx context.Context, runID string) ([]VisitorSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, visitor_id, COUNT(*), MIN(timestamp), MAX(timestamp)
		FROM visitor_events
		WHERE ? = '' OR run_id = ?
		GROUP BY run_id, visitor_id
		ORDER BY MIN(id)
	`, runID, runID)
	if err != nil {
		return nil, fmt.Errorf("list visitors: %w", err)
	}
	defer rows.Close()

	var out []VisitorSummary
	for rows.Next() {
		var v VisitorSummary
		var first, last string
		if err := rows.Scan(&v.RunID, &v.VisitorID, &v.Events, &first, &last); err != nil {
			return nil, fmt.Errorf("scan visitor: %w", err)
		}
		if v.FirstSeen, err = time.Parse(timestampLayout, first); err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", first, err)
		}
		if v.LastSeen, err = time.Parse(timestampLayout, last); err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", last, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLite) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS visitor_events"); err != nil {
		return err
	}
	return s.initSchema(ctx)
}

func (s *SQLite) Close(ctx context.Context) error {
	return s.db.Close()
}
