package store

import (
	"context"
	"fmt"

	"github.com/andresmejia3/footfall/internal/utils"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
)

// pgxConn is the subset of *pgx.Conn the store needs; pgxmock satisfies it in tests.
type pgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close(ctx context.Context) error
}

// Postgres manages the PostgreSQL connection, the event log and pgvector prototype storage.
type Postgres struct {
	conn pgxConn
}

// NewPostgres establishes a connection to the database and ensures the schema is initialized.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initPostgresSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Postgres{conn: conn}, nil
}

// initPostgresSchema creates the necessary tables and vector extension if they don't exist (Auto-Migration).
func initPostgresSchema(ctx context.Context, conn pgxConn) error {
	query := `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS visitor_events (
			id BIGSERIAL PRIMARY KEY,
			run_id TEXT NOT NULL,
			visitor_id TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			event_kind TEXT NOT NULL,
			image_path TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS visitor_events_run_visitor_idx ON visitor_events (run_id, visitor_id);
		CREATE TABLE IF NOT EXISTS visitor_prototypes (
			visitor_id TEXT NOT NULL,
			position INT NOT NULL,
			seq INT NOT NULL,
			embedding VECTOR NOT NULL,
			PRIMARY KEY (visitor_id, seq)
		);
		ALTER TABLE visitor_prototypes ADD COLUMN IF NOT EXISTS sightings INT NOT NULL DEFAULT 0;
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Postgres) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}

// Append inserts one event row.
func (s *Postgres) Append(ctx context.Context, ev *Event) error {
	err := s.conn.QueryRow(ctx, `
		INSERT INTO visitor_events (run_id, visitor_id, timestamp, event_kind, image_path)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, ev.RunID, ev.VisitorID, ev.Timestamp, ev.Kind, ev.ImagePath).Scan(&ev.ID)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// UniqueVisitors lists distinct visitors, optionally for a single run.
func (s *Postgres) UniqueVisitors(ctx context.Context, runID string) ([]VisitorSummary, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT run_id, visitor_id, COUNT(*), MIN(timestamp), MAX(timestamp)
		FROM visitor_events
		WHERE $1::text = '' OR run_id = $1
		GROUP BY run_id, visitor_id
		ORDER BY MIN(id)
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list visitors: %w", err)
	}
	defer rows.Close()

	var out []VisitorSummary
	for rows.Next() {
		var v VisitorSummary
		if err := rows.Scan(&v.RunID, &v.VisitorID, &v.Events, &v.FirstSeen, &v.LastSeen); err != nil {
			return nil, fmt.Errorf("scan visitor: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// SavePrototypes replaces the persisted prototypes in a single transaction.
func (s *Postgres) SavePrototypes(ctx context.Context, protos []Prototype) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM visitor_prototypes"); err != nil {
		return fmt.Errorf("clear prototypes: %w", err)
	}
	for _, p := range protos {
		vec := pgvector.NewVector(utils.Float32s(p.Embedding))
		_, err := tx.Exec(ctx, `
			INSERT INTO visitor_prototypes (visitor_id, position, seq, sightings, embedding)
			VALUES ($1, $2, $3, $4, $5::vector)
		`, p.VisitorID, p.Position, p.Seq, p.Sightings, vec)
		if err != nil {
			return fmt.Errorf("insert prototype %s/%d: %w", p.VisitorID, p.Seq, err)
		}
	}
	return tx.Commit(ctx)
}

// LoadPrototypes reads every persisted prototype in identity creation order.
func (s *Postgres) LoadPrototypes(ctx context.Context) ([]Prototype, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT visitor_id, position, seq, sightings, embedding
		FROM visitor_prototypes
		ORDER BY position, seq
	`)
	if err != nil {
		return nil, fmt.Errorf("load prototypes: %w", err)
	}
	defer rows.Close()

	var out []Prototype
	for rows.Next() {
		var p Prototype
		var vec pgvector.Vector
		if err := rows.Scan(&p.VisitorID, &p.Position, &p.Seq, &p.Sightings, &vec); err != nil {
			return nil, fmt.Errorf("scan prototype: %w", err)
		}
		p.Embedding = utils.Float64s(vec.Slice())
		out = append(out, p)
	}
	return out, rows.Err()
}

// Reset drops all application tables and recreates them empty.
func (s *Postgres) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS visitor_events CASCADE;
		DROP TABLE IF EXISTS visitor_prototypes CASCADE;
	`)
	if err != nil {
		return err
	}
	return initPostgresSchema(ctx, s.conn)
}
