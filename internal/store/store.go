// Package store is the append-only visitor event log.
package store

import (
	"context"
	"strings"
	"time"
)

// Event is one row of the event log.
type Event struct {
	ID        int64
	RunID     string
	VisitorID string
	Timestamp time.Time
	Kind      string
	ImagePath string
}

// VisitorSummary aggregates the events of one visitor within one run.
type VisitorSummary struct {
	RunID     string
	VisitorID string
	Events    int
	FirstSeen time.Time
	LastSeen  time.Time
}

// Prototype is one persisted reference embedding of a visitor identity.
type Prototype struct {
	VisitorID string
	Position  int // creation order of the identity, 0-based
	Seq       int // order within the identity, oldest first
	Sightings int // of the whole identity, repeated on each of its rows
	Embedding []float64
}

// EventStore is the append-only event log. There is no update or delete of single rows.
type EventStore interface {
	// Append records one event and fills in its ID.
	Append(ctx context.Context, ev *Event) error
	// UniqueVisitors lists distinct visitors in first-logged order; an empty runID means every run.
	UniqueVisitors(ctx context.Context, runID string) ([]VisitorSummary, error)
	// Reset drops and recreates every table owned by the store.
	Reset(ctx context.Context) error
	Close(ctx context.Context) error
}

// PrototypeStore persists identity prototypes between runs.
type PrototypeStore interface {
	// SavePrototypes replaces every stored prototype with protos.
	SavePrototypes(ctx context.Context, protos []Prototype) error
	// LoadPrototypes returns prototypes ordered by Position, then Seq.
	LoadPrototypes(ctx context.Context) ([]Prototype, error)
}

// IsPostgresDSN reports whether dsn points at PostgreSQL rather than a SQLite file.
func IsPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// Open connects to the event store named by dsn: a PostgreSQL URL or a SQLite file path.
func Open(ctx context.Context, dsn string) (EventStore, error) {
	if IsPostgresDSN(dsn) {
		return NewPostgres(ctx, dsn)
	}
	return NewSQLite(ctx, dsn)
}
