package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "nested", "visitors.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func TestSQLiteAppendAndUniqueVisitors(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	events := []Event{
		{RunID: "run-a", VisitorID: "visitor_1", Timestamp: base, Kind: "ENTRY", ImagePath: "logs/ENTRY/a.jpg"},
		{RunID: "run-a", VisitorID: "visitor_2", Timestamp: base.Add(2 * time.Second), Kind: "ENTRY", ImagePath: "logs/ENTRY/b.jpg"},
		{RunID: "run-a", VisitorID: "visitor_1", Timestamp: base.Add(1500 * time.Millisecond), Kind: "ENTRY", ImagePath: "logs/ENTRY/c.jpg"},
		{RunID: "run-b", VisitorID: "visitor_1", Timestamp: base.Add(time.Hour), Kind: "ENTRY", ImagePath: "logs/ENTRY/d.jpg"},
	}
	for i := range events {
		require.NoError(t, s.Append(ctx, &events[i]))
		assert.Equal(t, int64(i+1), events[i].ID)
	}

	all, err := s.UniqueVisitors(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "visitor_1", all[0].VisitorID)
	assert.Equal(t, "run-a", all[0].RunID)
	assert.Equal(t, 2, all[0].Events)
	assert.True(t, all[0].FirstSeen.Equal(base))
	assert.True(t, all[0].LastSeen.Equal(base.Add(1500*time.Millisecond)))
	assert.Equal(t, "visitor_2", all[1].VisitorID)
	assert.Equal(t, "run-b", all[2].RunID)

	runB, err := s.UniqueVisitors(ctx, "run-b")
	require.NoError(t, err)
	require.Len(t, runB, 1)
	assert.Equal(t, 1, runB[0].Events)
}

func TestSQLiteReset(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	require.NoError(t, s.Append(ctx, &Event{RunID: "r", VisitorID: "visitor_1", Timestamp: time.Now(), Kind: "ENTRY", ImagePath: "x.jpg"}))
	require.NoError(t, s.Reset(ctx))

	visitors, err := s.UniqueVisitors(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, visitors)

	// Still writable after a reset.
	ev := Event{RunID: "r", VisitorID: "visitor_1", Timestamp: time.Now(), Kind: "ENTRY", ImagePath: "y.jpg"}
	require.NoError(t, s.Append(ctx, &ev))
}

func TestSQLiteReopenKeepsEvents(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "visitors.db")

	s, err := NewSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, &Event{RunID: "r", VisitorID: "visitor_1", Timestamp: time.Now(), Kind: "ENTRY", ImagePath: "a.jpg"}))
	require.NoError(t, s.Close(ctx))

	reopened, err := NewSQLite(ctx, path)
	require.NoError(t, err)
	defer reopened.Close(ctx)

	visitors, err := reopened.UniqueVisitors(ctx, "r")
	require.NoError(t, err)
	assert.Len(t, visitors, 1)
}

func TestOpenPicksBackend(t *testing.T) {
	assert.True(t, IsPostgresDSN("postgres://localhost:5432/footfall"))
	assert.True(t, IsPostgresDSN("postgresql://u:p@db/footfall"))
	assert.False(t, IsPostgresDSN("visitors.db"))

	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "visitors.db"))
	require.NoError(t, err)
	defer s.Close(context.Background())
	_, ok := s.(*SQLite)
	assert.True(t, ok)
}
