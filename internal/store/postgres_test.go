package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPostgres(t *testing.T) (*Postgres, pgxmock.PgxConnIface) {
	t.Helper()
	mock, err := pgxmock.NewConn()
	require.NoError(t, err)
	return &Postgres{conn: mock}, mock
}

func TestPostgresAppend(t *testing.T) {
	s, mock := newMockPostgres(t)
	ts := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO visitor_events")).
		WithArgs("run-a", "visitor_1", ts, "ENTRY", "logs/ENTRY/a.jpg").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(42)))

	ev := Event{RunID: "run-a", VisitorID: "visitor_1", Timestamp: ts, Kind: "ENTRY", ImagePath: "logs/ENTRY/a.jpg"}
	require.NoError(t, s.Append(context.Background(), &ev))
	assert.Equal(t, int64(42), ev.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendError(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO visitor_events")).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	err := s.Append(context.Background(), &Event{RunID: "r", VisitorID: "visitor_1", Timestamp: time.Now(), Kind: "ENTRY"})
	assert.ErrorContains(t, err, "append event")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUniqueVisitors(t *testing.T) {
	s, mock := newMockPostgres(t)
	first := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	last := first.Add(time.Minute)

	rows := pgxmock.NewRows([]string{"run_id", "visitor_id", "count", "min", "max"}).
		AddRow("run-a", "visitor_1", 2, first, last).
		AddRow("run-a", "visitor_2", 1, last, last)
	mock.ExpectQuery(regexp.QuoteMeta("FROM visitor_events")).
		WithArgs("run-a").
		WillReturnRows(rows)

	got, err := s.UniqueVisitors(context.Background(), "run-a")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, VisitorSummary{RunID: "run-a", VisitorID: "visitor_1", Events: 2, FirstSeen: first, LastSeen: last}, got[0])
	assert.Equal(t, "visitor_2", got[1].VisitorID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSavePrototypes(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM visitor_prototypes")).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO visitor_prototypes")).
		WithArgs("visitor_1", 0, 0, 5, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO visitor_prototypes")).
		WithArgs("visitor_1", 0, 1, 5, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := s.SavePrototypes(context.Background(), []Prototype{
		{VisitorID: "visitor_1", Position: 0, Seq: 0, Sightings: 5, Embedding: []float64{1, 0}},
		{VisitorID: "visitor_1", Position: 0, Seq: 1, Sightings: 5, Embedding: []float64{0.8, 0.6}},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSavePrototypesRollsBack(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM visitor_prototypes")).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO visitor_prototypes")).
		WithArgs("visitor_1", 0, 0, 0, pgxmock.AnyArg()).
		WillReturnError(errors.New("dimension mismatch"))
	mock.ExpectRollback()

	err := s.SavePrototypes(context.Background(), []Prototype{
		{VisitorID: "visitor_1", Embedding: []float64{1, 0}},
	})
	assert.ErrorContains(t, err, "insert prototype visitor_1/0")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLoadPrototypes(t *testing.T) {
	s, mock := newMockPostgres(t)

	rows := pgxmock.NewRows([]string{"visitor_id", "position", "seq", "sightings", "embedding"}).
		AddRow("visitor_2", 0, 0, 7, pgvector.NewVector([]float32{1, 0})).
		AddRow("visitor_1", 1, 0, 1, pgvector.NewVector([]float32{0, 1}))
	mock.ExpectQuery(regexp.QuoteMeta("FROM visitor_prototypes")).WillReturnRows(rows)

	got, err := s.LoadPrototypes(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "visitor_2", got[0].VisitorID)
	assert.Equal(t, []float64{1, 0}, got[0].Embedding)
	assert.Equal(t, 7, got[0].Sightings)
	assert.Equal(t, 1, got[1].Position)
	assert.NoError(t, mock.ExpectationsWereMet())
}
