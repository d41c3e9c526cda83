package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-ingest/internal/crawler"
)

func TestReplaceCopiesValidRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStoreWithPool(mock, Config{})
	require.NoError(t, err)
	store = store.withRunID("run-1")

	pages := []crawler.PageRecord{
		{URL: "https://a.com/1", Title: "One", Content: "a b"},
		{URL: ""},
	}
	chunks := []crawler.ChunkRecord{
		{SourceURL: "https://a.com/1", Title: "One", Index: 1, Text: "a b"},
		{SourceURL: "https://a.com/1", Title: "One", Index: 0, Text: "bad"},
	}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM chunks").WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec("DELETE FROM pages").WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCopyFrom(pgx.Identifier{"pages"}, pageColumns).WillReturnResult(1)
	mock.ExpectCopyFrom(pgx.Identifier{"chunks"}, chunkColumns).WillReturnResult(1)
	mock.ExpectCommit()

	res, err := store.Replace(context.Background(), pages, chunks)
	require.NoError(t, err)
	require.Equal(t, crawler.WriteResult{Pages: 1, Chunks: 1, Rejected: 2}, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceRollsBackOnCopyFailure(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStoreWithPool(mock, Config{})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM chunks").WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec("DELETE FROM pages").WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"pages"}, pageColumns).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err = store.Replace(context.Background(), []crawler.PageRecord{{URL: "https://a.com"}}, nil)
	require.ErrorContains(t, err, "copy pages: disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRunUpserts(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStoreWithPool(mock, Config{RunsTable: "runs"})
	require.NoError(t, err)

	started := time.Unix(1700000000, 0).UTC()
	run := RunRow{
		RunID: "run-1", StartedAt: started, FinishedAt: started.Add(time.Minute), Outcome: "partial",
		Candidates: 3, Fetched: 2, Failed: 1, Pages: 2, Chunks: 5, Rejected: 0,
	}
	mock.ExpectExec("INSERT INTO runs").
		WithArgs(run.RunID, run.StartedAt, run.FinishedAt, run.Outcome,
			run.Candidates, run.Fetched, run.Failed, run.Pages, run.Chunks, run.Rejected).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.RecordRun(context.Background(), run))
	require.Error(t, store.RecordRun(context.Background(), RunRow{}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStoreWithPool(mock, Config{})
	require.NoError(t, err)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS pages").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS chunks").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS ingest_runs").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewRecordStoreValidatesTables(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewRecordStoreWithPool(mock, Config{PagesTable: "pages; DROP TABLE x"})
	require.ErrorContains(t, err, "invalid table name")
	_, err = NewRecordStoreWithPool(nil, Config{})
	require.Error(t, err)
}
