// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/site-ingest/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

var (
	pageColumns  = []string{"url", "title", "content", "links", "fetched_at", "run_id"}
	chunkColumns = []string{"url", "title", "chunk_id", "chunk_content", "run_id"}
)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	PagesTable      string
	ChunksTable     string
	RunsTable       string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// RecordStore writes pages, chunks, and run summaries into Postgres.
type RecordStore struct {
	pool   pool
	pages  string
	chunks string
	runs   string
	runID  string
}

// NewRecordStore connects using cfg.
func NewRecordStore(ctx context.Context, cfg Config) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres_dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewRecordStoreWithPool(p, cfg)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewRecordStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRecordStoreWithPool(p pool, cfg Config) (*RecordStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	s := &RecordStore{
		pool:   p,
		pages:  defaultName(cfg.PagesTable, "pages"),
		chunks: defaultName(cfg.ChunksTable, "chunks"),
		runs:   defaultName(cfg.RunsTable, "ingest_runs"),
	}
	for _, table := range []string{s.pages, s.chunks, s.runs} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return s, nil
}

func defaultName(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}

// Name identifies the sink in logs and metrics.
func (s *RecordStore) Name() string { return "postgres" }

// ForRun returns a copy of the store that tags written rows with runID.
func (s *RecordStore) ForRun(runID string) crawler.RecordSink {
	return s.withRunID(runID)
}

func (s *RecordStore) withRunID(runID string) *RecordStore {
	clone := *s
	clone.runID = runID
	return &clone
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the tables when missing.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	url        TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	content    TEXT NOT NULL,
	links      TEXT NOT NULL,
	fetched_at TIMESTAMPTZ,
	run_id     TEXT
)`, s.pages),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	url           TEXT NOT NULL REFERENCES %s(url) ON DELETE CASCADE,
	title         TEXT NOT NULL,
	chunk_id      INTEGER NOT NULL CHECK (chunk_id >= 1),
	chunk_content TEXT NOT NULL,
	run_id        TEXT,
	PRIMARY KEY (url, chunk_id)
)`, s.chunks, s.pages),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	run_id      TEXT PRIMARY KEY,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	outcome     TEXT NOT NULL,
	candidates  INTEGER NOT NULL,
	fetched     INTEGER NOT NULL,
	failed      INTEGER NOT NULL,
	pages       INTEGER NOT NULL,
	chunks      INTEGER NOT NULL,
	rejected    INTEGER NOT NULL
)`, s.runs),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Replace implements crawler.RecordSink. Prior rows are deleted and the new
// batch copied in within one transaction.
func (s *RecordStore) Replace(ctx context.Context, pages []crawler.PageRecord, chunks []crawler.ChunkRecord) (crawler.WriteResult, error) {
	batch := crawler.ValidateBatch(pages, chunks)
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return crawler.WriteResult{}, fmt.Errorf("begin transaction: %w", err)
	}
	if err := s.replaceInTx(ctx, tx, batch); err != nil {
		_ = tx.Rollback(ctx)
		return crawler.WriteResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return crawler.WriteResult{}, fmt.Errorf("commit: %w", err)
	}
	return crawler.WriteResult{
		Pages:    len(batch.Pages),
		Chunks:   len(batch.Chunks),
		Rejected: len(batch.Rejected),
	}, nil
}

func (s *RecordStore) replaceInTx(ctx context.Context, tx pgx.Tx, batch crawler.ValidatedBatch) error {
	if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s", s.chunks)); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s", s.pages)); err != nil {
		return fmt.Errorf("delete pages: %w", err)
	}

	pageRows := make([][]any, 0, len(batch.Pages))
	for _, p := range batch.Pages {
		var fetchedAt any
		if !p.FetchedAt.IsZero() {
			fetchedAt = p.FetchedAt.UTC()
		}
		pageRows = append(pageRows, []any{p.URL, p.Title, p.Content, crawler.JoinLinks(p.Links), fetchedAt, s.runID})
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{s.pages}, pageColumns, pgx.CopyFromRows(pageRows)); err != nil {
		return fmt.Errorf("copy pages: %w", err)
	}

	chunkRows := make([][]any, 0, len(batch.Chunks))
	for _, c := range batch.Chunks {
		chunkRows = append(chunkRows, []any{c.SourceURL, c.Title, c.Index, c.Text, s.runID})
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{s.chunks}, chunkColumns, pgx.CopyFromRows(chunkRows)); err != nil {
		return fmt.Errorf("copy chunks: %w", err)
	}
	return nil
}

// RunRow is one finished run.
type RunRow struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Outcome    string
	Candidates int
	Fetched    int
	Failed     int
	Pages      int
	Chunks     int
	Rejected   int
}

// RecordRun upserts a run summary.
func (s *RecordStore) RecordRun(ctx context.Context, run RunRow) error {
	if run.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (run_id, started_at, finished_at, outcome, candidates, fetched, failed, pages, chunks, rejected)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (run_id) DO UPDATE SET
	finished_at = EXCLUDED.finished_at,
	outcome = EXCLUDED.outcome,
	candidates = EXCLUDED.candidates,
	fetched = EXCLUDED.fetched,
	failed = EXCLUDED.failed,
	pages = EXCLUDED.pages,
	chunks = EXCLUDED.chunks,
	rejected = EXCLUDED.rejected`, s.runs)
	_, err := s.pool.Exec(ctx, query,
		run.RunID, run.StartedAt, run.FinishedAt, run.Outcome,
		run.Candidates, run.Fetched, run.Failed, run.Pages, run.Chunks, run.Rejected,
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}
