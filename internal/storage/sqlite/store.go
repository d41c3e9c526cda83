// Package sqlite persists pages and chunks to a SQLite database using the
// pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/JakeFAU/site-ingest/internal/crawler"
)

const schema = `
CREATE TABLE IF NOT EXISTS pages (
	url        TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	content    TEXT NOT NULL,
	links      TEXT NOT NULL,
	fetched_at TEXT
);
CREATE TABLE IF NOT EXISTS chunks (
	url           TEXT NOT NULL REFERENCES pages(url) ON DELETE CASCADE,
	title         TEXT NOT NULL,
	chunk_id      INTEGER NOT NULL CHECK (chunk_id >= 1),
	chunk_content TEXT NOT NULL,
	PRIMARY KEY (url, chunk_id)
);`

// Store is a crawler.RecordSink backed by one SQLite file.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Name identifies the sink in logs and metrics.
func (s *Store) Name() string { return "sqlite" }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// Replace implements crawler.RecordSink: prior rows are deleted and the new
// batch inserted in one transaction.
func (s *Store) Replace(ctx context.Context, pages []crawler.PageRecord, chunks []crawler.ChunkRecord) (crawler.WriteResult, error) {
	batch := crawler.ValidateBatch(pages, chunks)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return crawler.WriteResult{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, stmt := range []string{"DELETE FROM chunks", "DELETE FROM pages"} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return crawler.WriteResult{}, fmt.Errorf("clearing previous run: %w", err)
		}
	}

	pageStmt, err := tx.PrepareContext(ctx,
		"INSERT INTO pages (url, title, content, links, fetched_at) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return crawler.WriteResult{}, fmt.Errorf("preparing page insert: %w", err)
	}
	defer pageStmt.Close() //nolint:errcheck // closed with tx
	for _, p := range batch.Pages {
		if _, err := pageStmt.ExecContext(ctx, p.URL, p.Title, p.Content, crawler.JoinLinks(p.Links), formatTime(p.FetchedAt)); err != nil {
			return crawler.WriteResult{}, fmt.Errorf("inserting page %s: %w", p.URL, err)
		}
	}

	chunkStmt, err := tx.PrepareContext(ctx,
		"INSERT INTO chunks (url, title, chunk_id, chunk_content) VALUES (?, ?, ?, ?)")
	if err != nil {
		return crawler.WriteResult{}, fmt.Errorf("preparing chunk insert: %w", err)
	}
	defer chunkStmt.Close() //nolint:errcheck // closed with tx
	for _, c := range batch.Chunks {
		if _, err := chunkStmt.ExecContext(ctx, c.SourceURL, c.Title, c.Index, c.Text); err != nil {
			return crawler.WriteResult{}, fmt.Errorf("inserting chunk %s#%d: %w", c.SourceURL, c.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return crawler.WriteResult{}, fmt.Errorf("committing transaction: %w", err)
	}
	return crawler.WriteResult{
		Pages:    len(batch.Pages),
		Chunks:   len(batch.Chunks),
		Rejected: len(batch.Rejected),
	}, nil
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
