// Package csvfile persists discovery records, pages, and chunks as files.
// Every write replaces the previous file through a temp file and a rename, so
// a failed run leaves the prior output intact.
package csvfile

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"

	"github.com/spf13/afero"

	"github.com/JakeFAU/site-ingest/internal/crawler"
)

var (
	pagesHeader  = []string{"url", "title", "content", "links"}
	chunksHeader = []string{"url", "title", "chunk_id", "chunk_content"}
)

// Config locates the files.
type Config struct {
	DiscoveryPath string
	PagesPath     string
	ChunksPath    string
}

// Store reads and writes the pipeline files on an afero filesystem.
type Store struct {
	fs  afero.Fs
	cfg Config
}

// New creates a Store. A nil fs means the OS filesystem.
func New(fs afero.Fs, cfg Config) (*Store, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if cfg.PagesPath == "" || cfg.ChunksPath == "" {
		return nil, fmt.Errorf("pages and chunks paths are required")
	}
	return &Store{fs: fs, cfg: cfg}, nil
}

// Name identifies the sink in logs and metrics.
func (s *Store) Name() string { return "csv" }

// Files lists the paths a full run writes, for mirroring.
func (s *Store) Files() []string {
	files := make([]string, 0, 3)
	if s.cfg.DiscoveryPath != "" {
		files = append(files, s.cfg.DiscoveryPath)
	}
	return append(files, s.cfg.PagesPath, s.cfg.ChunksPath)
}

// Fs exposes the filesystem the store writes to.
func (s *Store) Fs() afero.Fs { return s.fs }

// WriteDiscovery replaces the discovery file with one JSON object per line.
func (s *Store) WriteDiscovery(records []crawler.DiscoveryRecord) error {
	if s.cfg.DiscoveryPath == "" {
		return fmt.Errorf("discovery path is not configured")
	}
	tmp, err := s.writeTemp(s.cfg.DiscoveryPath, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		for _, r := range records {
			if err := enc.Encode(r); err != nil {
				return fmt.Errorf("encode discovery record: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.commit(rename{tmp: tmp, dest: s.cfg.DiscoveryPath})
}

// ReadDiscovery loads the discovery file.
func (s *Store) ReadDiscovery() ([]crawler.DiscoveryRecord, error) {
	f, err := s.fs.Open(s.cfg.DiscoveryPath)
	if err != nil {
		return nil, fmt.Errorf("open discovery file: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only

	var out []crawler.DiscoveryRecord
	dec := json.NewDecoder(bufio.NewReader(f))
	for {
		var r crawler.DiscoveryRecord
		if err := dec.Decode(&r); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, fmt.Errorf("decode discovery record %d: %w", len(out)+1, err)
		}
		out = append(out, r)
	}
}

// Replace implements crawler.RecordSink. Invalid rows are skipped and counted.
// The pages file is replaced before the chunks file. If the second rename
// fails, the new pages file sits beside the previous chunks file until the
// next successful run.
func (s *Store) Replace(_ context.Context, pages []crawler.PageRecord, chunks []crawler.ChunkRecord) (crawler.WriteResult, error) {
	batch := crawler.ValidateBatch(pages, chunks)
	pagesTmp, err := s.writeTemp(s.cfg.PagesPath, func(w io.Writer) error {
		return writePages(w, batch.Pages)
	})
	if err != nil {
		return crawler.WriteResult{}, err
	}
	chunksTmp, err := s.writeTemp(s.cfg.ChunksPath, func(w io.Writer) error {
		return writeChunks(w, batch.Chunks)
	})
	if err != nil {
		_ = s.fs.Remove(pagesTmp)
		return crawler.WriteResult{}, err
	}
	if err := s.commit(
		rename{tmp: pagesTmp, dest: s.cfg.PagesPath},
		rename{tmp: chunksTmp, dest: s.cfg.ChunksPath},
	); err != nil {
		return crawler.WriteResult{}, err
	}
	return crawler.WriteResult{
		Pages:    len(batch.Pages),
		Chunks:   len(batch.Chunks),
		Rejected: len(batch.Rejected),
	}, nil
}

// WriteChunks replaces only the chunks file. Chunks whose page is not in
// pages are rejected.
func (s *Store) WriteChunks(pages []crawler.PageRecord, chunks []crawler.ChunkRecord) (crawler.WriteResult, error) {
	batch := crawler.ValidateBatch(pages, chunks)
	tmp, err := s.writeTemp(s.cfg.ChunksPath, func(w io.Writer) error {
		return writeChunks(w, batch.Chunks)
	})
	if err != nil {
		return crawler.WriteResult{}, err
	}
	if err := s.commit(rename{tmp: tmp, dest: s.cfg.ChunksPath}); err != nil {
		return crawler.WriteResult{}, err
	}
	return crawler.WriteResult{Chunks: len(batch.Chunks), Rejected: len(batch.Rejected)}, nil
}

// ReadPages loads the pages file.
func (s *Store) ReadPages() ([]crawler.PageRecord, error) {
	rows, err := s.readCSV(s.cfg.PagesPath, pagesHeader)
	if err != nil {
		return nil, err
	}
	out := make([]crawler.PageRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, crawler.PageRecord{
			URL:     row[0],
			Title:   row[1],
			Content: row[2],
			Links:   crawler.SplitLinks(row[3]),
		})
	}
	return out, nil
}

// ReadChunks loads the chunks file.
func (s *Store) ReadChunks() ([]crawler.ChunkRecord, error) {
	rows, err := s.readCSV(s.cfg.ChunksPath, chunksHeader)
	if err != nil {
		return nil, err
	}
	out := make([]crawler.ChunkRecord, 0, len(rows))
	for i, row := range rows {
		index, err := strconv.Atoi(row[2])
		if err != nil {
			return nil, fmt.Errorf("chunks row %d: parse chunk_id: %w", i+1, err)
		}
		out = append(out, crawler.ChunkRecord{SourceURL: row[0], Title: row[1], Index: index, Text: row[3]})
	}
	return out, nil
}

func (s *Store) readCSV(path string, header []string) ([][]string, error) {
	f, err := s.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // read-only

	r := csv.NewReader(bufio.NewReader(f))
	r.FieldsPerRecord = len(header)
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("read %s: missing header", path)
	}
	for i, name := range header {
		if rows[0][i] != name {
			return nil, fmt.Errorf("read %s: column %d is %q, want %q", path, i+1, rows[0][i], name)
		}
	}
	return rows[1:], nil
}

func writePages(w io.Writer, pages []crawler.PageRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(pagesHeader); err != nil {
		return fmt.Errorf("write pages header: %w", err)
	}
	for _, p := range pages {
		if err := cw.Write([]string{p.URL, p.Title, p.Content, crawler.JoinLinks(p.Links)}); err != nil {
			return fmt.Errorf("write page %s: %w", p.URL, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush pages: %w", err)
	}
	return nil
}

func writeChunks(w io.Writer, chunks []crawler.ChunkRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(chunksHeader); err != nil {
		return fmt.Errorf("write chunks header: %w", err)
	}
	for _, c := range chunks {
		if err := cw.Write([]string{c.SourceURL, c.Title, strconv.Itoa(c.Index), c.Text}); err != nil {
			return fmt.Errorf("write chunk %s#%d: %w", c.SourceURL, c.Index, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush chunks: %w", err)
	}
	return nil
}

// writeTemp writes a sibling temp file of path and returns its name.
func (s *Store) writeTemp(path string, write func(io.Writer) error) (string, error) {
	dir := filepath.Dir(path)
	if err := s.fs.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create output dir %s: %w", dir, err)
	}
	tmp, err := afero.TempFile(s.fs, dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp file for %s: %w", path, err)
	}
	bw := bufio.NewWriter(tmp)
	writeErr := write(bw)
	if writeErr == nil {
		writeErr = bw.Flush()
	}
	if closeErr := tmp.Close(); writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		_ = s.fs.Remove(tmp.Name())
		return "", fmt.Errorf("write %s: %w", path, writeErr)
	}
	return tmp.Name(), nil
}

type rename struct {
	tmp  string
	dest string
}

// commit renames each temp file over its destination in order and stops at
// the first failure. Temp files not yet renamed are removed.
func (s *Store) commit(renames ...rename) error {
	for i, r := range renames {
		if err := s.fs.Rename(r.tmp, r.dest); err != nil {
			for _, rest := range renames[i:] {
				_ = s.fs.Remove(rest.tmp)
			}
			if i > 0 {
				return fmt.Errorf("replace %s after replacing %s: %w", r.dest, renames[i-1].dest, err)
			}
			return fmt.Errorf("replace %s: %w", r.dest, err)
		}
	}
	return nil
}
