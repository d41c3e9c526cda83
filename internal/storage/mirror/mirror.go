// Package mirror copies finished output files into a blob store.
package mirror

import (
	"context"
	"fmt"
	"mime"
	"path"
	"path/filepath"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-ingest/internal/crawler"
)

// Mirror uploads files from fs to a blob store under a per-run directory.
type Mirror struct {
	fs     afero.Fs
	store  crawler.BlobStore
	logger *zap.Logger
}

// New returns a Mirror. A nil store yields a Mirror whose Upload is a no-op.
func New(fs afero.Fs, store crawler.BlobStore, logger *zap.Logger) *Mirror {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{fs: fs, store: store, logger: logger}
}

// Enabled reports whether uploads go anywhere.
func (m *Mirror) Enabled() bool { return m != nil && m.store != nil }

// Upload copies each file to runID/<base name>. Missing files are skipped.
// It returns the URIs of uploaded objects in input order.
func (m *Mirror) Upload(ctx context.Context, runID string, files ...string) ([]string, error) {
	if !m.Enabled() {
		return nil, nil
	}
	uris := make([]string, 0, len(files))
	for _, file := range files {
		if file == "" {
			continue
		}
		exists, err := afero.Exists(m.fs, file)
		if err != nil {
			return uris, fmt.Errorf("stat %s: %w", file, err)
		}
		if !exists {
			m.logger.Debug("mirror skipping missing file", zap.String("file", file))
			continue
		}
		uri, err := m.uploadOne(ctx, runID, file)
		if err != nil {
			return uris, err
		}
		m.logger.Info("mirrored output", zap.String("file", file), zap.String("uri", uri))
		uris = append(uris, uri)
	}
	return uris, nil
}

func (m *Mirror) uploadOne(ctx context.Context, runID, file string) (string, error) {
	f, err := m.fs.Open(file)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", file, err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	name := path.Join(runID, filepath.Base(file))
	uri, err := m.store.PutObject(ctx, name, contentType(file), f)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", file, err)
	}
	return uri, nil
}

func contentType(file string) string {
	switch ext := filepath.Ext(file); ext {
	case ".jsonl":
		return "application/x-ndjson"
	case ".csv":
		return "text/csv"
	case ".log":
		return "text/plain"
	default:
		if t := mime.TypeByExtension(ext); t != "" {
			return t
		}
		return "application/octet-stream"
	}
}
