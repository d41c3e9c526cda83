package mirror

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-ingest/internal/storage/memory"
)

func TestUploadCopiesFilesUnderRunID(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/out/scraped_data.csv", []byte("url,title,content,links\n"), 0o600))
	require.NoError(t, afero.WriteFile(fs, "/out/output.jsonl", []byte("{}\n"), 0o600))

	store := memory.NewBlobStore()
	m := New(fs, store, nil)
	uris, err := m.Upload(context.Background(), "run-1", "/out/output.jsonl", "/out/scraped_data.csv", "/out/missing.csv", "")
	require.NoError(t, err)
	require.Equal(t, []string{"memory://run-1/output.jsonl", "memory://run-1/scraped_data.csv"}, uris)

	got, ok := store.Get("run-1/scraped_data.csv")
	require.True(t, ok)
	require.Equal(t, "url,title,content,links\n", string(got))
}

func TestUploadDisabledWithoutStore(t *testing.T) {
	t.Parallel()

	m := New(afero.NewMemMapFs(), nil, nil)
	require.False(t, m.Enabled())
	uris, err := m.Upload(context.Background(), "run", "/x")
	require.NoError(t, err)
	require.Empty(t, uris)
}

type failingStore struct{ mock.Mock }

func (f *failingStore) PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error) {
	args := f.Called(ctx, path, contentType, r)
	return args.String(0), args.Error(1)
}

func TestUploadSurfacesStoreErrors(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/out/chunked_data.csv", []byte("x"), 0o600))

	store := &failingStore{}
	store.On("PutObject", mock.Anything, "run/chunked_data.csv", "text/csv", mock.Anything).
		Return("", errors.New("quota"))

	_, err := New(fs, store, nil).Upload(context.Background(), "run", "/out/chunked_data.csv")
	require.ErrorContains(t, err, "quota")
	store.AssertExpectations(t)
}

func TestContentType(t *testing.T) {
	t.Parallel()

	require.Equal(t, "application/x-ndjson", contentType("a.jsonl"))
	require.Equal(t, "text/csv", contentType("a.csv"))
	require.Equal(t, "text/plain", contentType("errors.log"))
	require.Equal(t, "application/octet-stream", contentType("blob"))
}
