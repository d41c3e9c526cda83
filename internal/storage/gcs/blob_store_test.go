package gcs

import (
	"context"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesArguments(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.ErrorContains(t, err, "storage client is required")

	_, err = New(&storage.Client{}, Config{})
	require.ErrorContains(t, err, "bucket name is required")
}

func TestObjectNameAppliesPrefix(t *testing.T) {
	t.Parallel()

	store, err := New(&storage.Client{}, Config{Bucket: "b", Prefix: "/site-ingest/"})
	require.NoError(t, err)
	require.Equal(t, "site-ingest/run-1/pages.csv", store.ObjectName("/run-1/pages.csv"))

	bare, err := New(&storage.Client{}, Config{Bucket: "b"})
	require.NoError(t, err)
	require.Equal(t, "pages.csv", bare.ObjectName("pages.csv"))
}

func TestPutObjectRequiresPath(t *testing.T) {
	t.Parallel()

	store, err := New(&storage.Client{}, Config{Bucket: "b"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), " ", "text/csv", strings.NewReader("x"))
	require.ErrorContains(t, err, "path is required")
	require.NoError(t, store.Close())
}
