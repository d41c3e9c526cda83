package crawler

import (
	"context"
	"io"
	"time"
)

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// RetryPolicy decides whether a failed attempt is retried and for how long
// to wait before the next one.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// RobotsPolicy reports whether robots.txt allows fetching a URL.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// RateLimiter blocks until a request to url may proceed.
type RateLimiter interface {
	Wait(ctx context.Context, url string) error
}

// ErrorLog records permanently failed URLs.
type ErrorLog interface {
	Record(url string, reason error) error
}

// BlobStore stores mirrored output files and returns their URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher announces finished runs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// RecordSink persists one run's pages and chunks, replacing prior content.
type RecordSink interface {
	Replace(ctx context.Context, pages []PageRecord, chunks []ChunkRecord) (WriteResult, error)
}

// WriteResult reports how many records a sink accepted and rejected.
type WriteResult struct {
	Pages    int
	Chunks   int
	Rejected int
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
