package crawler

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrAllFetchesFailed reports a batch in which every candidate URL failed.
	ErrAllFetchesFailed = errors.New("every candidate url failed to fetch")
	// ErrEmptyBody is returned when a response carries no content.
	ErrEmptyBody = errors.New("empty response body")
	// ErrInvalidRecord marks a record rejected by a sink schema check.
	ErrInvalidRecord = errors.New("invalid record")
	// ErrOffScopeRedirect marks a response whose redirects left the crawl scope.
	ErrOffScopeRedirect = errors.New("redirected outside crawl scope")
)

// StatusError reports a non-success HTTP status.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}
