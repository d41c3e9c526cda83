package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-ingest/internal/crawler"
)

type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(crawler.FetchResponse)
	return resp, args.Error(1)
}

// scriptedFetcher fails each URL a fixed number of times before succeeding.
type scriptedFetcher struct {
	mu       sync.Mutex
	failures map[string]int
	calls    map[string]int
}

func newScriptedFetcher(failures map[string]int) *scriptedFetcher {
	return &scriptedFetcher{failures: failures, calls: make(map[string]int)}
}

func (f *scriptedFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[req.URL]++
	if f.calls[req.URL] <= f.failures[req.URL] {
		return crawler.FetchResponse{}, &crawler.StatusError{StatusCode: 503}
	}
	return crawler.FetchResponse{URL: req.URL, StatusCode: 200, Body: []byte("body of " + req.URL)}, nil
}

func (f *scriptedFetcher) Calls(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

type recordingErrLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *recordingErrLog) Record(url string, _ error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, url)
	return nil
}

func (l *recordingErrLog) URLs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

func noBackoff() crawler.RetryPolicy {
	return crawler.NewExponentialRetryPolicy(3, 0, 0)
}

func mustScope(t *testing.T, patterns ...string) *crawler.DomainScope {
	t.Helper()
	scope, err := crawler.NewDomainScope(patterns)
	require.NoError(t, err)
	return scope
}

func successURLs(b Batch) []string {
	out := make([]string, 0, len(b.Successes))
	for _, s := range b.Successes {
		out = append(out, s.URL)
	}
	sort.Strings(out)
	return out
}

func TestFetchAllRetryBoundIsExact(t *testing.T) {
	t.Parallel()

	fetcher := &mockFetcher{}
	fetcher.On("Fetch", mock.Anything, mock.MatchedBy(func(r crawler.FetchRequest) bool {
		return r.URL == "https://a.com/broken"
	})).Return(crawler.FetchResponse{}, errors.New("connection refused")).Times(3)

	errLog := &recordingErrLog{}
	pool := New(fetcher, noBackoff(), nil, errLog, mustScope(t, "a.com"), Config{Workers: 2}, zap.NewNop())

	batch := pool.FetchAll(context.Background(), []string{"https://a.com/broken"})
	fetcher.AssertExpectations(t)
	fetcher.AssertNumberOfCalls(t, "Fetch", 3)

	require.Equal(t, crawler.BatchAllFailed, batch.Outcome)
	require.Len(t, batch.Failures, 1)
	require.Equal(t, 3, batch.Failures[0].Attempts)
	require.ErrorContains(t, batch.Failures[0].Err, "connection refused")
	require.Equal(t, []string{"https://a.com/broken"}, errLog.URLs())
}

func TestFetchAllRecoversAfterTransientErrors(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher(map[string]int{"https://a.com/flaky": 2})
	errLog := &recordingErrLog{}
	pool := New(fetcher, noBackoff(), nil, errLog, nil, Config{Workers: 1}, nil)

	batch := pool.FetchAll(context.Background(), []string{"https://a.com/flaky"})
	require.Equal(t, crawler.BatchComplete, batch.Outcome)
	require.Len(t, batch.Successes, 1)
	require.Equal(t, 3, batch.Successes[0].Attempts)
	require.Empty(t, errLog.URLs())
}

func TestFetchAllWorkerCountDoesNotChangeResults(t *testing.T) {
	t.Parallel()

	urls := make([]string, 0, 30)
	failures := map[string]int{}
	for i := 0; i < 30; i++ {
		u := fmt.Sprintf("https://a.com/p%02d", i)
		urls = append(urls, u)
		switch i % 3 {
		case 0:
			failures[u] = 5
		case 1:
			failures[u] = 1
		}
	}

	run := func(workers int) Batch {
		fetcher := newScriptedFetcher(failures)
		pool := New(fetcher, noBackoff(), nil, &recordingErrLog{}, mustScope(t, "a.com"), Config{Workers: workers}, nil)
		return pool.FetchAll(context.Background(), urls)
	}

	serial := run(1)
	parallel := run(10)
	require.Equal(t, successURLs(serial), successURLs(parallel))
	require.Len(t, serial.Successes, 20)
	require.Len(t, parallel.Failures, 10)
	require.Equal(t, crawler.BatchPartial, parallel.Outcome)
}

func TestFetchAllSkipsOutOfScopeAndDuplicates(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher(nil)
	errLog := &recordingErrLog{}
	pool := New(fetcher, noBackoff(), nil, errLog, mustScope(t, "a.com"), Config{Workers: 3}, nil)

	batch := pool.FetchAll(context.Background(), []string{
		"https://a.com/x",
		"https://A.com/x#frag",
		"https://c.com/never",
		"not a url",
	})
	require.Equal(t, []string{"https://a.com/x"}, successURLs(batch))
	require.Equal(t, 3, batch.Skipped)
	require.Zero(t, fetcher.Calls("https://c.com/never"))
	require.Empty(t, errLog.URLs())
}

func TestFetchAllRejectsRedirectOutOfScope(t *testing.T) {
	t.Parallel()

	fetcher := &mockFetcher{}
	fetcher.On("Fetch", mock.Anything, mock.MatchedBy(func(r crawler.FetchRequest) bool {
		return r.URL == "https://a.com/moved"
	})).Return(crawler.FetchResponse{
		URL:        "https://a.com/moved",
		FinalURL:   "https://b.com/landing",
		StatusCode: 200,
		Body:       []byte("elsewhere"),
	}, nil).Once()
	fetcher.On("Fetch", mock.Anything, mock.MatchedBy(func(r crawler.FetchRequest) bool {
		return r.URL == "https://a.com/old"
	})).Return(crawler.FetchResponse{
		URL:        "https://a.com/old",
		FinalURL:   "https://a.com/new",
		StatusCode: 200,
		Body:       []byte("moved within the site"),
	}, nil).Once()

	errLog := &recordingErrLog{}
	pool := New(fetcher, noBackoff(), nil, errLog, mustScope(t, "a.com"), Config{Workers: 2}, nil)

	batch := pool.FetchAll(context.Background(), []string{"https://a.com/moved", "https://a.com/old"})
	fetcher.AssertExpectations(t)
	fetcher.AssertNumberOfCalls(t, "Fetch", 2)

	require.Equal(t, crawler.BatchPartial, batch.Outcome)
	require.Equal(t, []string{"https://a.com/old"}, successURLs(batch))
	require.Len(t, batch.Failures, 1)
	require.Equal(t, "https://a.com/moved", batch.Failures[0].URL)
	require.Equal(t, 1, batch.Failures[0].Attempts)
	require.ErrorIs(t, batch.Failures[0].Err, crawler.ErrOffScopeRedirect)
	require.Equal(t, []string{"https://a.com/moved"}, errLog.URLs())
}

func TestFetchAllEmptyInput(t *testing.T) {
	t.Parallel()

	pool := New(newScriptedFetcher(nil), nil, nil, nil, nil, Config{}, nil)
	batch := pool.FetchAll(context.Background(), nil)
	require.Equal(t, crawler.BatchEmpty, batch.Outcome)
	require.Empty(t, batch.Successes)
	require.Empty(t, batch.Failures)
}

type slowFetcher struct{}

func (slowFetcher) Fetch(ctx context.Context, _ crawler.FetchRequest) (crawler.FetchResponse, error) {
	<-ctx.Done()
	return crawler.FetchResponse{}, ctx.Err()
}

func TestFetchAllAppliesAttemptTimeout(t *testing.T) {
	t.Parallel()

	errLog := &recordingErrLog{}
	pool := New(slowFetcher{}, crawler.NewExponentialRetryPolicy(2, 0, 0), nil, errLog, nil,
		Config{Workers: 1, AttemptTimeout: 20 * time.Millisecond}, nil)

	start := time.Now()
	batch := pool.FetchAll(context.Background(), []string{"https://slow.com/"})
	require.Less(t, time.Since(start), 2*time.Second)
	require.Equal(t, crawler.BatchAllFailed, batch.Outcome)
	require.Equal(t, 2, batch.Failures[0].Attempts)
	require.ErrorIs(t, batch.Failures[0].Err, context.DeadlineExceeded)
	require.Len(t, errLog.URLs(), 1)
}

type countingLimiter struct {
	mu    sync.Mutex
	waits int
}

func (l *countingLimiter) Wait(context.Context, string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.waits++
	return nil
}

func TestFetchAllWaitsOnLimiterPerAttempt(t *testing.T) {
	t.Parallel()

	limiter := &countingLimiter{}
	fetcher := newScriptedFetcher(map[string]int{"https://a.com/1": 1})
	pool := New(fetcher, noBackoff(), limiter, nil, nil, Config{Workers: 2}, nil)

	batch := pool.FetchAll(context.Background(), []string{"https://a.com/1", "https://a.com/2"})
	require.Len(t, batch.Successes, 2)
	require.Equal(t, 3, limiter.waits)
}

func TestSleepContext(t *testing.T) {
	t.Parallel()

	require.NoError(t, sleepContext(context.Background(), 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}
