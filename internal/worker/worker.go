// Package worker fetches a batch of URLs on a bounded pool with per-URL retry.
package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-ingest/internal/crawler"
	"github.com/JakeFAU/site-ingest/internal/dispatcher"
	"github.com/JakeFAU/site-ingest/internal/metrics"
	"github.com/JakeFAU/site-ingest/internal/progress"
)

const (
	defaultWorkers        = 10
	defaultAttemptTimeout = 10 * time.Second
)

// Config controls Pool behavior.
type Config struct {
	Workers        int
	AttemptTimeout time.Duration
	// ProgressEvery logs progress after this many finished URLs.
	ProgressEvery int
}

// Batch is the result of one FetchAll call. Order within Successes and
// Failures is unspecified.
type Batch struct {
	Successes []crawler.FetchResponse
	Failures  []crawler.FetchFailure
	// Skipped counts inputs dropped as duplicates, unparsable, or out of scope.
	Skipped int
	Outcome crawler.BatchOutcome
}

// Pool fetches URLs concurrently.
type Pool struct {
	fetcher crawler.Fetcher
	retry   crawler.RetryPolicy
	limiter crawler.RateLimiter
	errLog  crawler.ErrorLog
	scope   *crawler.DomainScope
	cfg     Config
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// New constructs a Pool. limiter and errLog may be nil. A nil scope admits
// every absolute http(s) URL.
func New(
	fetcher crawler.Fetcher,
	retry crawler.RetryPolicy,
	limiter crawler.RateLimiter,
	errLog crawler.ErrorLog,
	scope *crawler.DomainScope,
	cfg Config,
	logger *zap.Logger,
) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaultAttemptTimeout
	}
	if retry == nil {
		retry = crawler.NewExponentialRetryPolicy(0, 0, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		fetcher: fetcher,
		retry:   retry,
		limiter: limiter,
		errLog:  errLog,
		scope:   scope,
		cfg:     cfg,
		logger:  logger,
		sleep:   sleepContext,
	}
}

type unitResult struct {
	response crawler.FetchResponse
	failure  *crawler.FetchFailure
}

// FetchAll fetches every in-scope URL once its duplicates were removed. Each
// URL gets up to MaxAttempts attempts; exhausted URLs are written to the error
// log. FetchAll never fails as a whole: total failure shows up as
// crawler.BatchAllFailed.
func (p *Pool) FetchAll(ctx context.Context, urls []string) Batch {
	targets, skipped := p.admit(urls)
	batch := Batch{Skipped: skipped}
	if len(targets) == 0 {
		batch.Outcome = crawler.BatchEmpty
		metrics.ObserveBatch(string(batch.Outcome))
		return batch
	}

	tracker := progress.New("fetch", len(targets), progress.Config{Every: p.cfg.ProgressEvery, Logger: p.logger})
	pool := dispatcher.New[unitResult](ctx, p.cfg.Workers)
	futures := make([]*dispatcher.Future[unitResult], 0, len(targets))
	for _, target := range targets {
		futures = append(futures, pool.Submit(ctx, func(taskCtx context.Context) (unitResult, error) {
			result := p.fetchWithRetry(taskCtx, target)
			tracker.Done(result.failure == nil)
			return result, nil
		}))
	}

	for i, future := range futures {
		// Tasks always resolve; Wait only fails if the task was never queued.
		result, err := future.Wait(context.WithoutCancel(ctx))
		if err != nil {
			result = unitResult{failure: &crawler.FetchFailure{URL: targets[i], Err: err}}
			p.recordFailure(*result.failure)
			tracker.Done(false)
		}
		if result.failure != nil {
			batch.Failures = append(batch.Failures, *result.failure)
			continue
		}
		batch.Successes = append(batch.Successes, result.response)
	}
	if err := pool.Close(); err != nil {
		p.logger.Warn("fetch pool close failed", zap.Error(err))
	}

	batch.Outcome = crawler.ClassifyBatch(len(batch.Successes), len(batch.Failures))
	metrics.ObserveBatch(string(batch.Outcome))
	p.logger.Info("fetch batch finished",
		zap.Int("candidates", len(targets)),
		zap.Int("succeeded", len(batch.Successes)),
		zap.Int("failed", len(batch.Failures)),
		zap.Int("skipped", batch.Skipped),
		zap.String("outcome", string(batch.Outcome)),
	)
	return batch
}

// admit normalizes, scope-filters, and dedupes the input, keeping first-seen order.
func (p *Pool) admit(urls []string) ([]string, int) {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	skipped := 0
	for _, raw := range urls {
		normalized, err := crawler.NormalizeURL(raw)
		if err != nil {
			p.logger.Debug("skipping unparsable url", zap.String("url", raw), zap.Error(err))
			skipped++
			continue
		}
		if p.scope != nil && !p.scope.Contains(normalized) {
			p.logger.Debug("skipping out-of-scope url", zap.String("url", normalized))
			skipped++
			continue
		}
		if _, dup := seen[normalized]; dup {
			skipped++
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	return out, skipped
}

func (p *Pool) fetchWithRetry(ctx context.Context, target string) unitResult {
	var lastErr error
	attempt := 0
	for {
		attempt++
		if attempt > 1 {
			metrics.ObserveRetry()
			if err := p.sleep(ctx, p.retry.Backoff(attempt-1)); err != nil {
				lastErr = err
				break
			}
		}
		resp, err := p.attempt(ctx, target, attempt)
		if err == nil {
			resp.Attempts = attempt
			return unitResult{response: resp}
		}
		lastErr = err
		p.logger.Debug("fetch attempt failed",
			zap.String("url", target),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if !p.retry.ShouldRetry(err, attempt) {
			break
		}
	}

	failure := crawler.FetchFailure{URL: target, Attempts: attempt, Err: lastErr}
	p.recordFailure(failure)
	return unitResult{failure: &failure}
}

func (p *Pool) attempt(ctx context.Context, target string, attempt int) (crawler.FetchResponse, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx, target); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("wait for rate limit: %w", err)
		}
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
	defer cancel()

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	start := time.Now()
	resp, err := p.fetcher.Fetch(attemptCtx, crawler.FetchRequest{URL: target, Attempt: attempt})
	metrics.ObserveFetch(target, err == nil, len(resp.Body), time.Since(start))
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("fetch attempt %d: %w", attempt, err)
	}
	if resp.URL == "" {
		resp.URL = target
	}
	if p.scope != nil && resp.FinalURL != "" && !p.scope.Contains(resp.FinalURL) {
		return crawler.FetchResponse{}, fmt.Errorf("fetch attempt %d: %s: %w", attempt, resp.FinalURL, crawler.ErrOffScopeRedirect)
	}
	return resp, nil
}

func (p *Pool) recordFailure(failure crawler.FetchFailure) {
	p.logger.Warn("url failed after retries",
		zap.String("url", failure.URL),
		zap.Int("attempts", failure.Attempts),
		zap.Error(failure.Err),
	)
	if p.errLog == nil {
		return
	}
	if err := p.errLog.Record(failure.URL, failure.Err); err != nil {
		p.logger.Error("error log write failed", zap.String("url", failure.URL), zap.Error(err))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
