package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-ingest/internal/cache"
	"github.com/JakeFAU/site-ingest/internal/crawler"
	"github.com/JakeFAU/site-ingest/internal/discover"
	"github.com/JakeFAU/site-ingest/internal/metrics"
	"github.com/JakeFAU/site-ingest/internal/normalize"
	"github.com/JakeFAU/site-ingest/internal/storage/csvfile"
	"github.com/JakeFAU/site-ingest/internal/storage/mirror"
	"github.com/JakeFAU/site-ingest/internal/worker"
)

// Sink is an additional destination for pages and chunks.
type Sink interface {
	crawler.RecordSink
	Name() string
}

// runScoped sinks tag the rows they write with the run ID.
type runScoped interface {
	ForRun(runID string) crawler.RecordSink
}

// History stores finished run summaries.
type History interface {
	Record(ctx context.Context, summary Summary) error
}

// Summary describes one finished run. It is also the Pub/Sub payload.
// CacheHits and CacheMisses count chunk cache lookups made by this run.
type Summary struct {
	RunID       string               `json:"run_id"`
	Seed        string               `json:"seed"`
	StartedAt   time.Time            `json:"started_at"`
	Candidates  int                  `json:"candidates"`
	Skipped     int                  `json:"skipped"`
	Fetched     int                  `json:"fetched"`
	Failed      int                  `json:"failed"`
	Pages       int                  `json:"pages"`
	Chunks      int                  `json:"chunks"`
	Rejected    int                  `json:"rejected"`
	CacheHits   int                  `json:"chunk_cache_hits"`
	CacheMisses int                  `json:"chunk_cache_misses"`
	Outcome     crawler.BatchOutcome `json:"outcome"`
	Duration    time.Duration        `json:"duration_ns"`
	Mirrored    []string             `json:"mirrored,omitempty"`
}

// Options wires the Runner. Files, Discoverer, Pool, Normalizer, and Chunks
// are required; the rest are optional.
type Options struct {
	Seed       string
	Scope      *crawler.DomainScope
	Robots     crawler.RobotsPolicy
	Discoverer *discover.Discoverer
	Pool       *worker.Pool
	Normalizer *normalize.Normalizer
	Chunks     *cache.ChunkCache
	Files      *csvfile.Store
	Sinks      []Sink
	// Mirror uploads MirrorFiles after the sinks were written.
	Mirror      *mirror.Mirror
	MirrorFiles []string
	Publisher   crawler.Publisher
	Topic       string
	History     History
	IDs         crawler.IDGenerator
	Clock       crawler.Clock
	Logger      *zap.Logger
}

// Runner executes the pipeline.
type Runner struct {
	opts   Options
	logger *zap.Logger
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// New validates opts and returns a Runner.
func New(opts Options) (*Runner, error) {
	switch {
	case opts.Files == nil:
		return nil, fmt.Errorf("pipeline: files store is required")
	case opts.Discoverer == nil:
		return nil, fmt.Errorf("pipeline: discoverer is required")
	case opts.Pool == nil:
		return nil, fmt.Errorf("pipeline: fetch pool is required")
	case opts.Normalizer == nil:
		return nil, fmt.Errorf("pipeline: normalizer is required")
	case opts.Chunks == nil:
		return nil, fmt.Errorf("pipeline: chunk cache is required")
	case opts.IDs == nil:
		return nil, fmt.Errorf("pipeline: id generator is required")
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Runner{opts: opts, logger: opts.Logger}, nil
}

// Run executes every stage in order. When every fetch fails it returns
// crawler.ErrAllFetchesFailed and leaves all outputs untouched.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	summary, logger, err := r.begin()
	if err != nil {
		return summary, err
	}
	logger.Info("run started", zap.String("seed", r.opts.Seed))

	records, err := r.discover(ctx, logger)
	if err != nil {
		return r.finish(summary), err
	}
	pages, err := r.scrape(ctx, records, &summary, logger)
	if err != nil {
		return r.finish(summary), err
	}
	chunks := r.chunk(pages, &summary)

	if err := r.persist(ctx, summary.RunID, pages, chunks, &summary, logger); err != nil {
		return r.finish(summary), err
	}
	summary = r.finish(summary)
	r.announce(ctx, &summary, logger)
	return summary, nil
}

// Discover runs the discovery stage and writes the discovery file.
func (r *Runner) Discover(ctx context.Context) ([]crawler.DiscoveryRecord, error) {
	_, logger, err := r.begin()
	if err != nil {
		return nil, err
	}
	return r.discover(ctx, logger)
}

// Scrape reads the discovery file, fetches the candidates, and writes the
// pages file. The chunks file is reset so it never describes stale pages.
func (r *Runner) Scrape(ctx context.Context) (Summary, error) {
	summary, logger, err := r.begin()
	if err != nil {
		return summary, err
	}
	records, err := r.opts.Files.ReadDiscovery()
	if err != nil {
		return r.finish(summary), fmt.Errorf("read discovery: %w", err)
	}
	pages, err := r.scrape(ctx, records, &summary, logger)
	if err != nil {
		return r.finish(summary), err
	}
	result, err := r.opts.Files.Replace(ctx, pages, nil)
	if err != nil {
		return r.finish(summary), fmt.Errorf("write pages: %w", err)
	}
	metrics.ObservePersisted(r.opts.Files.Name(), result.Pages, result.Chunks, result.Rejected)
	summary.Pages = result.Pages
	summary.Rejected = result.Rejected
	logger.Info("pages written", zap.Int("pages", result.Pages), zap.Int("rejected", result.Rejected))
	return r.finish(summary), nil
}

// Chunk reads the pages file and writes the chunks file. Configured sinks
// receive both pages and chunks.
func (r *Runner) Chunk(ctx context.Context) (Summary, error) {
	summary, logger, err := r.begin()
	if err != nil {
		return summary, err
	}
	pages, err := r.opts.Files.ReadPages()
	if err != nil {
		return r.finish(summary), fmt.Errorf("read pages: %w", err)
	}
	chunks := r.chunk(pages, &summary)
	result, err := r.opts.Files.WriteChunks(pages, chunks)
	if err != nil {
		return r.finish(summary), fmt.Errorf("write chunks: %w", err)
	}
	metrics.ObservePersisted(r.opts.Files.Name(), 0, result.Chunks, result.Rejected)
	summary.Pages = len(pages)
	summary.Chunks = result.Chunks
	summary.Rejected = result.Rejected
	if err := r.writeSinks(ctx, summary.RunID, pages, chunks, logger); err != nil {
		return r.finish(summary), err
	}
	logger.Info("chunks written", zap.Int("pages", len(pages)), zap.Int("chunks", result.Chunks))
	return r.finish(summary), nil
}

func (r *Runner) begin() (Summary, *zap.Logger, error) {
	id, err := r.opts.IDs.NewID()
	if err != nil {
		return Summary{}, r.logger, fmt.Errorf("generate run id: %w", err)
	}
	summary := Summary{RunID: id, Seed: r.opts.Seed, StartedAt: r.opts.Clock.Now()}
	return summary, r.logger.With(zap.String("run_id", id)), nil
}

func (r *Runner) finish(summary Summary) Summary {
	summary.Duration = r.opts.Clock.Now().Sub(summary.StartedAt)
	return summary
}

func (r *Runner) discover(ctx context.Context, logger *zap.Logger) ([]crawler.DiscoveryRecord, error) {
	record, err := r.opts.Discoverer.Discover(ctx, r.opts.Seed)
	if err != nil {
		return nil, fmt.Errorf("discover: %w", err)
	}
	records := []crawler.DiscoveryRecord{record}
	if err := r.opts.Files.WriteDiscovery(records); err != nil {
		return nil, fmt.Errorf("write discovery: %w", err)
	}
	logger.Info("discovery written", zap.String("url", record.URL), zap.Int("links", len(record.Links)))
	return records, nil
}

func (r *Runner) scrape(ctx context.Context, records []crawler.DiscoveryRecord, summary *Summary, logger *zap.Logger) ([]crawler.PageRecord, error) {
	candidates := discover.Candidates(records, r.opts.Scope)
	candidates = discover.FilterAllowed(ctx, candidates, r.opts.Robots, logger)
	summary.Candidates = len(candidates)
	logger.Info("fetching candidates", zap.Int("candidates", len(candidates)))

	batch := r.opts.Pool.FetchAll(ctx, candidates)
	summary.Skipped = batch.Skipped
	summary.Fetched = len(batch.Successes)
	summary.Failed = len(batch.Failures)
	summary.Outcome = batch.Outcome
	logger.Info("fetch finished",
		zap.Int("succeeded", summary.Fetched),
		zap.Int("failed", summary.Failed),
		zap.String("outcome", string(batch.Outcome)),
	)
	if batch.Outcome == crawler.BatchAllFailed {
		return nil, fmt.Errorf("fetch %d candidates: %w", len(candidates), crawler.ErrAllFetchesFailed)
	}
	return r.normalize(batch.Successes), nil
}

func (r *Runner) normalize(responses []crawler.FetchResponse) []crawler.PageRecord {
	pages := make([]crawler.PageRecord, 0, len(responses))
	for _, resp := range responses {
		page := r.opts.Normalizer.Normalize(resp.Body)
		pages = append(pages, crawler.PageRecord{
			URL:       resp.URL,
			Title:     page.Title,
			Content:   page.Content,
			Links:     page.Links,
			FetchedAt: resp.FetchedAt,
		})
	}
	slices.SortFunc(pages, func(a, b crawler.PageRecord) int { return strings.Compare(a.URL, b.URL) })
	return pages
}

func (r *Runner) chunk(pages []crawler.PageRecord, summary *Summary) []crawler.ChunkRecord {
	hits, misses := r.opts.Chunks.Stats()
	var chunks []crawler.ChunkRecord
	for _, page := range pages {
		chunks = append(chunks, r.opts.Chunks.Records(page)...)
	}
	afterHits, afterMisses := r.opts.Chunks.Stats()
	summary.CacheHits = afterHits - hits
	summary.CacheMisses = afterMisses - misses
	return chunks
}

func (r *Runner) persist(ctx context.Context, runID string, pages []crawler.PageRecord, chunks []crawler.ChunkRecord, summary *Summary, logger *zap.Logger) error {
	result, err := r.opts.Files.Replace(ctx, pages, chunks)
	if err != nil {
		return fmt.Errorf("write outputs: %w", err)
	}
	metrics.ObservePersisted(r.opts.Files.Name(), result.Pages, result.Chunks, result.Rejected)
	summary.Pages = result.Pages
	summary.Chunks = result.Chunks
	summary.Rejected = result.Rejected
	logger.Info("outputs written",
		zap.Int("pages", result.Pages),
		zap.Int("chunks", result.Chunks),
		zap.Int("rejected", result.Rejected),
	)
	return r.writeSinks(ctx, runID, pages, chunks, logger)
}

// writeSinks writes every configured sink and joins their errors.
func (r *Runner) writeSinks(ctx context.Context, runID string, pages []crawler.PageRecord, chunks []crawler.ChunkRecord, logger *zap.Logger) error {
	var errs []error
	for _, sink := range r.opts.Sinks {
		var target crawler.RecordSink = sink
		if scoped, ok := sink.(runScoped); ok {
			target = scoped.ForRun(runID)
		}
		result, err := target.Replace(ctx, pages, chunks)
		if err != nil {
			errs = append(errs, fmt.Errorf("write %s sink: %w", sink.Name(), err))
			continue
		}
		metrics.ObservePersisted(sink.Name(), result.Pages, result.Chunks, result.Rejected)
		logger.Info("sink written",
			zap.String("sink", sink.Name()),
			zap.Int("pages", result.Pages),
			zap.Int("chunks", result.Chunks),
		)
	}
	return errors.Join(errs...)
}

// announce mirrors outputs, records history, and publishes the summary.
// Failures are logged; the local outputs are already complete.
func (r *Runner) announce(ctx context.Context, summary *Summary, logger *zap.Logger) {
	if r.opts.Mirror.Enabled() {
		uris, err := r.opts.Mirror.Upload(ctx, summary.RunID, r.opts.MirrorFiles...)
		if err != nil {
			logger.Warn("mirror outputs", zap.Error(err))
		}
		summary.Mirrored = uris
	}
	if r.opts.History != nil {
		if err := r.opts.History.Record(ctx, *summary); err != nil {
			logger.Warn("record run history", zap.Error(err))
		}
	}
	if r.opts.Publisher != nil {
		id, err := r.opts.Publisher.Publish(ctx, r.opts.Topic, *summary)
		if err != nil {
			logger.Warn("publish run summary", zap.Error(err))
		} else {
			logger.Info("run summary published", zap.String("message_id", id))
		}
	}
	logger.Info("run finished",
		zap.Int("candidates", summary.Candidates),
		zap.Int("fetched", summary.Fetched),
		zap.Int("failed", summary.Failed),
		zap.Int("pages", summary.Pages),
		zap.Int("chunks", summary.Chunks),
		zap.Duration("duration", summary.Duration),
	)
}
