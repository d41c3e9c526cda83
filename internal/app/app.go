// Package app builds the long-lived services of one run from configuration
// and owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-ingest/internal/cache"
	"github.com/JakeFAU/site-ingest/internal/config"
	"github.com/JakeFAU/site-ingest/internal/crawler"
	"github.com/JakeFAU/site-ingest/internal/discover"
	"github.com/JakeFAU/site-ingest/internal/errlog"
	collyfetcher "github.com/JakeFAU/site-ingest/internal/fetcher/colly"
	"github.com/JakeFAU/site-ingest/internal/hash/sha256"
	"github.com/JakeFAU/site-ingest/internal/id/uuid"
	"github.com/JakeFAU/site-ingest/internal/metrics"
	"github.com/JakeFAU/site-ingest/internal/normalize"
	"github.com/JakeFAU/site-ingest/internal/pipeline"
	"github.com/JakeFAU/site-ingest/internal/policy/ratelimit"
	pubsubpublisher "github.com/JakeFAU/site-ingest/internal/publisher/pubsub"
	"github.com/JakeFAU/site-ingest/internal/storage/csvfile"
	"github.com/JakeFAU/site-ingest/internal/storage/gcs"
	"github.com/JakeFAU/site-ingest/internal/storage/local"
	"github.com/JakeFAU/site-ingest/internal/storage/mirror"
	"github.com/JakeFAU/site-ingest/internal/storage/postgres"
	"github.com/JakeFAU/site-ingest/internal/storage/sqlite"
	"github.com/JakeFAU/site-ingest/internal/worker"
)

// App holds the services shared by the CLI commands.
type App struct {
	logger  *zap.Logger
	runner  *pipeline.Runner
	sinks   []string
	closers []func(context.Context) error
}

// Runner returns the configured pipeline.
func (a *App) Runner() *pipeline.Runner { return a.runner }

// Sinks names the optional sinks that were enabled.
func (a *App) Sinks() []string { return append([]string(nil), a.sinks...) }

// New initializes every service cfg enables and fails fast when one of them
// cannot start. Services created before the failure are closed.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{logger: logger}
	if err := a.build(ctx, cfg, afero.NewOsFs()); err != nil {
		if closeErr := a.Close(ctx); closeErr != nil {
			logger.Warn("close partially built app", zap.Error(closeErr))
		}
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg config.Config, fs afero.Fs) error {
	logger := a.logger
	if cfg.Metrics.Addr != "" {
		metrics.Init()
		server := metrics.Start(cfg.Metrics.Addr, logger.Named("metrics"))
		a.closers = append(a.closers, server.Shutdown)
	}

	var scope *crawler.DomainScope
	if patterns := cfg.DomainPatterns(); len(patterns) > 0 {
		s, err := crawler.NewDomainScope(patterns)
		if err != nil {
			return fmt.Errorf("parse target.domain: %w", err)
		}
		scope = s
	}

	if cfg.Output.Dir != "" {
		if err := fs.MkdirAll(cfg.Output.Dir, 0o750); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	files, err := csvfile.New(fs, csvfile.Config{
		DiscoveryPath: cfg.OutputPath(cfg.Output.DiscoveryFile),
		PagesPath:     cfg.OutputPath(cfg.Output.PagesFile),
		ChunksPath:    cfg.OutputPath(cfg.Output.ChunksFile),
	})
	if err != nil {
		return fmt.Errorf("init csv store: %w", err)
	}

	errorLogPath := cfg.OutputPath(cfg.Output.ErrorLog)
	errLog := errlog.Open(errorLogPath)
	a.closers = append(a.closers, func(context.Context) error { return errLog.Close() })

	retry := crawler.NewExponentialRetryPolicy(cfg.Fetch.MaxRetries, cfg.BackoffInitial(), cfg.BackoffMax())
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.Fetch.UserAgent,
		Timeout:   cfg.FetchTimeout(),
	})
	robots := crawler.NewRobotsEnforcer(
		cfg.Fetch.RespectRobots,
		cfg.Fetch.UserAgent,
		&http.Client{Timeout: cfg.FetchTimeout()},
		logger.Named("robots"),
	)
	pool := worker.New(
		fetcher,
		retry,
		ratelimit.New(ratelimit.Config{DefaultRPS: cfg.Fetch.RateLimitRPS}),
		errLog,
		scope,
		worker.Config{Workers: cfg.Fetch.MaxWorkers, AttemptTimeout: cfg.FetchTimeout()},
		logger.Named("worker"),
	)

	opts := pipeline.Options{
		Seed:        cfg.Target.SeedURL,
		Scope:       scope,
		Robots:      robots,
		Discoverer:  discover.New(fetcher, retry, discover.Config{AttemptTimeout: cfg.FetchTimeout()}, logger.Named("discover")),
		Pool:        pool,
		Normalizer:  normalize.New(cfg.Normalize.MaxContentLength),
		Chunks:      cache.New(sha256.New(), cfg.Chunk.SizeTokens),
		Files:       files,
		MirrorFiles: append(files.Files(), errorLogPath),
		Topic:       cfg.PubSub.TopicName,
		IDs:         uuid.New(),
		Logger:      logger.Named("pipeline"),
	}

	if err := a.addSinks(ctx, cfg, &opts); err != nil {
		return err
	}
	if err := a.addNotifiers(ctx, cfg, fs, &opts); err != nil {
		return err
	}

	runner, err := pipeline.New(opts)
	if err != nil {
		return fmt.Errorf("init pipeline: %w", err)
	}
	a.runner = runner
	return nil
}

func (a *App) addSinks(ctx context.Context, cfg config.Config, opts *pipeline.Options) error {
	if cfg.Storage.SQLitePath != "" {
		store, err := sqlite.Open(ctx, cfg.Storage.SQLitePath)
		if err != nil {
			return fmt.Errorf("open sqlite sink: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
		opts.Sinks = append(opts.Sinks, store)
		a.sinks = append(a.sinks, store.Name())
		a.logger.Info("sqlite sink enabled", zap.String("path", store.Path()))
	}
	if cfg.Storage.PostgresDSN != "" {
		store, err := postgres.NewRecordStore(ctx, postgres.Config{
			DSN:             cfg.Storage.PostgresDSN,
			MaxConns:        int32(cfg.Fetch.MaxWorkers),
			MaxConnLifetime: 30 * time.Minute,
		})
		if err != nil {
			return fmt.Errorf("open postgres sink: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { store.Close(); return nil })
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("prepare postgres schema: %w", err)
		}
		opts.Sinks = append(opts.Sinks, store)
		opts.History = runHistory{store: store}
		a.sinks = append(a.sinks, store.Name())
		a.logger.Info("postgres sink enabled")
	}
	return nil
}

func (a *App) addNotifiers(ctx context.Context, cfg config.Config, fs afero.Fs, opts *pipeline.Options) error {
	if cfg.Storage.GCSBucket != "" {
		store, err := gcs.Open(ctx, gcs.Config{Bucket: cfg.Storage.GCSBucket, Prefix: cfg.Storage.GCSPrefix}, a.logger)
		if err != nil {
			return fmt.Errorf("open gcs mirror: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
		opts.Mirror = mirror.New(fs, store, a.logger.Named("mirror"))
		a.logger.Info("gcs mirror enabled", zap.String("bucket", cfg.Storage.GCSBucket))
	} else if cfg.Storage.MirrorDir != "" {
		store, err := local.New(fs, local.Config{BaseDir: cfg.Storage.MirrorDir})
		if err != nil {
			return fmt.Errorf("open local mirror: %w", err)
		}
		opts.Mirror = mirror.New(fs, store, a.logger.Named("mirror"))
		a.logger.Info("local mirror enabled", zap.String("dir", cfg.Storage.MirrorDir))
	}
	if cfg.PubSub.ProjectID != "" {
		pub, err := pubsubpublisher.Open(ctx, pubsubpublisher.Config{
			ProjectID: cfg.PubSub.ProjectID,
			TopicName: cfg.PubSub.TopicName,
		})
		if err != nil {
			return fmt.Errorf("open pubsub publisher: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return pub.Close() })
		opts.Publisher = pub
		a.logger.Info("pubsub notifications enabled", zap.String("topic", cfg.PubSub.TopicName))
	}
	return nil
}

// Close shuts services down in reverse order of creation.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// runHistory stores pipeline summaries in the Postgres runs table.
type runHistory struct {
	store *postgres.RecordStore
}

func (h runHistory) Record(ctx context.Context, s pipeline.Summary) error {
	return h.store.RecordRun(ctx, postgres.RunRow{
		RunID:      s.RunID,
		StartedAt:  s.StartedAt,
		FinishedAt: s.StartedAt.Add(s.Duration),
		Outcome:    string(s.Outcome),
		Candidates: s.Candidates,
		Fetched:    s.Fetched,
		Failed:     s.Failed,
		Pages:      s.Pages,
		Chunks:     s.Chunks,
		Rejected:   s.Rejected,
	})
}
