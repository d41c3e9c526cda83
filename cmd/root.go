// Package cmd defines the site-ingest CLI.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-ingest/internal/app"
	"github.com/JakeFAU/site-ingest/internal/config"
	"github.com/JakeFAU/site-ingest/internal/crawler"
	"github.com/JakeFAU/site-ingest/internal/logging"
	"github.com/JakeFAU/site-ingest/internal/pipeline"
)

// Stages is the part of the pipeline the commands drive.
type Stages interface {
	Run(ctx context.Context) (pipeline.Summary, error)
	Discover(ctx context.Context) ([]crawler.DiscoveryRecord, error)
	Scrape(ctx context.Context) (pipeline.Summary, error)
	Chunk(ctx context.Context) (pipeline.Summary, error)
}

// App is what a command needs from the application container.
type App interface {
	Stages() Stages
	// Sinks names the database sinks wired for this run.
	Sinks() []string
	Close(ctx context.Context) error
}

type appAdapter struct{ *app.App }

func (a appAdapter) Stages() Stages { return a.Runner() }

// newApp is the application factory. Tests replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return appAdapter{a}, nil
}

// newLogger is replaced in tests.
var newLogger = logging.New

const shutdownTimeout = 5 * time.Second

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "site-ingest",
		Short: "Crawl one site and turn its pages into retrieval chunks.",
		Long: `site-ingest discovers the links on a seed page, fetches every in-scope
page with a bounded worker pool, extracts readable text, and writes the
pages and fixed-size chunks to CSV (plus SQLite/Postgres when configured).`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, toml, or json)")

	cmd.AddCommand(
		newStageCmd(&cfgFile, "run", "Run discovery, scraping, and chunking in one pass", true, runAll),
		newStageCmd(&cfgFile, "discover", "Fetch the seed page and write the discovery file", true, runDiscover),
		newStageCmd(&cfgFile, "scrape", "Fetch the discovered pages and write the pages file", true, runScrape),
		newStageCmd(&cfgFile, "chunk", "Chunk the pages file and write the chunks file", false, runChunk),
	)
	return cmd
}

type stageFunc func(ctx context.Context, stages Stages, logger *zap.Logger) error

func newStageCmd(cfgFile *string, use, short string, needsTarget bool, run stageFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if needsTarget {
				if err := cfg.ValidateTarget(); err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			logger, err := newLogger(logging.Options{Development: cfg.Logging.Development, File: cfg.Logging.File})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if cerr := a.Close(closeCtx); cerr != nil {
					logger.Warn("close application services", zap.Error(cerr))
				}
			}()
			logger = logger.With(zap.String("command", use))
			logger.Info("services ready", zap.Strings("sinks", a.Sinks()))
			return run(ctx, a.Stages(), logger)
		},
	}
}

func runAll(ctx context.Context, stages Stages, logger *zap.Logger) error {
	summary, err := stages.Run(ctx)
	if err != nil {
		if errors.Is(err, crawler.ErrAllFetchesFailed) {
			logger.Error("every fetch failed; previous outputs kept", zap.String("run_id", summary.RunID))
		}
		return fmt.Errorf("run pipeline: %w", err)
	}
	logSummary(logger, summary)
	return nil
}

func runDiscover(ctx context.Context, stages Stages, logger *zap.Logger) error {
	records, err := stages.Discover(ctx)
	if err != nil {
		return fmt.Errorf("discover: %w", err)
	}
	links := 0
	for _, r := range records {
		links += len(r.Links)
	}
	logger.Info("discovery finished", zap.Int("pages", len(records)), zap.Int("links", links))
	return nil
}

func runScrape(ctx context.Context, stages Stages, logger *zap.Logger) error {
	summary, err := stages.Scrape(ctx)
	if err != nil {
		return fmt.Errorf("scrape: %w", err)
	}
	logSummary(logger, summary)
	return nil
}

func runChunk(ctx context.Context, stages Stages, logger *zap.Logger) error {
	summary, err := stages.Chunk(ctx)
	if err != nil {
		return fmt.Errorf("chunk: %w", err)
	}
	logSummary(logger, summary)
	return nil
}

func logSummary(logger *zap.Logger, s pipeline.Summary) {
	logger.Info("summary",
		zap.String("run_id", s.RunID),
		zap.Int("candidates", s.Candidates),
		zap.Int("succeeded", s.Fetched),
		zap.Int("failed", s.Failed),
		zap.Int("pages", s.Pages),
		zap.Int("chunks", s.Chunks),
		zap.Int("rejected", s.Rejected),
		zap.Int("chunk_cache_hits", s.CacheHits),
		zap.Int("chunk_cache_misses", s.CacheMisses),
		zap.String("outcome", string(s.Outcome)),
		zap.Duration("duration", s.Duration),
	)
}

// Execute runs the root command with SIGINT/SIGTERM cancellation.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "site-ingest:", err)
		os.Exit(1)
	}
}
