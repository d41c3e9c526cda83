// Package progress reports processed/total counts while a batch runs.
package progress

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultEvery       = 10
	defaultMinInterval = 2 * time.Second
)

// Config controls how often the Tracker logs.
//   - Every: log after this many completions (default 10).
//   - MinInterval: never log more often than this, except for the final entry (default 2s).
type Config struct {
	Every       int
	MinInterval time.Duration
	Logger      *zap.Logger
}

// Tracker counts completions of a batch of known size. It is safe for
// concurrent use.
type Tracker struct {
	stage     string
	total     int64
	processed atomic.Int64
	failed    atomic.Int64
	every     int64
	limiter   rateLimiter
	logger    *zap.Logger
	start     time.Time
}

// New starts tracking total units for stage.
func New(stage string, total int, cfg Config) *Tracker {
	if cfg.Every <= 0 {
		cfg.Every = defaultEvery
	}
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	} else if cfg.MinInterval == 0 {
		cfg.MinInterval = defaultMinInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		stage:   stage,
		total:   int64(total),
		every:   int64(cfg.Every),
		limiter: rateLimiter{interval: cfg.MinInterval},
		logger:  logger,
		start:   time.Now(),
	}
}

// Done records one finished unit. The last unit is always logged.
func (t *Tracker) Done(success bool) {
	if t == nil {
		return
	}
	if !success {
		t.failed.Add(1)
	}
	n := t.processed.Add(1)
	switch {
	case n == t.total:
		t.log(n)
	case n%t.every == 0 && t.limiter.Allow(time.Now()):
		t.log(n)
	}
}

func (t *Tracker) log(processed int64) {
	t.logger.Info("progress",
		zap.String("stage", t.stage),
		zap.Int64("processed", processed),
		zap.Int64("total", t.total),
		zap.Int64("failed", t.failed.Load()),
		zap.Duration("elapsed", time.Since(t.start)),
	)
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
