package service

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/clientpilot/clientpilot/internal/core"
	"github.com/clientpilot/clientpilot/internal/data"
	"github.com/clientpilot/clientpilot/internal/domain/model"
	"github.com/clientpilot/clientpilot/internal/observability/metrics"
	"github.com/clientpilot/clientpilot/internal/observability/statsd"
)

// Reaper defaults.
const (
	DefaultReaperInterval = time.Hour
	DefaultStaleAfter     = 24 * time.Hour
	DefaultJobRetention   = 7 * 24 * time.Hour
	DefaultReaperBatch    = 500
)

// ReaperOptions configure a Reaper.
type ReaperOptions struct {
	Jobs         core.JobRepository
	Cache        core.ResponseCacheRepository
	Logger       *slog.Logger
	Sink         statsd.Sink
	TimeProvider data.TimeProvider
	// StaleAfter is how long a job may sit queued before it is failed.
	StaleAfter time.Duration
	// Retention is how long terminal jobs are kept.
	Retention time.Duration
	// BatchLimit bounds each cleanup statement.
	BatchLimit int
	// Interval between sweeps when running as a loop.
	Interval time.Duration
}

// Reaper removes rows nothing will read again: stale queued jobs, terminal
// jobs past retention, and expired cache entries. It runs both as a periodic
// loop and as the handler body of the retention_sweep job.
type Reaper struct {
	jobs         core.JobRepository
	cache        core.ResponseCacheRepository
	logger       *slog.Logger
	sink         statsd.Sink
	timeProvider data.TimeProvider
	staleAfter   time.Duration
	retention    time.Duration
	batchLimit   int
	interval     time.Duration
}

// NewReaper creates a Reaper.
func NewReaper(opts ReaperOptions) (*Reaper, error) {
	if opts.Jobs == nil {
		return nil, errors.New("job repository is required")
	}
	if opts.Cache == nil {
		return nil, errors.New("cache repository is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tp := opts.TimeProvider
	if tp == nil {
		tp = data.RealTimeProvider{}
	}
	staleAfter := opts.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = DefaultJobRetention
	}
	batchLimit := opts.BatchLimit
	if batchLimit <= 0 {
		batchLimit = DefaultReaperBatch
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultReaperInterval
	}

	return &Reaper{
		jobs:         opts.Jobs,
		cache:        opts.Cache,
		logger:       logger.With("component", "reaper"),
		sink:         opts.Sink,
		timeProvider: tp,
		staleAfter:   staleAfter,
		retention:    retention,
		batchLimit:   batchLimit,
		interval:     interval,
	}, nil
}

// RunOnce performs one full sweep. Each step runs even when an earlier one
// fails; the first error is returned.
func (r *Reaper) RunOnce(ctx context.Context) error {
	now := r.timeProvider.Now()
	var firstErr error

	stale, err := r.jobs.FailStaleQueuedJobs(ctx, now.Add(-r.staleAfter), r.batchLimit)
	if err != nil {
		r.logger.ErrorContext(ctx, "stale job sweep failed", "error", err)
		firstErr = err
	} else {
		metrics.EmitReaperSweep(r.sink, "stale_jobs", stale)
		if stale > 0 {
			r.logger.InfoContext(ctx, "failed stale queued jobs", "count", stale)
		}
	}

	terminal := []model.JobStatus{model.JobStatusCompleted, model.JobStatusFailed, model.JobStatusCancelled}
	removed, err := r.jobs.DeleteOldJobs(ctx, terminal, now.Add(-r.retention), r.batchLimit)
	if err != nil {
		r.logger.ErrorContext(ctx, "job retention sweep failed", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	} else {
		metrics.EmitReaperSweep(r.sink, "old_jobs", removed)
		if removed > 0 {
			r.logger.InfoContext(ctx, "deleted terminal jobs past retention", "count", removed)
		}
	}

	expired, err := r.cache.DeleteExpired(ctx, now)
	if err != nil {
		r.logger.ErrorContext(ctx, "expired cache sweep failed", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	} else {
		metrics.EmitReaperSweep(r.sink, "expired_cache", expired)
		if expired > 0 {
			r.logger.InfoContext(ctx, "deleted expired cache entries", "count", expired)
		}
	}

	return firstErr
}

// Run sweeps on a jittered interval until the context is canceled. Jitter
// keeps replicas from sweeping in lockstep.
func (r *Reaper) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "reaper started", "interval", r.interval)

	timer := time.NewTimer(r.jittered())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			if err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.WarnContext(ctx, "reaper sweep finished with errors", "error", err)
			}
			timer.Reset(r.jittered())
		}
	}
}

func (r *Reaper) jittered() time.Duration {
	jitter := time.Duration(rand.Int63n(int64(r.interval / 10)))
	return r.interval + jitter
}
