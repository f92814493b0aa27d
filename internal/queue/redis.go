package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/clientpilot/clientpilot/internal/core"
	"github.com/clientpilot/clientpilot/internal/domain/model"
)

const (
	keyScheduled  = "queue:scheduled"
	keyDLQ        = "queue:dlq"
	keyMetaPrefix = "queue:jobmeta:"

	defaultVisibilityTimeout = time.Minute
	promoteBatch             = 128
)

// RedisOptions configure the distributed queue backend.
type RedisOptions struct {
	Client            *redis.Client
	Repo              core.JobRepository
	Dispatcher        *Dispatcher
	Logger            *slog.Logger
	Lanes             map[model.Lane]LaneConfig
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
}

// Redis is the distributed queue backend. Redis orders and leases work
// (per-lane ready sets, a shared scheduled set, per-lane inflight sets with
// visibility timeouts); the job store remains the source of truth for job
// state, so every outcome is mirrored there.
type Redis struct {
	client       *redis.Client
	repo         core.JobRepository
	dispatcher   *Dispatcher
	logger       *slog.Logger
	lanes        map[model.Lane]LaneConfig
	limiter      *TokenBucket
	visibility   time.Duration
	pollInterval time.Duration
}

// NewRedis creates the distributed backend.
func NewRedis(opts RedisOptions) (*Redis, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.Repo == nil {
		return nil, errors.New("job repository is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lanes := opts.Lanes
	if len(lanes) == 0 {
		lanes = DefaultLaneConfigs
	}
	visibility := opts.VisibilityTimeout
	if visibility <= 0 {
		visibility = defaultVisibilityTimeout
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	return &Redis{
		client:       opts.Client,
		repo:         opts.Repo,
		dispatcher:   opts.Dispatcher,
		logger:       logger.With("component", "queue", "backend", "redis"),
		lanes:        lanes,
		limiter:      NewTokenBucket(opts.Client),
		visibility:   visibility,
		pollInterval: pollInterval,
	}, nil
}

var _ core.Queue = (*Redis)(nil)

func readyKey(lane model.Lane) string {
	return "queue:ready:" + string(lane)
}

func inflightKey(lane model.Lane) string {
	return "queue:inflight:" + string(lane)
}

func metaKey(jobID string) string {
	return keyMetaPrefix + jobID
}

// readyScore orders a lane's ready set: higher priority first, then enqueue
// time. Priorities are spaced far wider than any plausible epoch millis.
func readyScore(priority int, at time.Time) float64 {
	return float64(-priority)*1e15 + float64(at.UnixMilli())
}

// Enqueue persists the job row and places its id into Redis, honoring
// Priority and Delay.
func (q *Redis) Enqueue(ctx context.Context, jobType model.JobType, payload json.RawMessage, opts core.EnqueueOptions) (*model.Job, error) {
	now := time.Now()
	req := model.CreateJobRequest{
		Type:        jobType,
		Priority:    opts.Priority,
		Payload:     payload,
		MaxAttempts: opts.MaxAttempts,
	}
	if opts.Delay > 0 {
		req.ScheduledAt = now.Add(opts.Delay)
	}

	job, err := q.repo.Create(ctx, req)
	if err != nil {
		return nil, err
	}

	lane := model.LaneFor(jobType)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, metaKey(job.ID), "lane", string(lane), "priority", strconv.Itoa(job.Priority))
	if opts.Delay > 0 {
		pipe.ZAdd(ctx, keyScheduled, redis.Z{Score: float64(job.ScheduledAt.UnixMilli()), Member: job.ID})
	} else {
		pipe.ZAdd(ctx, readyKey(lane), redis.Z{Score: readyScore(job.Priority, now), Member: job.ID})
	}
	if _, pipeErr := pipe.Exec(ctx); pipeErr != nil {
		return nil, fmt.Errorf("enqueue %s: %w", job.ID, pipeErr)
	}

	return job, nil
}

// GetJob fetches a job by id.
func (q *Redis) GetJob(ctx context.Context, id string) (*model.Job, error) {
	return q.repo.GetByID(ctx, id)
}

// Cancel stops a job that has not yet reached a terminal status and removes
// it from the ready and scheduled sets. A job already inflight is cancelled
// in the store; its outcome write is discarded when the worker finishes.
func (q *Redis) Cancel(ctx context.Context, id string) error {
	if err := q.repo.Cancel(ctx, id); err != nil {
		return err
	}

	pipe := q.client.TxPipeline()
	for lane := range q.lanes {
		pipe.ZRem(ctx, readyKey(lane), id)
	}
	pipe.ZRem(ctx, keyScheduled, id)
	pipe.Del(ctx, metaKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cancel %s: %w", id, err)
	}
	return nil
}

// Retry requeues a failed or cancelled job and returns it to its ready set.
func (q *Redis) Retry(ctx context.Context, id string) (*model.Job, error) {
	job, err := q.repo.Retry(ctx, id)
	if err != nil {
		return nil, err
	}

	lane := model.LaneFor(job.Type)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, metaKey(job.ID), "lane", string(lane), "priority", strconv.Itoa(job.Priority))
	pipe.ZAdd(ctx, readyKey(lane), redis.Z{Score: readyScore(job.Priority, time.Now()), Member: job.ID})
	if _, pipeErr := pipe.Exec(ctx); pipeErr != nil {
		return nil, fmt.Errorf("retry %s: %w", id, pipeErr)
	}
	return job, nil
}

// JobsByStatus lists jobs in a status.
func (q *Redis) JobsByStatus(ctx context.Context, status model.JobStatus, limit int) ([]*model.Job, error) {
	return q.repo.ListByStatus(ctx, status, limit)
}

// Stats returns per-status job counts.
func (q *Redis) Stats(ctx context.Context) (*model.JobStats, error) {
	return q.repo.Stats(ctx)
}

// Run starts lane workers plus the promotion and reclaim loops, blocking
// until the context is canceled.
func (q *Redis) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		q.promoteLoop(gctx)
		return nil
	})
	g.Go(func() error {
		q.reclaimLoop(gctx)
		return nil
	})

	for lane, cfg := range q.lanes {
		lane, cfg := lane, cfg
		for i := 0; i < cfg.Concurrency; i++ {
			i := i
			g.Go(func() error {
				q.workerLoop(gctx, lane, cfg, i)
				return nil
			})
		}
	}

	q.logger.InfoContext(ctx, "redis queue started", "lanes", len(q.lanes))
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (q *Redis) workerLoop(ctx context.Context, lane model.Lane, cfg LaneConfig, worker int) {
	logger := q.logger.With("lane", lane, "worker", worker)

	for ctx.Err() == nil {
		allowed, limitErr := q.limiter.Allow(ctx, "lane:"+string(lane), cfg.RatePerMinute)
		if limitErr != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WarnContext(ctx, "rate limiter check failed", "error", limitErr)
			sleepCtx(ctx, q.pollInterval)
			continue
		}
		if !allowed {
			sleepCtx(ctx, q.pollInterval)
			continue
		}

		jobID, deqErr := q.dequeue(ctx, lane)
		if deqErr != nil {
			if ctx.Err() != nil {
				return
			}
			logger.ErrorContext(ctx, "dequeue failed", "error", deqErr)
			sleepCtx(ctx, q.pollInterval)
			continue
		}
		if jobID == "" {
			sleepCtx(ctx, q.pollInterval)
			continue
		}

		q.runJob(ctx, lane, jobID, logger)
	}
}

// dequeue pops the best ready job in the lane and moves it inflight with a
// visibility deadline, atomically.
func (q *Redis) dequeue(ctx context.Context, lane model.Lane) (string, error) {
	deadline := time.Now().Add(q.visibility).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{readyKey(lane), inflightKey(lane)}, deadline).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

func (q *Redis) runJob(ctx context.Context, lane model.Lane, jobID string, logger *slog.Logger) {
	job, err := q.repo.ReserveByID(ctx, jobID)
	if errors.Is(err, model.ErrNoJobsAvailable) {
		// Cancelled or already handled elsewhere; drop the lease.
		if ackErr := q.ack(ctx, lane, jobID); ackErr != nil {
			logger.WarnContext(ctx, "ack after stale dequeue failed", "job_id", jobID, "error", ackErr)
		}
		return
	}
	if err != nil {
		logger.ErrorContext(ctx, "reserve dequeued job failed", "job_id", jobID, "error", err)
		return
	}

	res, procErr := q.dispatcher.Process(ctx, job)
	if procErr != nil {
		logger.WarnContext(ctx, "job outcome not recorded", "job_id", jobID, "error", procErr)
	}

	switch res.Outcome {
	case OutcomeRetry:
		retryAt := time.Now().Add(res.RetryDelay)
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, inflightKey(lane), jobID)
		pipe.ZAdd(ctx, keyScheduled, redis.Z{Score: float64(retryAt.UnixMilli()), Member: jobID})
		if _, pipeErr := pipe.Exec(ctx); pipeErr != nil {
			logger.WarnContext(ctx, "schedule retry failed", "job_id", jobID, "error", pipeErr)
		}
	case OutcomeFailed:
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, inflightKey(lane), jobID)
		pipe.RPush(ctx, keyDLQ, jobID)
		pipe.Del(ctx, metaKey(jobID))
		if _, pipeErr := pipe.Exec(ctx); pipeErr != nil {
			logger.WarnContext(ctx, "dead-letter push failed", "job_id", jobID, "error", pipeErr)
		}
	default:
		if ackErr := q.ack(ctx, lane, jobID); ackErr != nil {
			logger.WarnContext(ctx, "ack failed", "job_id", jobID, "error", ackErr)
		}
	}
}

// ack removes a job from inflight tracking and its meta record.
func (q *Redis) ack(ctx context.Context, lane model.Lane, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey(lane), jobID)
	pipe.Del(ctx, metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// promoteLoop moves due scheduled jobs into their lane ready sets.
func (q *Redis) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.PromoteScheduled(ctx, time.Now(), promoteBatch); err != nil && ctx.Err() == nil {
				q.logger.WarnContext(ctx, "promote scheduled jobs failed", "error", err)
			}
		}
	}
}

// PromoteScheduled moves due scheduled jobs into ready sets. It returns how
// many were promoted.
func (q *Redis) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, keyScheduled, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		lane, priority := q.jobMeta(ctx, id)
		pipe.ZRem(ctx, keyScheduled, id)
		pipe.ZAdd(ctx, readyKey(lane), redis.Z{Score: readyScore(priority, now), Member: id})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// reclaimLoop returns expired inflight leases to circulation.
func (q *Redis) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(q.visibility / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for lane := range q.lanes {
				if err := q.requeueExpired(ctx, lane, time.Now()); err != nil && ctx.Err() == nil {
					q.logger.WarnContext(ctx, "reclaim expired leases failed", "lane", lane, "error", err)
				}
			}
		}
	}
}

// requeueExpired reclaims leases that timed out. The store records the lost
// attempt, so a crashing handler still burns through max_attempts instead of
// looping forever.
func (q *Redis) requeueExpired(ctx context.Context, lane model.Lane, now time.Time) error {
	ids, err := q.client.ZRangeByScore(ctx, inflightKey(lane), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  promoteBatch,
	}).Result()
	if err != nil {
		return err
	}

	for _, id := range ids {
		failed, failErr := q.repo.Fail(ctx, id, "visibility timeout expired", "lease_expired", 0)
		if failErr != nil {
			// Not processing anymore; just drop the stale lease.
			if ackErr := q.ack(ctx, lane, id); ackErr != nil {
				return ackErr
			}
			continue
		}

		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, inflightKey(lane), id)
		if failed.Status == model.JobStatusQueued {
			pipe.ZAdd(ctx, readyKey(lane), redis.Z{Score: readyScore(failed.Priority, now), Member: id})
		} else {
			pipe.RPush(ctx, keyDLQ, id)
			pipe.Del(ctx, metaKey(id))
		}
		if _, pipeErr := pipe.Exec(ctx); pipeErr != nil {
			return pipeErr
		}
	}
	return nil
}

// DLQPeek reads the oldest dead-lettered job ids for inspection.
func (q *Redis) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, keyDLQ, 0, count-1).Result()
}

func (q *Redis) jobMeta(ctx context.Context, jobID string) (model.Lane, int) {
	vals, err := q.client.HMGet(ctx, metaKey(jobID), "lane", "priority").Result()
	lane := model.LaneScheduledMisc
	priority := 0
	if err != nil || len(vals) < 2 {
		return lane, priority
	}
	if s, ok := vals[0].(string); ok && s != "" {
		lane = model.Lane(s)
	}
	if s, ok := vals[1].(string); ok {
		if p, convErr := strconv.Atoi(s); convErr == nil {
			priority = p
		}
	}
	return lane, priority
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

var dequeueScript = redis.NewScript(`
local job = redis.call('ZPOPMIN', KEYS[1])
if job[1] then
  redis.call('ZADD', KEYS[2], ARGV[1], job[1])
  return job[1]
end
return nil
`)
