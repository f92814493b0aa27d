package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clientpilot/clientpilot/internal/core"
	"github.com/clientpilot/clientpilot/internal/data"
	"github.com/clientpilot/clientpilot/internal/domain/model"
	apperrors "github.com/clientpilot/clientpilot/internal/errors"
)

func newTestRedisQueue(t *testing.T, repo *data.MemoryJobRepo, d *Dispatcher) (*Redis, *redis.Client) {
	t.Helper()
	client := newTestRedis(t)
	q, err := NewRedis(RedisOptions{
		Client:     client,
		Repo:       repo,
		Dispatcher: d,
	})
	require.NoError(t, err)
	return q, client
}

func TestRedis_EnqueueDequeueComplete(t *testing.T) {
	ctx := context.Background()
	repo := data.NewMemoryJobRepo(nil)
	d := newTestDispatcher(t, repo)
	require.NoError(t, d.Register(model.JobTypeGeneration, func(_ context.Context, _ *model.Job) (json.RawMessage, error) {
		return json.RawMessage(`{"plan_id":"p1"}`), nil
	}))

	q, client := newTestRedisQueue(t, repo, d)

	job, err := q.Enqueue(ctx, model.JobTypeGeneration, json.RawMessage(`{"client_id":"c1"}`), core.EnqueueOptions{})
	require.NoError(t, err)

	id, err := q.dequeue(ctx, model.LaneGeneration)
	require.NoError(t, err)
	require.Equal(t, job.ID, id)

	q.runJob(ctx, model.LaneGeneration, id, q.logger)

	got, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)

	// Lease and meta are released on ack.
	inflight, err := client.ZCard(ctx, inflightKey(model.LaneGeneration)).Result()
	require.NoError(t, err)
	assert.Zero(t, inflight)
	exists, err := client.Exists(ctx, metaKey(job.ID)).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

func TestRedis_HigherPriorityDequeuesFirst(t *testing.T) {
	ctx := context.Background()
	repo := data.NewMemoryJobRepo(nil)
	d := newTestDispatcher(t, repo)
	q, _ := newTestRedisQueue(t, repo, d)

	low, err := q.Enqueue(ctx, model.JobTypeRender, nil, core.EnqueueOptions{Priority: 1})
	require.NoError(t, err)
	high, err := q.Enqueue(ctx, model.JobTypeRender, nil, core.EnqueueOptions{Priority: 5})
	require.NoError(t, err)

	first, err := q.dequeue(ctx, model.LaneRendering)
	require.NoError(t, err)
	assert.Equal(t, high.ID, first)

	second, err := q.dequeue(ctx, model.LaneRendering)
	require.NoError(t, err)
	assert.Equal(t, low.ID, second)
}

func TestRedis_DelayedJobWaitsForPromotion(t *testing.T) {
	ctx := context.Background()
	repo := data.NewMemoryJobRepo(nil)
	d := newTestDispatcher(t, repo)
	q, _ := newTestRedisQueue(t, repo, d)

	job, err := q.Enqueue(ctx, model.JobTypeBackup, nil, core.EnqueueOptions{Delay: time.Minute})
	require.NoError(t, err)

	id, err := q.dequeue(ctx, model.LaneFileOps)
	require.NoError(t, err)
	assert.Empty(t, id, "delayed job must not be ready yet")

	// Not due yet.
	promoted, err := q.PromoteScheduled(ctx, time.Now(), promoteBatch)
	require.NoError(t, err)
	assert.Zero(t, promoted)

	promoted, err = q.PromoteScheduled(ctx, time.Now().Add(2*time.Minute), promoteBatch)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	id, err = q.dequeue(ctx, model.LaneFileOps)
	require.NoError(t, err)
	assert.Equal(t, job.ID, id)
}

func TestRedis_CancelRemovesFromReady(t *testing.T) {
	ctx := context.Background()
	repo := data.NewMemoryJobRepo(nil)
	d := newTestDispatcher(t, repo)
	q, client := newTestRedisQueue(t, repo, d)

	job, err := q.Enqueue(ctx, model.JobTypeNotification, nil, core.EnqueueOptions{})
	require.NoError(t, err)
	require.NoError(t, q.Cancel(ctx, job.ID))

	id, err := q.dequeue(ctx, model.LaneScheduledMisc)
	require.NoError(t, err)
	assert.Empty(t, id)

	exists, err := client.Exists(ctx, metaKey(job.ID)).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)

	got, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, got.Status)
}

func TestRedis_CancelledInflightJobIsDropped(t *testing.T) {
	ctx := context.Background()
	repo := data.NewMemoryJobRepo(nil)
	d := newTestDispatcher(t, repo)
	var handled bool
	require.NoError(t, d.Register(model.JobTypeNotification, func(_ context.Context, _ *model.Job) (json.RawMessage, error) {
		handled = true
		return nil, nil
	}))
	q, client := newTestRedisQueue(t, repo, d)

	job, err := q.Enqueue(ctx, model.JobTypeNotification, nil, core.EnqueueOptions{})
	require.NoError(t, err)

	id, err := q.dequeue(ctx, model.LaneScheduledMisc)
	require.NoError(t, err)
	require.Equal(t, job.ID, id)

	// Cancelled between dequeue and reserve: handler never runs.
	require.NoError(t, repo.Cancel(ctx, job.ID))
	q.runJob(ctx, model.LaneScheduledMisc, id, q.logger)

	assert.False(t, handled)
	inflight, err := client.ZCard(ctx, inflightKey(model.LaneScheduledMisc)).Result()
	require.NoError(t, err)
	assert.Zero(t, inflight)
}

func TestRedis_TransientFailureIsRescheduled(t *testing.T) {
	ctx := context.Background()
	repo := data.NewMemoryJobRepo(nil)
	d := newTestDispatcher(t, repo)
	require.NoError(t, d.Register(model.JobTypeRender, func(_ context.Context, _ *model.Job) (json.RawMessage, error) {
		return nil, errors.New("renderer unavailable")
	}))
	q, client := newTestRedisQueue(t, repo, d)

	job, err := q.Enqueue(ctx, model.JobTypeRender, nil, core.EnqueueOptions{})
	require.NoError(t, err)

	id, err := q.dequeue(ctx, model.LaneRendering)
	require.NoError(t, err)
	q.runJob(ctx, model.LaneRendering, id, q.logger)

	got, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, got.Status)
	assert.Equal(t, 1, got.Attempts)

	// Parked in the scheduled set until its backoff elapses.
	score, err := client.ZScore(ctx, keyScheduled, job.ID).Result()
	require.NoError(t, err)
	assert.Greater(t, score, float64(time.Now().UnixMilli()))

	promoted, err := q.PromoteScheduled(ctx, time.Now().Add(10*time.Second), promoteBatch)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	next, err := q.dequeue(ctx, model.LaneRendering)
	require.NoError(t, err)
	assert.Equal(t, job.ID, next)
}

func TestRedis_PermanentFailureGoesToDLQ(t *testing.T) {
	ctx := context.Background()
	repo := data.NewMemoryJobRepo(nil)
	d := newTestDispatcher(t, repo)
	require.NoError(t, d.Register(model.JobTypeGeneration, func(_ context.Context, _ *model.Job) (json.RawMessage, error) {
		return nil, apperrors.BudgetExceeded("monthly budget is paused")
	}))
	q, _ := newTestRedisQueue(t, repo, d)

	job, err := q.Enqueue(ctx, model.JobTypeGeneration, nil, core.EnqueueOptions{})
	require.NoError(t, err)

	id, err := q.dequeue(ctx, model.LaneGeneration)
	require.NoError(t, err)
	q.runJob(ctx, model.LaneGeneration, id, q.logger)

	got, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)

	dead, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, dead)
}

func TestRedis_ExpiredLeaseBurnsAnAttempt(t *testing.T) {
	ctx := context.Background()
	repo := data.NewMemoryJobRepo(nil)
	d := newTestDispatcher(t, repo)
	q, client := newTestRedisQueue(t, repo, d)

	job, err := q.Enqueue(ctx, model.JobTypeBackup, nil, core.EnqueueOptions{})
	require.NoError(t, err)

	// Worker took the lease and then crashed.
	id, err := q.dequeue(ctx, model.LaneFileOps)
	require.NoError(t, err)
	_, err = repo.ReserveByID(ctx, id)
	require.NoError(t, err)

	require.NoError(t, q.requeueExpired(ctx, model.LaneFileOps, time.Now().Add(2*q.visibility)))

	got, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.ErrorClass)
	assert.Equal(t, "lease_expired", *got.ErrorClass)

	// Back in the ready set, gone from inflight.
	ready, err := client.ZCard(ctx, readyKey(model.LaneFileOps)).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, ready)
	inflight, err := client.ZCard(ctx, inflightKey(model.LaneFileOps)).Result()
	require.NoError(t, err)
	assert.Zero(t, inflight)
}

func TestRedis_RetryReturnsJobToReadySet(t *testing.T) {
	ctx := context.Background()
	repo := data.NewMemoryJobRepo(nil)
	d := newTestDispatcher(t, repo)
	q, _ := newTestRedisQueue(t, repo, d)

	job, err := q.Enqueue(ctx, model.JobTypeNotification, nil, core.EnqueueOptions{})
	require.NoError(t, err)

	id, err := q.dequeue(ctx, model.LaneScheduledMisc)
	require.NoError(t, err)
	q.runJob(ctx, model.LaneScheduledMisc, id, q.logger) // no handler: unknown type, failed

	retried, err := q.Retry(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, retried.Status)
	assert.Zero(t, retried.Attempts)

	next, err := q.dequeue(ctx, model.LaneScheduledMisc)
	require.NoError(t, err)
	assert.Equal(t, job.ID, next)
}
