package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clientpilot/clientpilot/internal/data"
	jobdomain "github.com/clientpilot/clientpilot/internal/domain/job"
	"github.com/clientpilot/clientpilot/internal/domain/model"
	apperrors "github.com/clientpilot/clientpilot/internal/errors"
)

func newTestDispatcher(t *testing.T, repo *data.MemoryJobRepo) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(DispatcherOptions{
		Repo:    repo,
		Backoff: jobdomain.NewBackoffPolicy(nil),
	})
	require.NoError(t, err)
	return d
}

func reserve(t *testing.T, repo *data.MemoryJobRepo, jobType model.JobType) *model.Job {
	t.Helper()
	job, err := repo.ReserveNext(context.Background(), []model.JobType{jobType})
	require.NoError(t, err)
	return job
}

func TestDispatcher_CompletesSuccessfulJob(t *testing.T) {
	ctx := context.Background()
	repo := data.NewMemoryJobRepo(nil)
	d := newTestDispatcher(t, repo)

	require.NoError(t, d.Register(model.JobTypeGeneration, func(_ context.Context, _ *model.Job) (json.RawMessage, error) {
		return json.RawMessage(`{"plan_id":"p1"}`), nil
	}))

	created, err := repo.Create(ctx, model.CreateJobRequest{Type: model.JobTypeGeneration})
	require.NoError(t, err)

	res, err := d.Process(ctx, reserve(t, repo, model.JobTypeGeneration))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)

	got, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	assert.JSONEq(t, `{"plan_id":"p1"}`, string(got.Result))
}

func TestDispatcher_UnknownTypeFailsPermanently(t *testing.T) {
	ctx := context.Background()
	repo := data.NewMemoryJobRepo(nil)
	d := newTestDispatcher(t, repo)
	// No handler registered for render.

	created, err := repo.Create(ctx, model.CreateJobRequest{Type: model.JobTypeRender})
	require.NoError(t, err)

	res, err := d.Process(ctx, reserve(t, repo, model.JobTypeRender))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)

	got, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorClass)
	assert.Equal(t, "unknown_job_type", *got.ErrorClass)
}

func TestDispatcher_BudgetDeniedIsNotRetried(t *testing.T) {
	ctx := context.Background()
	repo := data.NewMemoryJobRepo(nil)
	d := newTestDispatcher(t, repo)

	require.NoError(t, d.Register(model.JobTypeGeneration, func(_ context.Context, _ *model.Job) (json.RawMessage, error) {
		return nil, apperrors.BudgetExceeded("daily budget is paused")
	}))

	created, err := repo.Create(ctx, model.CreateJobRequest{Type: model.JobTypeGeneration})
	require.NoError(t, err)

	res, err := d.Process(ctx, reserve(t, repo, model.JobTypeGeneration))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)

	got, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorClass)
	assert.Equal(t, "budget_exceeded", *got.ErrorClass)
	assert.Less(t, got.Attempts, got.MaxAttempts, "permanent failure must not wait for the attempt ceiling")
}

func TestDispatcher_TransientErrorRetriesWithBackoffSchedule(t *testing.T) {
	ctx := context.Background()
	clock := &data.FixedTimeProvider{T: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	repo := data.NewMemoryJobRepo(clock)
	d := newTestDispatcher(t, repo)

	require.NoError(t, d.Register(model.JobTypeGeneration, func(_ context.Context, _ *model.Job) (json.RawMessage, error) {
		return nil, errors.New("provider timeout")
	}))

	created, err := repo.Create(ctx, model.CreateJobRequest{Type: model.JobTypeGeneration})
	require.NoError(t, err)

	wantDelays := []time.Duration{2 * time.Second, 4 * time.Second}
	for _, want := range wantDelays {
		res, procErr := d.Process(ctx, reserve(t, repo, model.JobTypeGeneration))
		require.NoError(t, procErr)
		assert.Equal(t, OutcomeRetry, res.Outcome)
		assert.Equal(t, want, res.RetryDelay)

		requeued, getErr := repo.GetByID(ctx, created.ID)
		require.NoError(t, getErr)
		assert.Equal(t, model.JobStatusQueued, requeued.Status)
		assert.Equal(t, clock.T.Add(want), requeued.ScheduledAt)

		// Not due until the backoff delay has elapsed.
		_, getErr = repo.ReserveNext(ctx, []model.JobType{model.JobTypeGeneration})
		require.ErrorIs(t, getErr, model.ErrNoJobsAvailable)
		clock.T = clock.T.Add(want + time.Second)
	}

	res, err := d.Process(ctx, reserve(t, repo, model.JobTypeGeneration))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome, "third failure exhausts max attempts")

	got, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.Equal(t, model.DefaultMaxAttempts, got.Attempts)
}

func TestDispatcher_HandlerPanicIsRetried(t *testing.T) {
	ctx := context.Background()
	repo := data.NewMemoryJobRepo(nil)
	d := newTestDispatcher(t, repo)

	require.NoError(t, d.Register(model.JobTypeBackup, func(_ context.Context, _ *model.Job) (json.RawMessage, error) {
		panic("corrupt payload")
	}))

	created, err := repo.Create(ctx, model.CreateJobRequest{Type: model.JobTypeBackup})
	require.NoError(t, err)

	res, err := d.Process(ctx, reserve(t, repo, model.JobTypeBackup))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetry, res.Outcome)

	got, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, got.Status)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "handler panic")
}

func TestDispatcher_RegisterRejectsDuplicates(t *testing.T) {
	repo := data.NewMemoryJobRepo(nil)
	d := newTestDispatcher(t, repo)

	handler := func(_ context.Context, _ *model.Job) (json.RawMessage, error) { return nil, nil }
	require.NoError(t, d.Register(model.JobTypeGeneration, handler))
	require.Error(t, d.Register(model.JobTypeGeneration, handler))
	require.Error(t, d.Register("bogus", handler))
	assert.True(t, d.Handles(model.JobTypeGeneration))
	assert.False(t, d.Handles(model.JobTypeRender))
}
