package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clientpilot/clientpilot/internal/core"
	"github.com/clientpilot/clientpilot/internal/data"
	jobdomain "github.com/clientpilot/clientpilot/internal/domain/job"
	"github.com/clientpilot/clientpilot/internal/domain/model"
)

func startInProcess(t *testing.T, repo *data.MemoryJobRepo, d *Dispatcher) (*InProcess, context.CancelFunc) {
	t.Helper()

	notifier := jobdomain.NewNotifier(jobdomain.NotifierOptions{})
	repo.Notify = notifier.Wake

	q, err := NewInProcess(InProcessOptions{
		Repo:         repo,
		Dispatcher:   d,
		Notifier:     notifier,
		PollInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("queue did not stop")
		}
	})
	return q, cancel
}

func waitForStatus(t *testing.T, q core.Queue, id string, want model.JobStatus) *model.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, err := q.GetJob(context.Background(), id)
		require.NoError(t, err)
		if job.Status == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %s", id, want)
	return nil
}

func TestInProcess_RunsEnqueuedJob(t *testing.T) {
	ctx := context.Background()
	repo := data.NewMemoryJobRepo(nil)
	d := newTestDispatcher(t, repo)

	var handled atomic.Int32
	require.NoError(t, d.Register(model.JobTypeNotification, func(_ context.Context, job *model.Job) (json.RawMessage, error) {
		handled.Add(1)
		return json.RawMessage(`{"delivered":true}`), nil
	}))

	q, _ := startInProcess(t, repo, d)

	job, err := q.Enqueue(ctx, model.JobTypeNotification, json.RawMessage(`{"kind":"welcome"}`), core.EnqueueOptions{})
	require.NoError(t, err)

	done := waitForStatus(t, q, job.ID, model.JobStatusCompleted)
	assert.JSONEq(t, `{"delivered":true}`, string(done.Result))
	assert.Equal(t, int32(1), handled.Load())
}

func TestInProcess_GenerationLaneIsSerial(t *testing.T) {
	ctx := context.Background()
	repo := data.NewMemoryJobRepo(nil)
	d := newTestDispatcher(t, repo)

	var mu sync.Mutex
	var inFlight, maxInFlight int
	require.NoError(t, d.Register(model.JobTypeGeneration, func(_ context.Context, _ *model.Job) (json.RawMessage, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(50 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil, nil
	}))

	q, _ := startInProcess(t, repo, d)

	ids := make([]string, 0, 4)
	for n := 0; n < 4; n++ {
		job, err := q.Enqueue(ctx, model.JobTypeGeneration, nil, core.EnqueueOptions{})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	for _, id := range ids {
		waitForStatus(t, q, id, model.JobStatusCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxInFlight, "generation jobs must never overlap")
}

func TestInProcess_PriorityAndDelayAreIgnored(t *testing.T) {
	ctx := context.Background()
	repo := data.NewMemoryJobRepo(nil)
	d := newTestDispatcher(t, repo)
	require.NoError(t, d.Register(model.JobTypeRender, func(_ context.Context, _ *model.Job) (json.RawMessage, error) {
		return nil, nil
	}))

	q, _ := startInProcess(t, repo, d)

	job, err := q.Enqueue(ctx, model.JobTypeRender, nil, core.EnqueueOptions{
		Priority: 9,
		Delay:    time.Hour,
	})
	require.NoError(t, err)
	assert.Zero(t, job.Priority)

	// Despite the requested delay the job runs immediately.
	waitForStatus(t, q, job.ID, model.JobStatusCompleted)
}

func TestInProcess_CancelDuringRetryDelayIsFinal(t *testing.T) {
	ctx := context.Background()
	repo := data.NewMemoryJobRepo(nil)
	d := newTestDispatcher(t, repo)

	require.NoError(t, d.Register(model.JobTypeRender, func(_ context.Context, _ *model.Job) (json.RawMessage, error) {
		return nil, errors.New("render upstream timeout")
	}))

	q, _ := startInProcess(t, repo, d)

	job, err := q.Enqueue(ctx, model.JobTypeRender, nil, core.EnqueueOptions{})
	require.NoError(t, err)

	// Wait for the first failed attempt to requeue with backoff.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		j, getErr := q.GetJob(ctx, job.ID)
		require.NoError(t, getErr)
		if j.Attempts >= 1 && j.Status == model.JobStatusQueued {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	require.NoError(t, q.Cancel(ctx, job.ID))

	got := waitForStatus(t, q, job.ID, model.JobStatusCancelled)
	assert.Equal(t, 1, got.Attempts, "cancelled job must not be re-enqueued after its retry delay")

	// Give the workers a beat; the job must stay cancelled.
	time.Sleep(100 * time.Millisecond)
	got, err = q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, got.Status)
}
