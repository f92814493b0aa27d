package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clientpilot/clientpilot/internal/core"
	jobdomain "github.com/clientpilot/clientpilot/internal/domain/job"
	"github.com/clientpilot/clientpilot/internal/domain/model"
)

// InProcessOptions configure the in-process queue backend.
type InProcessOptions struct {
	Repo       core.JobRepository
	Dispatcher *Dispatcher
	Notifier   jobdomain.Notifier
	Logger     *slog.Logger
	// PollInterval bounds how long a worker sleeps when no wakeup arrives.
	PollInterval time.Duration
}

// InProcess runs jobs inside the service process: one worker on the
// generation lane, three on every other lane. Priority and Delay are not
// supported here; they are accepted and ignored with a warning so callers
// behave identically on both backends.
type InProcess struct {
	repo         core.JobRepository
	dispatcher   *Dispatcher
	notifier     jobdomain.Notifier
	logger       *slog.Logger
	pollInterval time.Duration
}

// NewInProcess creates the in-process backend.
func NewInProcess(opts InProcessOptions) (*InProcess, error) {
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
	notifier := opts.Notifier
	if notifier == nil {
		notifier = jobdomain.NewNotifier(jobdomain.NotifierOptions{})
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	return &InProcess{
		repo:         opts.Repo,
		dispatcher:   opts.Dispatcher,
		notifier:     notifier,
		logger:       logger.With("component", "queue", "backend", "inproc"),
		pollInterval: pollInterval,
	}, nil
}

var _ core.Queue = (*InProcess)(nil)

// Enqueue validates and persists a job. Priority and Delay are dropped on
// this backend.
func (q *InProcess) Enqueue(ctx context.Context, jobType model.JobType, payload json.RawMessage, opts core.EnqueueOptions) (*model.Job, error) {
	if opts.Priority != 0 {
		q.logger.WarnContext(ctx, "priority not supported on in-process backend, ignoring",
			"job_type", jobType,
			"priority", opts.Priority,
		)
	}
	if opts.Delay > 0 {
		q.logger.WarnContext(ctx, "delay not supported on in-process backend, running immediately",
			"job_type", jobType,
			"delay", opts.Delay,
		)
	}

	return q.repo.Create(ctx, model.CreateJobRequest{
		Type:        jobType,
		Payload:     payload,
		MaxAttempts: opts.MaxAttempts,
	})
}

// GetJob fetches a job by id.
func (q *InProcess) GetJob(ctx context.Context, id string) (*model.Job, error) {
	return q.repo.GetByID(ctx, id)
}

// Cancel stops a job that has not yet reached a terminal status. A job
// sitting out a retry delay is cancelled in place and never re-enqueued.
func (q *InProcess) Cancel(ctx context.Context, id string) error {
	return q.repo.Cancel(ctx, id)
}

// Retry requeues a failed or cancelled job.
func (q *InProcess) Retry(ctx context.Context, id string) (*model.Job, error) {
	return q.repo.Retry(ctx, id)
}

// JobsByStatus lists jobs in a status.
func (q *InProcess) JobsByStatus(ctx context.Context, status model.JobStatus, limit int) ([]*model.Job, error) {
	return q.repo.ListByStatus(ctx, status, limit)
}

// Stats returns per-status job counts.
func (q *InProcess) Stats(ctx context.Context) (*model.JobStats, error) {
	return q.repo.Stats(ctx)
}

// Run starts the lane workers and blocks until the context is canceled.
func (q *InProcess) Run(ctx context.Context) error {
	defer q.notifier.StopAll()

	g, gctx := errgroup.WithContext(ctx)
	for _, lane := range model.AllLanes {
		lane := lane
		for i := 0; i < inProcessConcurrency(lane); i++ {
			i := i
			g.Go(func() error {
				q.workerLoop(gctx, lane, i)
				return nil
			})
		}
	}

	q.logger.InfoContext(ctx, "in-process queue started")
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (q *InProcess) workerLoop(ctx context.Context, lane model.Lane, worker int) {
	logger := q.logger.With("lane", lane, "worker", worker)
	types := lane.JobTypes()

	unsub, wake := q.notifier.Subscribe(string(lane))
	defer unsub()

	timer := time.NewTimer(q.pollInterval)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := q.repo.ReserveNext(ctx, types)
		switch {
		case errors.Is(err, model.ErrNoJobsAvailable):
			if !q.waitForWork(ctx, wake, timer) {
				return
			}
			continue
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			logger.ErrorContext(ctx, "reserve next job failed", "error", err)
			if !q.waitForWork(ctx, wake, timer) {
				return
			}
			continue
		}

		if _, procErr := q.dispatcher.Process(ctx, job); procErr != nil {
			logger.WarnContext(ctx, "job outcome not recorded", "job_id", job.ID, "error", procErr)
		}
	}
}

// waitForWork blocks until a wakeup, a poll tick, or shutdown. Returns false
// on shutdown.
func (q *InProcess) waitForWork(ctx context.Context, wake <-chan struct{}, timer *time.Timer) bool {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(q.pollInterval)

	select {
	case <-ctx.Done():
		return false
	case <-wake:
		return true
	case <-timer.C:
		return true
	}
}
