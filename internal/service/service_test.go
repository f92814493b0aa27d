package service

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/clientpilot/clientpilot/internal/core"
	"github.com/clientpilot/clientpilot/internal/domain/model"
)

// fakeQueue records enqueues for assertion and leaves the rest of the Queue
// surface unimplemented.
type fakeQueue struct {
	mu       sync.Mutex
	enqueued []enqueuedJob
	fail     error
}

type enqueuedJob struct {
	Type    model.JobType
	Payload json.RawMessage
	Opts    core.EnqueueOptions
}

func (q *fakeQueue) Enqueue(_ context.Context, jobType model.JobType, payload json.RawMessage, opts core.EnqueueOptions) (*model.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail != nil {
		return nil, q.fail
	}
	q.enqueued = append(q.enqueued, enqueuedJob{Type: jobType, Payload: payload, Opts: opts})
	return &model.Job{ID: "job", Type: jobType, Status: model.JobStatusQueued}, nil
}

func (q *fakeQueue) jobs() []enqueuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]enqueuedJob(nil), q.enqueued...)
}

func (q *fakeQueue) GetJob(context.Context, string) (*model.Job, error) { return nil, nil }
func (q *fakeQueue) Cancel(context.Context, string) error               { return nil }
func (q *fakeQueue) Retry(context.Context, string) (*model.Job, error)  { return nil, nil }
func (q *fakeQueue) JobsByStatus(context.Context, model.JobStatus, int) ([]*model.Job, error) {
	return nil, nil
}
func (q *fakeQueue) Stats(context.Context) (*model.JobStats, error) { return nil, nil }
func (q *fakeQueue) Run(context.Context) error                      { return nil }

var _ core.Queue = (*fakeQueue)(nil)
