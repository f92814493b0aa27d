package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/clientpilot/clientpilot/internal/core"
	"github.com/clientpilot/clientpilot/internal/domain/model"
	apperrors "github.com/clientpilot/clientpilot/internal/errors"
)

// JobOptions configure a JobService.
type JobOptions struct {
	Queue  core.Queue
	Logger *slog.Logger
}

// JobService is the operator-facing surface over the queue: submit, inspect,
// cancel, retry. It validates input before touching the backend.
type JobService struct {
	queue  core.Queue
	logger *slog.Logger
}

// NewJobService creates a JobService.
func NewJobService(opts JobOptions) (*JobService, error) {
	if opts.Queue == nil {
		return nil, errors.New("queue is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &JobService{
		queue:  opts.Queue,
		logger: logger.With("component", "jobs"),
	}, nil
}

// Submit enqueues a job.
func (s *JobService) Submit(ctx context.Context, jobType model.JobType, payload json.RawMessage, opts core.EnqueueOptions) (*model.Job, error) {
	if !jobType.Valid() {
		return nil, apperrors.ValidationField("type", fmt.Sprintf("invalid job type: %q", jobType))
	}
	return s.queue.Enqueue(ctx, jobType, payload, opts)
}

// Get fetches a job by id.
func (s *JobService) Get(ctx context.Context, id string) (*model.Job, error) {
	if id == "" {
		return nil, apperrors.ValidationField("id", "job id is required")
	}
	return s.queue.GetJob(ctx, id)
}

// Cancel stops a non-terminal job.
func (s *JobService) Cancel(ctx context.Context, id string) error {
	if id == "" {
		return apperrors.ValidationField("id", "job id is required")
	}
	if err := s.queue.Cancel(ctx, id); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "job cancelled", "job_id", id)
	return nil
}

// Retry requeues a failed or cancelled job with attempts reset.
func (s *JobService) Retry(ctx context.Context, id string) (*model.Job, error) {
	if id == "" {
		return nil, apperrors.ValidationField("id", "job id is required")
	}
	job, err := s.queue.Retry(ctx, id)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "job requeued", "job_id", id, "job_type", job.Type)
	return job, nil
}

// ListByStatus lists jobs in a status.
func (s *JobService) ListByStatus(ctx context.Context, status model.JobStatus, limit int) ([]*model.Job, error) {
	if !status.Valid() {
		return nil, apperrors.ValidationField("status", fmt.Sprintf("invalid job status: %q", status))
	}
	return s.queue.JobsByStatus(ctx, status, limit)
}

// Stats returns per-status job counts.
func (s *JobService) Stats(ctx context.Context) (*model.JobStats, error) {
	return s.queue.Stats(ctx)
}
