package data

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clientpilot/clientpilot/internal/domain/model"
)

// MemoryJobRepo is an in-memory JobRepository. It backs the in-process queue
// backend when no database is configured and all unit tests.
type MemoryJobRepo struct {
	mu           sync.Mutex
	jobs         map[string]*model.Job
	timeProvider TimeProvider

	// Notify, when set, is called with the lane topic after a job becomes
	// available. Replaces pg_notify for the in-memory store.
	Notify func(topic string)
}

// NewMemoryJobRepo creates an empty in-memory job repository.
func NewMemoryJobRepo(tp TimeProvider) *MemoryJobRepo {
	if tp == nil {
		tp = RealTimeProvider{}
	}
	return &MemoryJobRepo{
		jobs:         make(map[string]*model.Job),
		timeProvider: tp,
	}
}

func (r *MemoryJobRepo) notify(t model.JobType) {
	if r.Notify != nil {
		r.Notify(string(model.LaneFor(t)))
	}
}

func cloneJob(j *model.Job) *model.Job {
	c := *j
	c.Payload = append(json.RawMessage(nil), j.Payload...)
	if j.Result != nil {
		c.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.LastError != nil {
		s := *j.LastError
		c.LastError = &s
	}
	if j.ErrorClass != nil {
		s := *j.ErrorClass
		c.ErrorClass = &s
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Create inserts a new queued job.
func (r *MemoryJobRepo) Create(_ context.Context, req model.CreateJobRequest) (*model.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := r.timeProvider.Now().UTC()
	scheduledAt := req.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = now
	}

	job := &model.Job{
		ID:          uuid.NewString(),
		Type:        req.Type,
		Status:      model.JobStatusQueued,
		Priority:    req.Priority,
		Payload:     append(json.RawMessage(nil), req.Payload...),
		MaxAttempts: req.MaxAttempts,
		ScheduledAt: scheduledAt.UTC(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	r.mu.Lock()
	r.jobs[job.ID] = job
	r.mu.Unlock()

	r.notify(job.Type)
	return cloneJob(job), nil
}

// GetByID fetches a job by id.
func (r *MemoryJobRepo) GetByID(_ context.Context, id string) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return cloneJob(job), nil
}

// ReserveNext claims the oldest due queued job of one of the given types.
func (r *MemoryJobRepo) ReserveNext(_ context.Context, types []model.JobType) (*model.Job, error) {
	wanted := make(map[model.JobType]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}

	now := r.timeProvider.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	var best *model.Job
	for _, j := range r.jobs {
		if j.Status != model.JobStatusQueued || !wanted[j.Type] || j.ScheduledAt.After(now) {
			continue
		}
		if best == nil || betterCandidate(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, model.ErrNoJobsAvailable
	}

	best.Status = model.JobStatusProcessing
	if best.StartedAt == nil {
		t := now
		best.StartedAt = &t
	}
	best.UpdatedAt = now
	return cloneJob(best), nil
}

// ReserveByID claims a specific queued job, moving it to processing.
func (r *MemoryJobRepo) ReserveByID(_ context.Context, id string) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok || job.Status != model.JobStatusQueued {
		return nil, model.ErrNoJobsAvailable
	}

	now := r.timeProvider.Now().UTC()
	job.Status = model.JobStatusProcessing
	if job.StartedAt == nil {
		t := now
		job.StartedAt = &t
	}
	job.UpdatedAt = now
	return cloneJob(job), nil
}

// betterCandidate orders by priority desc, then scheduled_at asc, then created_at asc.
func betterCandidate(a, b *model.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// Complete marks a processing job completed and stores its result.
func (r *MemoryJobRepo) Complete(_ context.Context, id string, result json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok || job.Status != model.JobStatusProcessing {
		return ErrJobNotFound
	}

	now := r.timeProvider.Now().UTC()
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	job.Status = model.JobStatusCompleted
	job.Result = append(json.RawMessage(nil), result...)
	job.LastError = nil
	job.ErrorClass = nil
	job.CompletedAt = &now
	job.UpdatedAt = now
	return nil
}

// Fail records a failed attempt, requeueing with delay below the ceiling.
func (r *MemoryJobRepo) Fail(_ context.Context, id string, jobErr string, errClass string, delay time.Duration) (*model.Job, error) {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if !ok || job.Status != model.JobStatusProcessing {
		r.mu.Unlock()
		return nil, ErrJobNotFound
	}

	now := r.timeProvider.Now().UTC()
	job.Attempts++
	job.LastError = &jobErr
	if errClass != "" {
		job.ErrorClass = &errClass
	}
	job.UpdatedAt = now

	requeued := job.Attempts < job.MaxAttempts
	if requeued {
		job.Status = model.JobStatusQueued
		job.ScheduledAt = now.Add(delay)
		job.CompletedAt = nil
	} else {
		job.Status = model.JobStatusFailed
		job.CompletedAt = &now
	}
	out := cloneJob(job)
	jobType := job.Type
	r.mu.Unlock()

	if requeued && delay <= 0 {
		r.notify(jobType)
	}
	return out, nil
}

// FailPermanently moves a job straight to failed.
func (r *MemoryJobRepo) FailPermanently(_ context.Context, id string, jobErr string, errClass string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok || job.Status.Terminal() {
		return ErrJobNotFound
	}

	now := r.timeProvider.Now().UTC()
	job.Status = model.JobStatusFailed
	job.Attempts++
	job.LastError = &jobErr
	if errClass != "" {
		job.ErrorClass = &errClass
	}
	job.CompletedAt = &now
	job.UpdatedAt = now
	return nil
}

// Cancel moves a queued or processing job to cancelled.
func (r *MemoryJobRepo) Cancel(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status.Terminal() {
		return ErrJobNotCancellable
	}

	now := r.timeProvider.Now().UTC()
	job.Status = model.JobStatusCancelled
	job.CompletedAt = &now
	job.UpdatedAt = now
	return nil
}

// Retry requeues a failed or cancelled job with attempts reset.
func (r *MemoryJobRepo) Retry(_ context.Context, id string) (*model.Job, error) {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrJobNotFound
	}
	if job.Status != model.JobStatusFailed && job.Status != model.JobStatusCancelled {
		r.mu.Unlock()
		return nil, ErrJobNotRetryable
	}

	now := r.timeProvider.Now().UTC()
	job.Status = model.JobStatusQueued
	job.Attempts = 0
	job.LastError = nil
	job.ErrorClass = nil
	job.CompletedAt = nil
	job.ScheduledAt = now
	job.UpdatedAt = now
	out := cloneJob(job)
	jobType := job.Type
	r.mu.Unlock()

	r.notify(jobType)
	return out, nil
}

// ListByStatus returns jobs in a status, newest first, bounded by limit.
func (r *MemoryJobRepo) ListByStatus(_ context.Context, status model.JobStatus, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 100
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var jobs []*model.Job
	for _, j := range r.jobs {
		if j.Status == status {
			jobs = append(jobs, cloneJob(j))
		}
	}
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// Stats returns per-status job counts.
func (r *MemoryJobRepo) Stats(_ context.Context) (*model.JobStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s model.JobStats
	for _, j := range r.jobs {
		switch j.Status {
		case model.JobStatusQueued:
			s.Queued++
		case model.JobStatusProcessing:
			s.Processing++
		case model.JobStatusCompleted:
			s.Completed++
		case model.JobStatusFailed:
			s.Failed++
		case model.JobStatusCancelled:
			s.Cancelled++
		}
	}
	return &s, nil
}

// FailStaleQueuedJobs fails queued jobs older than the threshold.
func (r *MemoryJobRepo) FailStaleQueuedJobs(_ context.Context, olderThan time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 500
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.timeProvider.Now().UTC()
	msg := "stale: never picked up"
	class := "stale"

	var moved int64
	for _, j := range r.jobs {
		if moved >= int64(limit) {
			break
		}
		if j.Status == model.JobStatusQueued && j.ScheduledAt.Before(olderThan) {
			j.Status = model.JobStatusFailed
			j.LastError = &msg
			j.ErrorClass = &class
			j.CompletedAt = &now
			j.UpdatedAt = now
			moved++
		}
	}
	return moved, nil
}

// DeleteOldJobs removes terminal jobs past their retention window.
func (r *MemoryJobRepo) DeleteOldJobs(_ context.Context, statuses []model.JobStatus, olderThan time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 500
	}
	terminal := make(map[model.JobStatus]bool, len(statuses))
	for _, s := range statuses {
		terminal[s] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var removed int64
	for id, j := range r.jobs {
		if removed >= int64(limit) {
			break
		}
		if terminal[j.Status] && j.CompletedAt != nil && j.CompletedAt.Before(olderThan) {
			delete(r.jobs, id)
			removed++
		}
	}
	return removed, nil
}
