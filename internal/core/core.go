// Package core defines the ports between the clientpilot services and their
// backing infrastructure. Services depend on these interfaces; the data,
// queue, genai, and notify packages provide the implementations.
package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/clientpilot/clientpilot/internal/domain/model"
)

// JobRepository persists jobs and mediates worker reservation.
type JobRepository interface {
	// Create inserts a new queued job.
	Create(ctx context.Context, req model.CreateJobRequest) (*model.Job, error)
	// GetByID fetches a job by id.
	GetByID(ctx context.Context, id string) (*model.Job, error)
	// ReserveNext atomically claims the oldest due queued job of one of the
	// given types, moving it to processing. Returns
	// model.ErrNoJobsAvailable when nothing is due.
	ReserveNext(ctx context.Context, types []model.JobType) (*model.Job, error)
	// ReserveByID claims a specific queued job, moving it to processing.
	// Used by backends that order work outside the store. Returns
	// model.ErrNoJobsAvailable when the job is not queued.
	ReserveByID(ctx context.Context, id string) (*model.Job, error)
	// Complete marks a processing job completed and stores its result.
	Complete(ctx context.Context, id string, result json.RawMessage) error
	// Fail records a failed attempt. Below the attempt ceiling the job is
	// requeued with ScheduledAt pushed out by delay; otherwise it goes to
	// failed.
	Fail(ctx context.Context, id string, jobErr string, errClass string, delay time.Duration) (*model.Job, error)
	// FailPermanently moves a job straight to failed regardless of the
	// attempts remaining.
	FailPermanently(ctx context.Context, id string, jobErr string, errClass string) error
	// Cancel moves a queued or processing job to cancelled.
	Cancel(ctx context.Context, id string) error
	// Retry requeues a failed or cancelled job with attempts reset.
	Retry(ctx context.Context, id string) (*model.Job, error)
	// ListByStatus returns jobs in a status, newest first, bounded by limit.
	ListByStatus(ctx context.Context, status model.JobStatus, limit int) ([]*model.Job, error)
	// Stats returns per-status job counts.
	Stats(ctx context.Context) (*model.JobStats, error)
	// FailStaleQueuedJobs fails queued jobs older than the threshold.
	// Returns the number of jobs moved.
	FailStaleQueuedJobs(ctx context.Context, olderThan time.Time, limit int) (int64, error)
	// DeleteOldJobs removes terminal jobs past their retention window.
	// Returns the number of rows removed.
	DeleteOldJobs(ctx context.Context, statuses []model.JobStatus, olderThan time.Time, limit int) (int64, error)
}

// JobWaiter is implemented by repositories that can block until a job of a
// type becomes available, such as the Postgres store via LISTEN/NOTIFY.
type JobWaiter interface {
	WaitForNotification(ctx context.Context, topic string) error
}

// EnqueueOptions tune a single enqueue. Zero values mean defaults.
type EnqueueOptions struct {
	// Priority orders jobs within a lane on backends that support it.
	// Higher runs first.
	Priority int
	// Delay defers the first attempt.
	Delay time.Duration
	// MaxAttempts overrides the default attempt ceiling.
	MaxAttempts int
}

// Queue is the submission and control surface for asynchronous work. Callers
// depend on this interface only; whether the in-process or the distributed
// backend is active is a boot-time decision.
type Queue interface {
	// Enqueue validates and persists a job for execution.
	Enqueue(ctx context.Context, jobType model.JobType, payload json.RawMessage, opts EnqueueOptions) (*model.Job, error)
	// GetJob fetches a job by id.
	GetJob(ctx context.Context, id string) (*model.Job, error)
	// Cancel stops a job that has not yet reached a terminal status.
	Cancel(ctx context.Context, id string) error
	// Retry requeues a failed or cancelled job.
	Retry(ctx context.Context, id string) (*model.Job, error)
	// JobsByStatus lists jobs in a status.
	JobsByStatus(ctx context.Context, status model.JobStatus, limit int) ([]*model.Job, error)
	// Stats returns per-status job counts.
	Stats(ctx context.Context) (*model.JobStats, error)
	// Run processes jobs until the context is canceled.
	Run(ctx context.Context) error
}

// BudgetRepository persists generation budgets.
type BudgetRepository interface {
	Upsert(ctx context.Context, budget *model.Budget) (*model.Budget, error)
	GetByPeriod(ctx context.Context, period model.BudgetPeriod) (*model.Budget, error)
	ListActive(ctx context.Context) ([]*model.Budget, error)
	// AddUsage atomically increments usage on one budget and returns the
	// row as it was before and after the update. Pausing at the limit
	// happens in the same statement when autoPause is set.
	AddUsage(ctx context.Context, id string, tokens int64, cost float64, autoPause bool) (*model.BudgetUsage, error)
	// ResetPeriod clears usage and unpauses the budget for one period.
	ResetPeriod(ctx context.Context, period model.BudgetPeriod, periodStart time.Time) (*model.Budget, error)
	SetPaused(ctx context.Context, id string, paused bool) error
}

// ResponseCacheRepository persists cached generation responses.
type ResponseCacheRepository interface {
	Get(ctx context.Context, key string) (*model.CacheEntry, error)
	// Put inserts or replaces an entry.
	Put(ctx context.Context, entry *model.CacheEntry) error
	Delete(ctx context.Context, key string) error
	// Touch bumps HitCount, TokensSaved, and LastUsedAt on a hit.
	Touch(ctx context.Context, key string, tokensSaved int64, usedAt time.Time) error
	// EvictLRU removes least-recently-used entries beyond maxEntries.
	// Returns the number removed.
	EvictLRU(ctx context.Context, maxEntries int) (int64, error)
	// DeleteExpired removes entries past their TTL. Returns the number removed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	Count(ctx context.Context) (int, error)
}

// ClientRepository persists program participants.
type ClientRepository interface {
	Create(ctx context.Context, client *model.Client) (*model.Client, error)
	GetByID(ctx context.Context, id string) (*model.Client, error)
	UpdateStatus(ctx context.Context, id string, status model.ClientStatus) error
	ListByStatus(ctx context.Context, status model.ClientStatus) ([]*model.Client, error)
}

// PlanRepository persists generated plan artifacts.
type PlanRepository interface {
	Create(ctx context.Context, plan *model.Plan) (*model.Plan, error)
	GetByClientMonth(ctx context.Context, clientID string, month int) (*model.Plan, error)
	// ExistsForMonth reports whether a plan already exists for the client
	// month. Drives workflow idempotency.
	ExistsForMonth(ctx context.Context, clientID string, month int) (bool, error)
	ListByClient(ctx context.Context, clientID string) ([]*model.Plan, error)
}

// ActivityRepository records notable client events.
type ActivityRepository interface {
	Record(ctx context.Context, activity *model.Activity) error
	ListByClient(ctx context.Context, clientID string, limit int) ([]*model.Activity, error)
}

// GenerationProvider calls the external language model.
type GenerationProvider interface {
	Complete(ctx context.Context, req model.GenerationRequest) (*model.GenerationResult, error)
}

// NotificationSender delivers user-facing notifications. The concrete sender
// is an external collaborator reached over a webhook.
type NotificationSender interface {
	Send(ctx context.Context, kind string, payload json.RawMessage) error
}
