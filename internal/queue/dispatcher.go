package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/clientpilot/clientpilot/internal/core"
	jobdomain "github.com/clientpilot/clientpilot/internal/domain/job"
	"github.com/clientpilot/clientpilot/internal/domain/model"
	apperrors "github.com/clientpilot/clientpilot/internal/errors"
	obserrors "github.com/clientpilot/clientpilot/internal/observability/errors"
	"github.com/clientpilot/clientpilot/internal/observability/metrics"
	"github.com/clientpilot/clientpilot/internal/observability/statsd"
)

// HandlerFunc executes one job. The returned payload is stored as the job
// result on success.
type HandlerFunc func(ctx context.Context, job *model.Job) (json.RawMessage, error)

// DispatcherOptions configure a Dispatcher.
type DispatcherOptions struct {
	Repo    core.JobRepository
	Backoff jobdomain.BackoffPolicy
	Logger  *slog.Logger
	Sink    statsd.Sink
}

// Dispatcher routes reserved jobs to their registered handlers and records
// the outcome in the job store. Exactly one handler per job type.
type Dispatcher struct {
	repo     core.JobRepository
	backoff  jobdomain.BackoffPolicy
	logger   *slog.Logger
	sink     statsd.Sink
	handlers map[model.JobType]HandlerFunc
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Repo == nil {
		return nil, errors.New("job repository is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		repo:     opts.Repo,
		backoff:  opts.Backoff,
		logger:   logger.With("component", "dispatcher"),
		sink:     opts.Sink,
		handlers: make(map[model.JobType]HandlerFunc),
	}, nil
}

// Register binds a handler to a job type. Registering a second handler for
// the same type is a programming error.
func (d *Dispatcher) Register(jobType model.JobType, handler HandlerFunc) error {
	if !jobType.Valid() {
		return fmt.Errorf("invalid job type: %q", jobType)
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	if _, exists := d.handlers[jobType]; exists {
		return fmt.Errorf("handler already registered for job type %q", jobType)
	}
	d.handlers[jobType] = handler
	return nil
}

// Handles reports whether a handler is registered for the job type.
func (d *Dispatcher) Handles(jobType model.JobType) bool {
	_, ok := d.handlers[jobType]
	return ok
}

// Outcome describes where a processed job ended up.
type Outcome int

const (
	// OutcomeCompleted means the job succeeded.
	OutcomeCompleted Outcome = iota
	// OutcomeRetry means the attempt failed and the job was requeued.
	OutcomeRetry
	// OutcomeFailed means the job reached a terminal failure.
	OutcomeFailed
)

// ProcessResult reports the outcome of one processed job so backends can
// mirror it into their own structures.
type ProcessResult struct {
	Outcome Outcome
	// RetryDelay is set when Outcome is OutcomeRetry.
	RetryDelay time.Duration
}

// Process executes a reserved job and records its outcome in the job store.
// It never returns handler errors to the worker loop; only store failures
// propagate.
func (d *Dispatcher) Process(ctx context.Context, job *model.Job) (ProcessResult, error) {
	handler, ok := d.handlers[job.Type]
	if !ok {
		unknownErr := apperrors.UnknownJobType(string(job.Type))
		d.logger.ErrorContext(ctx, "no handler for job type",
			"job_id", job.ID,
			"job_type", job.Type,
		)
		d.emit(job, "failed_permanently", metrics.ResultError, unknownErr)
		err := d.repo.FailPermanently(ctx, job.ID, unknownErr.Error(), string(apperrors.ErrCodeUnknownJobType))
		return ProcessResult{Outcome: OutcomeFailed}, err
	}

	start := time.Now()
	result, handlerErr := d.invoke(ctx, handler, job)
	elapsed := time.Since(start)

	if handlerErr == nil {
		if err := d.repo.Complete(ctx, job.ID, result); err != nil {
			return ProcessResult{Outcome: OutcomeCompleted}, d.outcomeError(ctx, job, "complete", err)
		}
		d.logger.InfoContext(ctx, "job completed",
			"job_id", job.ID,
			"job_type", job.Type,
			"duration", elapsed,
		)
		d.emitTimed(job, "completed", metrics.ResultSuccess, nil, elapsed)
		return ProcessResult{Outcome: OutcomeCompleted}, nil
	}

	if apperrors.Permanent(handlerErr) {
		class := string(apperrors.GetCode(handlerErr))
		if err := d.repo.FailPermanently(ctx, job.ID, handlerErr.Error(), class); err != nil {
			return ProcessResult{Outcome: OutcomeFailed}, d.outcomeError(ctx, job, "fail permanently", err)
		}
		d.logger.WarnContext(ctx, "job failed permanently",
			"job_id", job.ID,
			"job_type", job.Type,
			"error_class", class,
			"error", handlerErr,
		)
		d.emitTimed(job, "failed_permanently", metrics.ResultError, handlerErr, elapsed)
		return ProcessResult{Outcome: OutcomeFailed}, nil
	}

	delay := d.backoff.Delay(job.Attempts + 1)
	class := obserrors.Classify(handlerErr)
	failed, err := d.repo.Fail(ctx, job.ID, handlerErr.Error(), class, delay)
	if err != nil {
		return ProcessResult{Outcome: OutcomeFailed}, d.outcomeError(ctx, job, "fail", err)
	}

	if failed.Status == model.JobStatusQueued {
		d.logger.WarnContext(ctx, "job attempt failed, retrying",
			"job_id", job.ID,
			"job_type", job.Type,
			"attempt", failed.Attempts,
			"max_attempts", failed.MaxAttempts,
			"retry_delay", delay,
			"error", handlerErr,
		)
		d.emitTimed(job, "retried", metrics.ResultError, handlerErr, elapsed)
		return ProcessResult{Outcome: OutcomeRetry, RetryDelay: delay}, nil
	}

	d.logger.ErrorContext(ctx, "job failed after final attempt",
		"job_id", job.ID,
		"job_type", job.Type,
		"attempts", failed.Attempts,
		"error", handlerErr,
	)
	d.emitTimed(job, "failed", metrics.ResultError, handlerErr, elapsed)
	return ProcessResult{Outcome: OutcomeFailed}, nil
}

// invoke runs the handler, converting panics into errors so one bad payload
// cannot take down a worker.
func (d *Dispatcher) invoke(ctx context.Context, handler HandlerFunc, job *model.Job) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			d.logger.ErrorContext(ctx, "handler panicked",
				"job_id", job.ID,
				"job_type", job.Type,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	return handler(ctx, job)
}

// outcomeError handles a job-store write failure. A job cancelled while
// processing is expected to fall through here.
func (d *Dispatcher) outcomeError(ctx context.Context, job *model.Job, op string, err error) error {
	d.logger.WarnContext(ctx, "recording job outcome failed",
		"job_id", job.ID,
		"job_type", job.Type,
		"op", op,
		"error", err,
	)
	return fmt.Errorf("%s job %s: %w", op, job.ID, err)
}

func (d *Dispatcher) emit(job *model.Job, transition, result string, err error) {
	d.emitTimed(job, transition, result, err, 0)
}

func (d *Dispatcher) emitTimed(job *model.Job, transition, result string, err error, elapsed time.Duration) {
	metrics.EmitJobLifecycle(d.sink, metrics.JobMetric{
		JobType:    string(job.Type),
		Lane:       string(model.LaneFor(job.Type)),
		Transition: transition,
		Result:     result,
		Duration:   elapsed,
		Err:        err,
	})
}
