package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/clientpilot/clientpilot/internal/data/pgxutil"
	"github.com/clientpilot/clientpilot/internal/domain/model"
)

// SQL used by ReserveNext to atomically reserve the next job.
const reserveNextUpdateSQL = `
  WITH cte AS (
    SELECT id FROM jobs
    WHERE type = ANY($1) AND status = 'queued' AND scheduled_at <= $2
    ORDER BY priority DESC, scheduled_at ASC, created_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE jobs j
  SET
    status = 'processing',
    started_at = COALESCE(j.started_at, $3),
    updated_at = $3
  FROM cte
  WHERE j.id = cte.id
  RETURNING j.id, j.type, j.status, j.priority, j.payload, j.result, j.attempts, j.max_attempts, j.last_error, j.error_class, j.scheduled_at, j.started_at, j.completed_at, j.created_at, j.updated_at`

// Create inserts a new queued job and notifies the job's lane channel.
func (r *JobRepo) Create(ctx context.Context, req model.CreateJobRequest) (*model.Job, error) {
	if validateErr := req.Validate(); validateErr != nil {
		return nil, validateErr
	}

	scheduledAt := req.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = r.timeProvider.Now()
	}

	var job *model.Job
	txErr := pgxutil.WithPgxTx(ctx, r.DB, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
              INSERT INTO jobs(type, status, priority, payload, attempts, max_attempts, scheduled_at)
              VALUES ($1,'queued',$2,$3,0,$4,$5)
              RETURNING `+jobColumns,
			req.Type,
			req.Priority,
			[]byte(req.Payload),
			req.MaxAttempts,
			scheduledAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		j, collectErr := collectJobFromRows(rows)
		rows.Close()
		if collectErr != nil {
			return fmt.Errorf("collect job: %w", collectErr)
		}

		channel := "jobs_ready_" + string(model.LaneFor(req.Type))
		if _, execErr := tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`, channel, j.ID); execErr != nil {
			return fmt.Errorf("send job notification: %w", execErr)
		}

		job = j
		return nil
	})
	if txErr != nil {
		return nil, mapPgError(txErr)
	}

	return job, nil
}

// GetByID retrieves a job by its ID.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	var job *model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, err := pgxConn.Query(ctx, `
			SELECT `+jobColumns+`
			FROM jobs
			WHERE id = $1
		`, id)
		if err != nil {
			return err
		}
		defer rows.Close()
		job, err = collectJobFromRows(rows)
		return err
	})

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ReserveNext atomically claims the oldest due queued job of one of the given
// types and moves it to processing.
func (r *JobRepo) ReserveNext(ctx context.Context, types []model.JobType) (*model.Job, error) {
	if len(types) == 0 {
		return nil, errors.New("at least one job type is required")
	}
	typeNames := make([]string, len(types))
	for i, t := range types {
		if !t.Valid() {
			return nil, fmt.Errorf("invalid job type: %s", t)
		}
		typeNames[i] = string(t)
	}

	var job *model.Job
	err := pgxutil.WithPgxTx(ctx, r.DB, func(tx pgx.Tx) error {
		currentTime := r.timeProvider.Now().UTC()

		rows, qerr := tx.Query(ctx, reserveNextUpdateSQL, typeNames, currentTime, currentTime)
		if qerr != nil {
			return fmt.Errorf("reserve job: %w", qerr)
		}
		defer rows.Close()

		j, cerr := collectJobFromRows(rows)
		if errors.Is(cerr, pgx.ErrNoRows) {
			return model.ErrNoJobsAvailable
		}
		if cerr != nil {
			return fmt.Errorf("reserve job: %w", cerr)
		}
		job = j
		return nil
	})
	if err != nil {
		if errors.Is(err, model.ErrNoJobsAvailable) {
			return nil, model.ErrNoJobsAvailable
		}
		return nil, err
	}
	return job, nil
}

// ReserveByID claims a specific queued job, moving it to processing.
func (r *JobRepo) ReserveByID(ctx context.Context, id string) (*model.Job, error) {
	currentTime := r.timeProvider.Now().UTC()

	row := r.DB.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = 'processing',
		    started_at = COALESCE(started_at, $2),
		    updated_at = $2
		WHERE id = $1 AND status = 'queued'
		RETURNING `+jobColumns,
		id, currentTime)

	job, scanErr := scanJobFromRow(row)
	if errors.Is(scanErr, sql.ErrNoRows) {
		return nil, model.ErrNoJobsAvailable
	}
	if scanErr != nil {
		return nil, fmt.Errorf("reserve job by id: %w", scanErr)
	}
	return job, nil
}

// Complete marks a processing job completed and stores its result.
func (r *JobRepo) Complete(ctx context.Context, id string, result json.RawMessage) error {
	currentTime := r.timeProvider.Now().UTC()
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}

	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'completed',
		    result = $2,
		    completed_at = $3,
		    updated_at = $3,
		    last_error = NULL,
		    error_class = NULL
		WHERE id = $1 AND status = 'processing'
	`, id, result, currentTime)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return requireOneRow(res, id)
}

// Fail records a failed attempt. Below the attempt ceiling the job is requeued
// with scheduled_at pushed out by delay; otherwise it moves to failed. The
// updated job is returned so callers can observe which way it went.
func (r *JobRepo) Fail(ctx context.Context, id string, jobErr string, errClass string, delay time.Duration) (*model.Job, error) {
	currentTime := r.timeProvider.Now().UTC()
	retryAt := currentTime.Add(delay)

	row := r.DB.QueryRowContext(ctx, `
      UPDATE jobs
      SET
        last_error = $2,
        error_class = $3,
        attempts = attempts + 1,
        status = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'queued' END,
        completed_at = CASE WHEN attempts + 1 >= max_attempts THEN $4::timestamptz ELSE NULL END,
        scheduled_at = CASE WHEN attempts + 1 >= max_attempts THEN scheduled_at
                            ELSE $5::timestamptz END,
        updated_at = $4
      WHERE id = $1 AND status = 'processing'
      RETURNING `+jobColumns,
		id, jobErr, errClass, currentTime, retryAt)

	job, scanErr := scanJobFromRow(row)
	if errors.Is(scanErr, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if scanErr != nil {
		return nil, fmt.Errorf("fail job: %w", scanErr)
	}
	return job, nil
}

// FailPermanently moves a job straight to failed regardless of attempts left.
func (r *JobRepo) FailPermanently(ctx context.Context, id string, jobErr string, errClass string) error {
	currentTime := r.timeProvider.Now().UTC()

	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'failed',
		    last_error = $2,
		    error_class = $3,
		    attempts = attempts + 1,
		    completed_at = $4,
		    updated_at = $4
		WHERE id = $1 AND status IN ('queued', 'processing')
	`, id, jobErr, errClass, currentTime)
	if err != nil {
		return fmt.Errorf("fail job permanently: %w", err)
	}
	return requireOneRow(res, id)
}

// Cancel moves a queued or processing job to cancelled.
func (r *JobRepo) Cancel(ctx context.Context, id string) error {
	currentTime := r.timeProvider.Now().UTC()

	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'cancelled',
		    completed_at = $2,
		    updated_at = $2
		WHERE id = $1 AND status IN ('queued', 'processing')
	`, id, currentTime)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}

	ra, raErr := res.RowsAffected()
	if raErr != nil {
		return fmt.Errorf("cancel rows affected: %w", raErr)
	}
	if ra > 0 {
		return nil
	}

	if _, getErr := r.GetByID(ctx, id); getErr != nil {
		return getErr
	}
	return ErrJobNotCancellable
}

// Retry requeues a failed or cancelled job with attempts reset and notifies
// the job's lane.
func (r *JobRepo) Retry(ctx context.Context, id string) (*model.Job, error) {
	var job *model.Job
	txErr := pgxutil.WithPgxTx(ctx, r.DB, func(tx pgx.Tx) error {
		currentTime := r.timeProvider.Now().UTC()
		rows, err := tx.Query(ctx, `
				UPDATE jobs
				SET status = 'queued',
				    attempts = 0,
				    last_error = NULL,
				    error_class = NULL,
				    completed_at = NULL,
				    scheduled_at = $2,
				    updated_at = $2
				WHERE id = $1 AND status IN ('failed', 'cancelled')
				RETURNING `+jobColumns,
			id, currentTime)
		if err != nil {
			return fmt.Errorf("retry job: %w", err)
		}
		j, collectErr := collectJobFromRows(rows)
		rows.Close()
		if collectErr != nil {
			return collectErr
		}

		channel := "jobs_ready_" + string(model.LaneFor(j.Type))
		if _, execErr := tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`, channel, j.ID); execErr != nil {
			return fmt.Errorf("send job notification: %w", execErr)
		}

		job = j
		return nil
	})
	if errors.Is(txErr, pgx.ErrNoRows) {
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrJobNotRetryable
	}
	if txErr != nil {
		return nil, txErr
	}
	return job, nil
}

// ListByStatus returns jobs in a status, newest first, bounded by limit.
func (r *JobRepo) ListByStatus(ctx context.Context, status model.JobStatus, limit int) ([]*model.Job, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid job status: %s", status)
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var jobs []*model.Job
	for rows.Next() {
		job, scanErr := scanJobFromRow(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan job: %w", scanErr)
		}
		jobs = append(jobs, job)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return jobs, nil
}

// Stats returns per-status job counts.
func (r *JobRepo) Stats(ctx context.Context) (*model.JobStats, error) {
	var s model.JobStats
	err := r.DB.QueryRowContext(ctx, `
  SELECT
    count(*) FILTER (WHERE status = 'queued')     AS queued,
    count(*) FILTER (WHERE status = 'processing') AS processing,
    count(*) FILTER (WHERE status = 'completed')  AS completed,
    count(*) FILTER (WHERE status = 'failed')     AS failed,
    count(*) FILTER (WHERE status = 'cancelled')  AS cancelled
  FROM jobs
  `).Scan(
		&s.Queued,
		&s.Processing,
		&s.Completed,
		&s.Failed,
		&s.Cancelled,
	)
	if err != nil {
		return nil, fmt.Errorf("get job stats: %w", err)
	}
	return &s, nil
}

// WaitForNotification blocks until a job is announced on the given lane topic.
func (r *JobRepo) WaitForNotification(ctx context.Context, topic string) error {
	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			_ = cerr
		}
	}()

	channel := "jobs_ready_" + topic
	quoted := pgx.Identifier{channel}.Sanitize()

	if _, execErr := conn.ExecContext(ctx, "LISTEN "+quoted); execErr != nil {
		return fmt.Errorf("listen %s: %w", channel, execErr)
	}
	defer func() {
		if _, execErr := conn.ExecContext(context.Background(), "UNLISTEN "+quoted); execErr != nil {
			_ = execErr
		}
	}()

	return conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return errors.New("unexpected driver connection type; expected *stdlib.Conn")
		}
		_, notifyErr := sc.Conn().WaitForNotification(ctx)
		return notifyErr
	})
}

func requireOneRow(res sql.Result, id string) error {
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if ra == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return nil
}
