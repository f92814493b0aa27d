package data

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"math"
	"time"

	"github.com/clientpilot/clientpilot/internal/data/pgxutil"
	"github.com/clientpilot/clientpilot/internal/domain/model"
)

// Advisory lock namespace for reaper sweeps so concurrent reapers do not
// duplicate work.
const advisoryLockReaperMajor int64 = 2001

func advisoryLockReaperMinor(step string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(step))
	hashValue := h.Sum32()
	maxInt32 := uint32(math.MaxInt32)
	if hashValue > maxInt32 {
		hashValue &= maxInt32
	}
	return int64(hashValue)
}

// FailStaleQueuedJobs fails queued jobs whose scheduled_at is older than the
// threshold, in bounded batches. Returns the number of jobs moved.
func (r *JobRepo) FailStaleQueuedJobs(ctx context.Context, olderThan time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 500
	}

	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, func(tx *sql.Tx) error {
		var locked bool
		minorKey := advisoryLockReaperMinor("fail_stale_queued")
		if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1::integer, $2::integer)", advisoryLockReaperMajor, minorKey).Scan(&locked); err != nil {
			return fmt.Errorf("acquire advisory lock: %w", err)
		}
		if !locked {
			rowsAffected = 0
			return nil
		}

		currentTime := r.timeProvider.Now().UTC()
		res, err := tx.ExecContext(ctx, `
          UPDATE jobs
          SET status = 'failed',
              last_error = 'stale: never picked up',
              error_class = 'stale',
              completed_at = $1,
              updated_at = $1
          WHERE id IN (
            SELECT id FROM jobs
            WHERE status = 'queued' AND scheduled_at < $2
            ORDER BY scheduled_at ASC
            LIMIT $3
            FOR UPDATE SKIP LOCKED
          )
        `, currentTime, olderThan.UTC(), limit)
		if err != nil {
			return fmt.Errorf("fail stale queued jobs: %w", err)
		}
		ra, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		rowsAffected = ra
		return nil
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}

// DeleteOldJobs removes terminal jobs past their retention window, in bounded
// batches. Returns the number of rows removed.
func (r *JobRepo) DeleteOldJobs(ctx context.Context, statuses []model.JobStatus, olderThan time.Time, limit int) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	if limit <= 0 {
		limit = 500
	}

	statusNames := make([]string, len(statuses))
	for i, s := range statuses {
		if !s.Terminal() {
			return 0, fmt.Errorf("status %q is not terminal", s)
		}
		statusNames[i] = string(s)
	}

	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, func(tx *sql.Tx) error {
		var locked bool
		minorKey := advisoryLockReaperMinor("delete_old")
		if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1::integer, $2::integer)", advisoryLockReaperMajor, minorKey).Scan(&locked); err != nil {
			return fmt.Errorf("acquire advisory lock: %w", err)
		}
		if !locked {
			rowsAffected = 0
			return nil
		}

		res, err := tx.ExecContext(ctx, `
          DELETE FROM jobs
          WHERE id IN (
            SELECT id FROM jobs
            WHERE status = ANY($1) AND completed_at < $2
            ORDER BY completed_at ASC
            LIMIT $3
            FOR UPDATE SKIP LOCKED
          )
        `, statusNames, olderThan.UTC(), limit)
		if err != nil {
			return fmt.Errorf("delete old jobs: %w", err)
		}
		ra, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		rowsAffected = ra
		return nil
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}
