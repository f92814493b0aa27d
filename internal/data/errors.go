package data

import (
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	apperrors "github.com/clientpilot/clientpilot/internal/errors"
)

// Shared sentinel errors for data-layer repositories.
var (
	// ErrJobNotFound is returned when a job is not found.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobNotCancellable is returned when the job already reached a terminal status.
	ErrJobNotCancellable = errors.New("job cannot be cancelled (already terminal)")
	// ErrJobNotRetryable is returned when retrying a job that is not failed or cancelled.
	ErrJobNotRetryable = errors.New("job cannot be retried (must be failed or cancelled)")

	// ErrBudgetNotFound is returned when no budget exists for a period.
	ErrBudgetNotFound = errors.New("budget not found")
	// ErrCacheEntryNotFound is returned when a cache key has no entry.
	ErrCacheEntryNotFound = errors.New("cache entry not found")
	// ErrClientNotFound is returned when a client is not found.
	ErrClientNotFound = errors.New("client not found")
	// ErrPlanNotFound is returned when a plan is not found.
	ErrPlanNotFound = errors.New("plan not found")
	// ErrPlanExists is returned when a plan already exists for a client month.
	ErrPlanExists = errors.New("plan already exists for this client month")
)

// mapPgError translates Postgres constraint violations into the application
// error taxonomy. Other errors pass through unchanged.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		return apperrors.Wrapf(err, apperrors.ErrCodeConflict, "unique constraint %s violated", pgErr.ConstraintName)
	case pgerrcode.ForeignKeyViolation:
		return apperrors.Wrapf(err, apperrors.ErrCodeValidation, "foreign key constraint %s violated", pgErr.ConstraintName)
	case pgerrcode.CheckViolation:
		return apperrors.Wrapf(err, apperrors.ErrCodeValidation, "check constraint %s violated", pgErr.ConstraintName)
	}
	return err
}
