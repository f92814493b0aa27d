package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clientpilot/clientpilot/internal/domain/model"
)

// BudgetRepo provides database operations for generation budgets.
type BudgetRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewBudgetRepo creates a new BudgetRepo.
func NewBudgetRepo(db *sql.DB, cfg RepoConfig) *BudgetRepo {
	return &BudgetRepo{
		DB:           db,
		timeProvider: cfg.timeProvider(),
		logger:       cfg.Logger,
	}
}

const budgetColumns = `
  id,
  period,
  token_limit,
  cost_limit,
  tokens_used,
  cost_used,
  auto_pause_at_limit,
  is_paused,
  active,
  period_start,
  created_at,
  updated_at
`

func scanBudget(scanner interface{ Scan(...any) error }) (*model.Budget, error) {
	var b model.Budget
	if err := scanner.Scan(
		&b.ID,
		&b.Period,
		&b.TokenLimit,
		&b.CostLimit,
		&b.TokensUsed,
		&b.CostUsed,
		&b.AutoPauseAtLimit,
		&b.IsPaused,
		&b.Active,
		&b.PeriodStart,
		&b.CreatedAt,
		&b.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &b, nil
}

// Upsert creates or replaces the budget for its period. One budget per period.
func (r *BudgetRepo) Upsert(ctx context.Context, budget *model.Budget) (*model.Budget, error) {
	if budget == nil {
		return nil, errors.New("budget is required")
	}
	if !budget.Period.Valid() {
		return nil, fmt.Errorf("invalid budget period: %q", budget.Period)
	}

	currentTime := r.timeProvider.Now().UTC()
	periodStart := budget.PeriodStart
	if periodStart.IsZero() {
		periodStart = currentTime
	}

	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO budgets (period, token_limit, cost_limit, auto_pause_at_limit, active, period_start)
		VALUES ($1, $2, $3, $4, TRUE, $5)
		ON CONFLICT (period) DO UPDATE
		SET token_limit = EXCLUDED.token_limit,
		    cost_limit = EXCLUDED.cost_limit,
		    auto_pause_at_limit = EXCLUDED.auto_pause_at_limit,
		    active = TRUE,
		    updated_at = $6
		RETURNING `+budgetColumns,
		budget.Period, budget.TokenLimit, budget.CostLimit, budget.AutoPauseAtLimit, periodStart.UTC(), currentTime)

	b, err := scanBudget(row)
	if err != nil {
		return nil, mapPgError(fmt.Errorf("upsert budget: %w", err))
	}
	return b, nil
}

// GetByPeriod fetches the budget for a period.
func (r *BudgetRepo) GetByPeriod(ctx context.Context, period model.BudgetPeriod) (*model.Budget, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT `+budgetColumns+`
		FROM budgets
		WHERE period = $1
	`, period)

	b, err := scanBudget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBudgetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get budget: %w", err)
	}
	return b, nil
}

// ListActive returns all active budgets.
func (r *BudgetRepo) ListActive(ctx context.Context) ([]*model.Budget, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+budgetColumns+`
		FROM budgets
		WHERE active
		ORDER BY period
	`)
	if err != nil {
		return nil, fmt.Errorf("list active budgets: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var budgets []*model.Budget
	for rows.Next() {
		b, scanErr := scanBudget(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan budget: %w", scanErr)
		}
		budgets = append(budgets, b)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return budgets, nil
}

// AddUsage atomically increments usage on one budget and, when autoPause is
// set, pauses it in the same statement once consumption reaches 100%. The
// locking CTE returns the pre-update row, so the before/after pair reflects
// this statement alone regardless of concurrent increments.
func (r *BudgetRepo) AddUsage(ctx context.Context, id string, tokens int64, cost float64, autoPause bool) (*model.BudgetUsage, error) {
	currentTime := r.timeProvider.Now().UTC()

	row := r.DB.QueryRowContext(ctx, `
		WITH prior AS (
		  SELECT id, tokens_used, cost_used, is_paused
		  FROM budgets
		  WHERE id = $1
		  FOR UPDATE
		)
		UPDATE budgets b
		SET tokens_used = b.tokens_used + $2,
		    cost_used = b.cost_used + $3,
		    is_paused = b.is_paused OR (
		      $4 AND (
		        (b.token_limit > 0 AND b.tokens_used + $2 >= b.token_limit) OR
		        (b.cost_limit > 0 AND b.cost_used + $3 >= b.cost_limit)
		      )
		    ),
		    updated_at = $5
		FROM prior
		WHERE b.id = prior.id
		RETURNING
		  b.id,
		  b.period,
		  b.token_limit,
		  b.cost_limit,
		  b.tokens_used,
		  b.cost_used,
		  b.auto_pause_at_limit,
		  b.is_paused,
		  b.active,
		  b.period_start,
		  b.created_at,
		  b.updated_at,
		  prior.tokens_used,
		  prior.cost_used,
		  prior.is_paused`,
		id, tokens, cost, autoPause, currentTime)

	var after model.Budget
	var priorTokens int64
	var priorCost float64
	var priorPaused bool
	err := row.Scan(
		&after.ID,
		&after.Period,
		&after.TokenLimit,
		&after.CostLimit,
		&after.TokensUsed,
		&after.CostUsed,
		&after.AutoPauseAtLimit,
		&after.IsPaused,
		&after.Active,
		&after.PeriodStart,
		&after.CreatedAt,
		&after.UpdatedAt,
		&priorTokens,
		&priorCost,
		&priorPaused,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBudgetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("add budget usage: %w", err)
	}

	before := after
	before.TokensUsed = priorTokens
	before.CostUsed = priorCost
	before.IsPaused = priorPaused
	return &model.BudgetUsage{Before: before, After: after}, nil
}

// ResetPeriod clears usage and unpauses the budget for one period only.
func (r *BudgetRepo) ResetPeriod(ctx context.Context, period model.BudgetPeriod, periodStart time.Time) (*model.Budget, error) {
	currentTime := r.timeProvider.Now().UTC()

	row := r.DB.QueryRowContext(ctx, `
		UPDATE budgets
		SET tokens_used = 0,
		    cost_used = 0,
		    is_paused = FALSE,
		    period_start = $2,
		    updated_at = $3
		WHERE period = $1
		RETURNING `+budgetColumns,
		period, periodStart.UTC(), currentTime)

	b, err := scanBudget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBudgetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reset budget period: %w", err)
	}
	return b, nil
}

// SetPaused pauses or unpauses a budget by id.
func (r *BudgetRepo) SetPaused(ctx context.Context, id string, paused bool) error {
	currentTime := r.timeProvider.Now().UTC()

	res, err := r.DB.ExecContext(ctx, `
		UPDATE budgets
		SET is_paused = $2,
		    updated_at = $3
		WHERE id = $1
	`, id, paused, currentTime)
	if err != nil {
		return fmt.Errorf("set budget paused: %w", err)
	}
	ra, raErr := res.RowsAffected()
	if raErr != nil {
		return fmt.Errorf("rows affected: %w", raErr)
	}
	if ra == 0 {
		return ErrBudgetNotFound
	}
	return nil
}
