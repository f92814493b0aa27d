package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/clientpilot/clientpilot/internal/domain/model"
)

// PlanRepo provides database operations for generated plan artifacts.
type PlanRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewPlanRepo creates a new PlanRepo.
func NewPlanRepo(db *sql.DB, cfg RepoConfig) *PlanRepo {
	return &PlanRepo{
		DB:           db,
		timeProvider: cfg.timeProvider(),
		logger:       cfg.Logger,
	}
}

const planColumns = `
  id,
  client_id,
  month,
  content,
  model,
  created_at
`

func scanPlan(scanner interface{ Scan(...any) error }) (*model.Plan, error) {
	var p model.Plan
	if err := scanner.Scan(
		&p.ID,
		&p.ClientID,
		&p.Month,
		&p.Content,
		&p.Model,
		&p.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &p, nil
}

// Create inserts a plan. The (client_id, month) unique constraint makes plan
// creation idempotent; a duplicate maps to a conflict error.
func (r *PlanRepo) Create(ctx context.Context, plan *model.Plan) (*model.Plan, error) {
	if plan == nil {
		return nil, errors.New("plan is required")
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO plans (client_id, month, content, model)
		VALUES ($1, $2, $3, $4)
		RETURNING `+planColumns,
		plan.ClientID, plan.Month, plan.Content, plan.Model)

	p, err := scanPlan(row)
	if err != nil {
		return nil, mapPgError(fmt.Errorf("create plan: %w", err))
	}
	return p, nil
}

// GetByClientMonth fetches the plan for one client month.
func (r *PlanRepo) GetByClientMonth(ctx context.Context, clientID string, month int) (*model.Plan, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT `+planColumns+`
		FROM plans
		WHERE client_id = $1 AND month = $2
	`, clientID, month)

	p, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	return p, nil
}

// ExistsForMonth reports whether a plan already exists for the client month.
func (r *PlanRepo) ExistsForMonth(ctx context.Context, clientID string, month int) (bool, error) {
	var exists bool
	err := r.DB.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM plans WHERE client_id = $1 AND month = $2)
	`, clientID, month).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check plan exists: %w", err)
	}
	return exists, nil
}

// ListByClient returns all plans for a client in month order.
func (r *PlanRepo) ListByClient(ctx context.Context, clientID string) ([]*model.Plan, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+planColumns+`
		FROM plans
		WHERE client_id = $1
		ORDER BY month
	`, clientID)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var plans []*model.Plan
	for rows.Next() {
		p, scanErr := scanPlan(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan plan: %w", scanErr)
		}
		plans = append(plans, p)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return plans, nil
}
