package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/clientpilot/clientpilot/internal/domain/model"
)

// ActivityRepo records notable client events, append-only.
type ActivityRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewActivityRepo creates a new ActivityRepo.
func NewActivityRepo(db *sql.DB, cfg RepoConfig) *ActivityRepo {
	return &ActivityRepo{
		DB:           db,
		timeProvider: cfg.timeProvider(),
		logger:       cfg.Logger,
	}
}

// Record appends an activity.
func (r *ActivityRepo) Record(ctx context.Context, activity *model.Activity) error {
	if activity == nil {
		return errors.New("activity is required")
	}
	if activity.ClientID == "" || activity.Kind == "" {
		return errors.New("activity client_id and kind are required")
	}

	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO activities (client_id, kind, detail)
		VALUES ($1, $2, $3)
	`, activity.ClientID, activity.Kind, activity.Detail)
	if err != nil {
		return mapPgError(fmt.Errorf("record activity: %w", err))
	}
	return nil
}

// ListByClient returns recent activities for a client, newest first.
func (r *ActivityRepo) ListByClient(ctx context.Context, clientID string, limit int) ([]*model.Activity, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, client_id, kind, detail, created_at
		FROM activities
		WHERE client_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var activities []*model.Activity
	for rows.Next() {
		var a model.Activity
		if scanErr := rows.Scan(&a.ID, &a.ClientID, &a.Kind, &a.Detail, &a.CreatedAt); scanErr != nil {
			return nil, fmt.Errorf("scan activity: %w", scanErr)
		}
		activities = append(activities, &a)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return activities, nil
}
