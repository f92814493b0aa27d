package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/clientpilot/clientpilot/internal/domain/model"
)

// ClientRepo provides database operations for program participants.
type ClientRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewClientRepo creates a new ClientRepo.
func NewClientRepo(db *sql.DB, cfg RepoConfig) *ClientRepo {
	return &ClientRepo{
		DB:           db,
		timeProvider: cfg.timeProvider(),
		logger:       cfg.Logger,
	}
}

const clientColumns = `
  id,
  name,
  email,
  status,
  program_months,
  started_at,
  created_at,
  updated_at
`

func scanClient(scanner interface{ Scan(...any) error }) (*model.Client, error) {
	var c model.Client
	var startedAt sql.NullTime
	if err := scanner.Scan(
		&c.ID,
		&c.Name,
		&c.Email,
		&c.Status,
		&c.ProgramMonths,
		&startedAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	c.StartedAt = cloneNullableTime(startedAt)
	return &c, nil
}

// Create inserts a new client in created status.
func (r *ClientRepo) Create(ctx context.Context, client *model.Client) (*model.Client, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	if client.Name == "" || client.Email == "" {
		return nil, errors.New("client name and email are required")
	}
	months := client.ProgramMonths
	if months <= 0 {
		months = 6
	}

	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO clients (name, email, status, program_months)
		VALUES ($1, $2, 'created', $3)
		RETURNING `+clientColumns,
		client.Name, client.Email, months)

	c, err := scanClient(row)
	if err != nil {
		return nil, mapPgError(fmt.Errorf("create client: %w", err))
	}
	return c, nil
}

// GetByID fetches a client by id.
func (r *ClientRepo) GetByID(ctx context.Context, id string) (*model.Client, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT `+clientColumns+`
		FROM clients
		WHERE id = $1
	`, id)

	c, err := scanClient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrClientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}
	return c, nil
}

// UpdateStatus moves a client to a new lifecycle status. Entering active
// stamps started_at once.
func (r *ClientRepo) UpdateStatus(ctx context.Context, id string, status model.ClientStatus) error {
	currentTime := r.timeProvider.Now().UTC()

	res, err := r.DB.ExecContext(ctx, `
		UPDATE clients
		SET status = $2,
		    started_at = CASE WHEN $2 = 'active' THEN COALESCE(started_at, $3) ELSE started_at END,
		    updated_at = $3
		WHERE id = $1
	`, id, status, currentTime)
	if err != nil {
		return fmt.Errorf("update client status: %w", err)
	}
	ra, raErr := res.RowsAffected()
	if raErr != nil {
		return fmt.Errorf("rows affected: %w", raErr)
	}
	if ra == 0 {
		return ErrClientNotFound
	}
	return nil
}

// ListByStatus returns clients in a status.
func (r *ClientRepo) ListByStatus(ctx context.Context, status model.ClientStatus) ([]*model.Client, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+clientColumns+`
		FROM clients
		WHERE status = $1
		ORDER BY created_at
	`, status)
	if err != nil {
		return nil, fmt.Errorf("list clients by status: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var clients []*model.Client
	for rows.Next() {
		c, scanErr := scanClient(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan client: %w", scanErr)
		}
		clients = append(clients, c)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return clients, nil
}
