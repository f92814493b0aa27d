package model

import (
	"fmt"
	"time"
)

// ClientStatus tracks where a client is in the program lifecycle.
type ClientStatus string

const (
	ClientStatusCreated   ClientStatus = "created"
	ClientStatusActive    ClientStatus = "active"
	ClientStatusCompleted ClientStatus = "completed"
)

// Client is a program participant. Plans are generated one per program month.
type Client struct {
	ID            string       `json:"id" db:"id"`
	Name          string       `json:"name" db:"name"`
	Email         string       `json:"email" db:"email"`
	Status        ClientStatus `json:"status" db:"status"`
	ProgramMonths int          `json:"program_months" db:"program_months"`
	StartedAt     *time.Time   `json:"started_at,omitempty" db:"started_at"`
	CreatedAt     time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at" db:"updated_at"`
}

// Plan is the generated artifact for one client month.
type Plan struct {
	ID        string    `json:"id" db:"id"`
	ClientID  string    `json:"client_id" db:"client_id"`
	Month     int       `json:"month" db:"month"`
	Content   string    `json:"content" db:"content"`
	Model     string    `json:"model" db:"model"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Validate checks plan fields before persistence.
func (p *Plan) Validate() error {
	if p.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if p.Month < 1 {
		return fmt.Errorf("month must be >= 1, got %d", p.Month)
	}
	return nil
}

// Activity is an append-only audit record of notable client events.
type Activity struct {
	ID        string    `json:"id" db:"id"`
	ClientID  string    `json:"client_id" db:"client_id"`
	Kind      string    `json:"kind" db:"kind"`
	Detail    string    `json:"detail" db:"detail"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
