// Package model contains the domain model types for clientpilot.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNoJobsAvailable is returned by ReserveNext when no queued job is due.
var ErrNoJobsAvailable = errors.New("no jobs available")

// JobType identifies the kind of work a job performs. Each type has exactly
// one registered handler.
type JobType string

const (
	JobTypeGeneration     JobType = "generation"
	JobTypeNotification   JobType = "notification"
	JobTypeRender         JobType = "render"
	JobTypeBackup         JobType = "backup"
	JobTypeRetentionSweep JobType = "retention_sweep"
	JobTypeCacheSweep     JobType = "cache_sweep"
	JobTypeReminderSweep  JobType = "reminder_sweep"
)

// Valid returns true if the job type is one of the known types.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeGeneration, JobTypeNotification, JobTypeRender, JobTypeBackup,
		JobTypeRetentionSweep, JobTypeCacheSweep, JobTypeReminderSweep:
		return true
	}
	return false
}

// UnmarshalText implements encoding.TextUnmarshaler for JobType.
func (t *JobType) UnmarshalText(text []byte) error {
	jt := JobType(text)
	if !jt.Valid() {
		return fmt.Errorf("invalid job type: %q", string(text))
	}
	*t = jt
	return nil
}

// JobStatus represents the lifecycle state of a job. Transitions are
// monotonic except processing -> queued, which happens only on retry.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Valid returns true if the status is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusProcessing, JobStatusCompleted,
		JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Terminal returns true if no further transitions are allowed from this status.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// UnmarshalText implements encoding.TextUnmarshaler for JobStatus.
func (s *JobStatus) UnmarshalText(text []byte) error {
	js := JobStatus(text)
	if !js.Valid() {
		return fmt.Errorf("invalid job status: %q", string(text))
	}
	*s = js
	return nil
}

// DefaultMaxAttempts is the attempt ceiling applied when a job is created
// without an explicit override.
const DefaultMaxAttempts = 3

// Job represents a unit of asynchronous work.
type Job struct {
	ID          string          `json:"id" db:"id"`
	Type        JobType         `json:"type" db:"type"`
	Status      JobStatus       `json:"status" db:"status"`
	Priority    int             `json:"priority" db:"priority"`
	Payload     json.RawMessage `json:"payload" db:"payload"`
	Result      json.RawMessage `json:"result,omitempty" db:"result"`
	Attempts    int             `json:"attempts" db:"attempts"`
	MaxAttempts int             `json:"max_attempts" db:"max_attempts"`
	LastError   *string         `json:"last_error,omitempty" db:"last_error"`
	ErrorClass  *string         `json:"error_class,omitempty" db:"error_class"`
	ScheduledAt time.Time       `json:"scheduled_at" db:"scheduled_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// CreateJobRequest carries the fields needed to enqueue a new job.
type CreateJobRequest struct {
	Type        JobType         `json:"type"`
	Priority    int             `json:"priority"`
	Payload     json.RawMessage `json:"payload"`
	MaxAttempts int             `json:"max_attempts"`
	ScheduledAt time.Time       `json:"scheduled_at"`
}

// Validate checks the request and fills defaults.
func (r *CreateJobRequest) Validate() error {
	if !r.Type.Valid() {
		return fmt.Errorf("invalid job type: %q", r.Type)
	}
	if r.MaxAttempts < 0 {
		return errors.New("max_attempts must not be negative")
	}
	if r.MaxAttempts == 0 {
		r.MaxAttempts = DefaultMaxAttempts
	}
	if len(r.Payload) == 0 {
		r.Payload = json.RawMessage(`{}`)
	}
	return nil
}

// JobStats summarizes job counts per status.
type JobStats struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// Total returns the sum over all statuses.
func (s JobStats) Total() int {
	return s.Queued + s.Processing + s.Completed + s.Failed + s.Cancelled
}
