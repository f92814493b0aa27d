package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ScheduledTask is a recurring task registered with the scheduler. Pattern is
// a five-field cron expression; on the in-process queue path only the
// patterns in the interval approximation table are accepted.
type ScheduledTask struct {
	Name     string          `json:"name"`
	Pattern  string          `json:"pattern"`
	JobType  JobType         `json:"job_type"`
	Payload  json.RawMessage `json:"payload"`
	Priority int             `json:"priority"`
	Enabled  bool            `json:"enabled"`
}

// Validate checks the task definition. Pattern syntax is validated by the
// scheduler against the active evaluation mode.
func (t *ScheduledTask) Validate() error {
	if t.Name == "" {
		return errors.New("task name is required")
	}
	if t.Pattern == "" {
		return errors.New("task pattern is required")
	}
	if !t.JobType.Valid() {
		return fmt.Errorf("invalid job type: %q", t.JobType)
	}
	if len(t.Payload) == 0 {
		t.Payload = json.RawMessage(`{}`)
	}
	return nil
}
