package model

import (
	"fmt"
	"time"
)

// EventType identifies a workflow event. Each type has exactly one handler.
type EventType string

const (
	EventClientCreated    EventType = "client.created"
	EventClientActivated  EventType = "client.activated"
	EventPlanCompleted    EventType = "plan.completed"
	EventPlanOverdue      EventType = "plan.overdue"
	EventProgramCompleted EventType = "program.completed"
	EventPeriodTransition EventType = "period.transition"
	EventMilestoneReached EventType = "milestone.reached"
)

// Valid returns true if the event type is one of the known types.
func (t EventType) Valid() bool {
	switch t {
	case EventClientCreated, EventClientActivated, EventPlanCompleted,
		EventPlanOverdue, EventProgramCompleted, EventPeriodTransition,
		EventMilestoneReached:
		return true
	}
	return false
}

// UnmarshalText implements encoding.TextUnmarshaler for EventType.
func (t *EventType) UnmarshalText(text []byte) error {
	et := EventType(text)
	if !et.Valid() {
		return fmt.Errorf("invalid event type: %q", string(text))
	}
	*t = et
	return nil
}

// WorkflowEvent is a fire-and-forget notification that something happened.
// Handlers must be idempotent: delivery of a duplicate event changes nothing.
type WorkflowEvent struct {
	Type       EventType `json:"type"`
	ClientID   string    `json:"client_id"`
	Month      int       `json:"month,omitempty"`
	Milestone  string    `json:"milestone,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
