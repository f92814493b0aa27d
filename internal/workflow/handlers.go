package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clientpilot/clientpilot/internal/core"
	"github.com/clientpilot/clientpilot/internal/domain/model"
)

// NextPlanDelay spaces the next month's generation a beat after the previous
// plan completes.
const NextPlanDelay = 30 * time.Second

// Notification kinds produced by the workflow.
const (
	KindWelcome         = "welcome"
	KindProgress        = "progress"
	KindPlanReminder    = "plan_reminder"
	KindJourneyComplete = "journey_complete"
	KindMilestone       = "milestone"
)

// BudgetResetter rolls a budget period over. Implemented by the budget
// service.
type BudgetResetter interface {
	Reset(ctx context.Context, period model.BudgetPeriod) (*model.Budget, error)
}

// HandlersOptions configure the workflow handler set.
type HandlersOptions struct {
	Queue      core.Queue
	Clients    core.ClientRepository
	Plans      core.PlanRepository
	Activities core.ActivityRepository
	Budget     BudgetResetter
	Logger     *slog.Logger
}

// Handlers implements every workflow event handler. Map hands them to
// NewEngine.
type Handlers struct {
	queue      core.Queue
	clients    core.ClientRepository
	plans      core.PlanRepository
	activities core.ActivityRepository
	budget     BudgetResetter
	logger     *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(opts HandlersOptions) (*Handlers, error) {
	if opts.Queue == nil {
		return nil, errors.New("queue is required")
	}
	if opts.Clients == nil || opts.Plans == nil || opts.Activities == nil {
		return nil, errors.New("client, plan, and activity repositories are required")
	}
	if opts.Budget == nil {
		return nil, errors.New("budget resetter is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Handlers{
		queue:      opts.Queue,
		clients:    opts.Clients,
		plans:      opts.Plans,
		activities: opts.Activities,
		budget:     opts.Budget,
		logger:     logger.With("component", "workflow_handlers"),
	}, nil
}

// Map returns the complete event-type-to-handler mapping.
func (h *Handlers) Map() map[model.EventType]HandlerFunc {
	return map[model.EventType]HandlerFunc{
		model.EventClientCreated:    h.ClientCreated,
		model.EventClientActivated:  h.ClientActivated,
		model.EventPlanCompleted:    h.PlanCompleted,
		model.EventPlanOverdue:      h.PlanOverdue,
		model.EventProgramCompleted: h.ProgramCompleted,
		model.EventPeriodTransition: h.PeriodTransition,
		model.EventMilestoneReached: h.MilestoneReached,
	}
}

// ClientCreated welcomes a new client and records the signup.
func (h *Handlers) ClientCreated(ctx context.Context, event model.WorkflowEvent) error {
	if err := h.notify(ctx, KindWelcome, event.ClientID, 0, "welcome to the program"); err != nil {
		return err
	}
	return h.activities.Record(ctx, &model.Activity{
		ClientID: event.ClientID,
		Kind:     "client_created",
		Detail:   "client joined",
	})
}

// ClientActivated starts the program: the client goes active and month one's
// plan is generated, unless it already exists.
func (h *Handlers) ClientActivated(ctx context.Context, event model.WorkflowEvent) error {
	if err := h.clients.UpdateStatus(ctx, event.ClientID, model.ClientStatusActive); err != nil {
		return fmt.Errorf("activate client %s: %w", event.ClientID, err)
	}

	exists, err := h.plans.ExistsForMonth(ctx, event.ClientID, 1)
	if err != nil {
		return fmt.Errorf("check month 1 plan for %s: %w", event.ClientID, err)
	}
	if exists {
		return nil
	}

	if err := h.enqueueGeneration(ctx, event.ClientID, 1, 0); err != nil {
		return err
	}
	return h.activities.Record(ctx, &model.Activity{
		ClientID: event.ClientID,
		Kind:     "program_started",
		Detail:   "month 1 plan generation queued",
	})
}

// PlanCompleted drives the month-to-month chain: below the final month the
// next generation is queued after a short delay; the final month closes out
// the program. A duplicate event finds the next plan already present and
// changes nothing.
func (h *Handlers) PlanCompleted(ctx context.Context, event model.WorkflowEvent) error {
	client, err := h.clients.GetByID(ctx, event.ClientID)
	if err != nil {
		return fmt.Errorf("load client %s: %w", event.ClientID, err)
	}

	if event.Month >= client.ProgramMonths {
		if client.Status == model.ClientStatusCompleted {
			return nil
		}
		if err := h.clients.UpdateStatus(ctx, client.ID, model.ClientStatusCompleted); err != nil {
			return fmt.Errorf("complete client %s: %w", client.ID, err)
		}
		if err := h.notify(ctx, KindJourneyComplete, client.ID, event.Month, "program complete, congratulations"); err != nil {
			return err
		}
		return h.activities.Record(ctx, &model.Activity{
			ClientID: client.ID,
			Kind:     "milestone",
			Detail:   fmt.Sprintf("program completed after month %d", event.Month),
		})
	}

	next := event.Month + 1
	exists, err := h.plans.ExistsForMonth(ctx, client.ID, next)
	if err != nil {
		return fmt.Errorf("check month %d plan for %s: %w", next, client.ID, err)
	}
	if exists {
		h.logger.InfoContext(ctx, "next plan already exists, nothing to chain",
			"client_id", client.ID,
			"month", next,
		)
		return nil
	}

	if err := h.enqueueGeneration(ctx, client.ID, next, NextPlanDelay); err != nil {
		return err
	}
	return h.notify(ctx, KindProgress, client.ID, event.Month,
		fmt.Sprintf("month %d of %d complete", event.Month, client.ProgramMonths))
}

// PlanOverdue nudges the client and records the slip.
func (h *Handlers) PlanOverdue(ctx context.Context, event model.WorkflowEvent) error {
	if err := h.notify(ctx, KindPlanReminder, event.ClientID, event.Month,
		fmt.Sprintf("month %d plan is overdue", event.Month)); err != nil {
		return err
	}
	return h.activities.Record(ctx, &model.Activity{
		ClientID: event.ClientID,
		Kind:     "plan_overdue",
		Detail:   fmt.Sprintf("month %d", event.Month),
	})
}

// ProgramCompleted closes out a program announced from outside the plan chain.
func (h *Handlers) ProgramCompleted(ctx context.Context, event model.WorkflowEvent) error {
	client, err := h.clients.GetByID(ctx, event.ClientID)
	if err != nil {
		return fmt.Errorf("load client %s: %w", event.ClientID, err)
	}
	if client.Status == model.ClientStatusCompleted {
		return nil
	}

	if err := h.clients.UpdateStatus(ctx, client.ID, model.ClientStatusCompleted); err != nil {
		return fmt.Errorf("complete client %s: %w", client.ID, err)
	}
	if err := h.notify(ctx, KindJourneyComplete, client.ID, event.Month, "program complete, congratulations"); err != nil {
		return err
	}
	return h.activities.Record(ctx, &model.Activity{
		ClientID: client.ID,
		Kind:     "program_completed",
		Detail:   "program closed",
	})
}

// PeriodTransition rolls the named budget period over. The event's Milestone
// field carries the period name.
func (h *Handlers) PeriodTransition(ctx context.Context, event model.WorkflowEvent) error {
	period := model.BudgetPeriod(event.Milestone)
	if !period.Valid() {
		return fmt.Errorf("period transition with invalid period %q", event.Milestone)
	}
	if _, err := h.budget.Reset(ctx, period); err != nil {
		return fmt.Errorf("reset %s budget: %w", period, err)
	}
	return nil
}

// MilestoneReached records and announces a named milestone.
func (h *Handlers) MilestoneReached(ctx context.Context, event model.WorkflowEvent) error {
	if err := h.notify(ctx, KindMilestone, event.ClientID, event.Month, event.Milestone); err != nil {
		return err
	}
	return h.activities.Record(ctx, &model.Activity{
		ClientID: event.ClientID,
		Kind:     "milestone",
		Detail:   event.Milestone,
	})
}

func (h *Handlers) enqueueGeneration(ctx context.Context, clientID string, month int, delay time.Duration) error {
	payload, err := json.Marshal(model.GenerationJobPayload{ClientID: clientID, Month: month})
	if err != nil {
		return fmt.Errorf("marshal generation payload: %w", err)
	}
	if _, err := h.queue.Enqueue(ctx, model.JobTypeGeneration, payload, core.EnqueueOptions{Delay: delay}); err != nil {
		return fmt.Errorf("enqueue month %d generation for %s: %w", month, clientID, err)
	}
	return nil
}

func (h *Handlers) notify(ctx context.Context, kind, clientID string, month int, message string) error {
	payload, err := json.Marshal(model.NotificationJobPayload{
		Kind:     kind,
		ClientID: clientID,
		Month:    month,
		Message:  message,
	})
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}
	if _, err := h.queue.Enqueue(ctx, model.JobTypeNotification, payload, core.EnqueueOptions{}); err != nil {
		return fmt.Errorf("enqueue %s notification for %s: %w", kind, clientID, err)
	}
	return nil
}
