// Package handlers implements the job handlers behind every queue job type.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/clientpilot/clientpilot/internal/core"
	"github.com/clientpilot/clientpilot/internal/data"
	"github.com/clientpilot/clientpilot/internal/domain/model"
	apperrors "github.com/clientpilot/clientpilot/internal/errors"
	"github.com/clientpilot/clientpilot/internal/queue"
	"github.com/clientpilot/clientpilot/internal/service"
)

// Publisher submits workflow events. Implemented by the workflow engine.
type Publisher interface {
	Publish(ctx context.Context, event model.WorkflowEvent) error
}

// Options configure the handler set.
type Options struct {
	Generation *service.GenerationService
	Cache      *service.ResponseCacheService
	Reaper     *service.Reaper
	Clients    core.ClientRepository
	Plans      core.PlanRepository
	Sender     core.NotificationSender
	Events     Publisher
	Logger     *slog.Logger

	// Model, Temperature, and MaxTokens parameterize plan generation.
	// Zero values take the service defaults.
	Model       string
	Temperature float64
	MaxTokens   int
}

// Handlers owns the job handler implementations.
type Handlers struct {
	generation *service.GenerationService
	cache      *service.ResponseCacheService
	reaper     *service.Reaper
	clients    core.ClientRepository
	plans      core.PlanRepository
	sender     core.NotificationSender
	events     Publisher
	logger     *slog.Logger

	model       string
	temperature float64
	maxTokens   int
}

// New creates the handler set.
func New(opts Options) (*Handlers, error) {
	if opts.Generation == nil || opts.Cache == nil || opts.Reaper == nil {
		return nil, errors.New("generation, cache, and reaper services are required")
	}
	if opts.Clients == nil || opts.Plans == nil {
		return nil, errors.New("client and plan repositories are required")
	}
	if opts.Sender == nil {
		return nil, errors.New("notification sender is required")
	}
	if opts.Events == nil {
		return nil, errors.New("event publisher is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Model == "" {
		opts.Model = "gpt-4o"
	}
	if opts.Temperature <= 0 {
		opts.Temperature = 0.7
	}
	if opts.MaxTokens < 1 {
		opts.MaxTokens = 2048
	}

	return &Handlers{
		generation: opts.Generation,
		cache:      opts.Cache,
		reaper:     opts.Reaper,
		clients:    opts.Clients,
		plans:      opts.Plans,
		sender:     opts.Sender,
		events:     opts.Events,
		logger:     logger.With("component", "handlers"),

		model:       opts.Model,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
	}, nil
}

// RegisterAll wires every job type onto the dispatcher.
func (h *Handlers) RegisterAll(d *queue.Dispatcher) error {
	for jobType, fn := range map[model.JobType]queue.HandlerFunc{
		model.JobTypeGeneration:     h.Generation,
		model.JobTypeNotification:   h.Notification,
		model.JobTypeRender:         h.Render,
		model.JobTypeBackup:         h.Backup,
		model.JobTypeRetentionSweep: h.RetentionSweep,
		model.JobTypeCacheSweep:     h.CacheSweep,
		model.JobTypeReminderSweep:  h.ReminderSweep,
	} {
		if err := d.Register(jobType, fn); err != nil {
			return fmt.Errorf("register %s handler: %w", jobType, err)
		}
	}
	return nil
}

// generationResult is the stored result of a generation job.
type generationResult struct {
	PlanID     string `json:"plan_id"`
	Month      int    `json:"month"`
	TokensUsed int64  `json:"tokens_used"`
	Cached     bool   `json:"cached"`
}

// Generation produces the plan for one client month and publishes
// plan.completed. A month whose plan already exists completes without a
// provider call, so redelivered jobs stay idempotent.
func (h *Handlers) Generation(ctx context.Context, job *model.Job) (json.RawMessage, error) {
	var payload model.GenerationJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "malformed generation payload")
	}
	if payload.ClientID == "" || payload.Month < 1 {
		return nil, apperrors.Validation("generation payload needs client_id and month >= 1")
	}

	client, err := h.clients.GetByID(ctx, payload.ClientID)
	if err != nil {
		if errors.Is(err, data.ErrClientNotFound) {
			return nil, apperrors.Validationf("client %s does not exist", payload.ClientID)
		}
		return nil, fmt.Errorf("load client %s: %w", payload.ClientID, err)
	}

	if existing, getErr := h.plans.GetByClientMonth(ctx, client.ID, payload.Month); getErr == nil {
		h.logger.InfoContext(ctx, "plan already exists, skipping generation",
			"client_id", client.ID,
			"month", payload.Month,
		)
		return json.Marshal(generationResult{PlanID: existing.ID, Month: existing.Month, Cached: true})
	}

	result, err := h.generation.Generate(ctx, model.GenerationRequest{
		Prompt:       planPrompt(client, payload.Month),
		SystemPrompt: "You are a coaching assistant writing a concrete monthly plan.",
		Model:        h.model,
		Temperature:  h.temperature,
		MaxTokens:    h.maxTokens,
	})
	if err != nil {
		return nil, err
	}

	plan, err := h.plans.Create(ctx, &model.Plan{
		ClientID: client.ID,
		Month:    payload.Month,
		Content:  result.Response,
		Model:    h.model,
	})
	if err != nil {
		if errors.Is(err, data.ErrPlanExists) || apperrors.IsConflict(err) {
			// A concurrent worker won the race; their plan stands.
			existing, getErr := h.plans.GetByClientMonth(ctx, client.ID, payload.Month)
			if getErr != nil {
				return nil, fmt.Errorf("load winning plan: %w", getErr)
			}
			return json.Marshal(generationResult{PlanID: existing.ID, Month: existing.Month, Cached: true})
		}
		return nil, fmt.Errorf("store month %d plan for %s: %w", payload.Month, client.ID, err)
	}

	if pubErr := h.events.Publish(ctx, model.WorkflowEvent{
		Type:     model.EventPlanCompleted,
		ClientID: client.ID,
		Month:    payload.Month,
	}); pubErr != nil {
		h.logger.ErrorContext(ctx, "publish plan.completed failed",
			"client_id", client.ID,
			"month", payload.Month,
			"error", pubErr,
		)
	}

	return json.Marshal(generationResult{
		PlanID:     plan.ID,
		Month:      plan.Month,
		TokensUsed: result.TokensUsed,
		Cached:     result.Cached,
	})
}

func planPrompt(client *model.Client, month int) string {
	return fmt.Sprintf("Write the month %d of %d coaching plan for %s.", month, client.ProgramMonths, client.Name)
}

// Notification delivers one notification through the configured sender. The
// payload's kind field routes it; delivery failures are retried by the queue.
func (h *Handlers) Notification(ctx context.Context, job *model.Job) (json.RawMessage, error) {
	var head struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(job.Payload, &head); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "malformed notification payload")
	}
	if head.Kind == "" {
		return nil, apperrors.ValidationField("kind", "notification kind is required")
	}

	if err := h.sender.Send(ctx, head.Kind, job.Payload); err != nil {
		return nil, fmt.Errorf("send %s notification: %w", head.Kind, err)
	}
	return json.Marshal(map[string]string{"delivered": head.Kind})
}

// Render lays a stored plan out for delivery.
func (h *Handlers) Render(ctx context.Context, job *model.Job) (json.RawMessage, error) {
	var payload model.RenderJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "malformed render payload")
	}

	plan, err := h.plans.GetByClientMonth(ctx, payload.ClientID, payload.Month)
	if err != nil {
		if errors.Is(err, data.ErrPlanNotFound) {
			return nil, apperrors.Validationf("no plan to render for client %s month %d", payload.ClientID, payload.Month)
		}
		return nil, fmt.Errorf("load plan: %w", err)
	}

	format := payload.Format
	if format == "" {
		format = "markdown"
	}
	rendered := fmt.Sprintf("# Month %d\n\n%s\n", plan.Month, plan.Content)

	return json.Marshal(map[string]any{
		"plan_id": plan.ID,
		"format":  format,
		"bytes":   len(rendered),
	})
}
