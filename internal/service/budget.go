// Package service holds the clientpilot application services: budget
// enforcement, the response cache, generation, scheduling, and cleanup.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clientpilot/clientpilot/internal/core"
	"github.com/clientpilot/clientpilot/internal/data"
	"github.com/clientpilot/clientpilot/internal/domain/model"
	apperrors "github.com/clientpilot/clientpilot/internal/errors"
	"github.com/clientpilot/clientpilot/internal/observability/metrics"
	"github.com/clientpilot/clientpilot/internal/observability/statsd"
)

// BudgetOptions configure a BudgetService.
type BudgetOptions struct {
	Budgets core.BudgetRepository
	// Queue receives alert notification jobs. Optional; without one,
	// threshold crossings are only logged and counted.
	Queue        core.Queue
	Logger       *slog.Logger
	Sink         statsd.Sink
	TimeProvider data.TimeProvider
}

// BudgetService enforces token and cost budgets on generation. It admits or
// denies work before a provider call and accounts usage afterwards, firing at
// most one alert per update, the highest threshold crossed.
type BudgetService struct {
	budgets      core.BudgetRepository
	queue        core.Queue
	logger       *slog.Logger
	sink         statsd.Sink
	timeProvider data.TimeProvider
}

// NewBudgetService creates a BudgetService.
func NewBudgetService(opts BudgetOptions) (*BudgetService, error) {
	if opts.Budgets == nil {
		return nil, errors.New("budget repository is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tp := opts.TimeProvider
	if tp == nil {
		tp = data.RealTimeProvider{}
	}

	return &BudgetService{
		budgets:      opts.Budgets,
		queue:        opts.Queue,
		logger:       logger.With("component", "budget"),
		sink:         opts.Sink,
		timeProvider: tp,
	}, nil
}

// CheckAdmission returns a budget_exceeded error when any active budget is
// paused. Infrastructure errors fail open: generation continues and the
// failure is logged, so a flaky budget store never stops the pipeline.
func (s *BudgetService) CheckAdmission(ctx context.Context) error {
	budgets, err := s.budgets.ListActive(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "budget admission check failed, failing open", "error", err)
		return nil
	}

	for _, b := range budgets {
		if b.IsPaused {
			return apperrors.BudgetExceededf("%s budget is paused at %.1f%% consumption", b.Period, b.UsedPercent())
		}
	}
	return nil
}

// RecordUsage adds tokens and cost to every active budget. Each budget that
// crosses an alert threshold gets one notification job for the highest
// threshold crossed by this update. Crossing detection compares the before
// and after values returned by the atomic increment itself, never a listing
// snapshot, so concurrent updates cannot fire the same threshold twice.
func (s *BudgetService) RecordUsage(ctx context.Context, tokens int64, cost float64) error {
	if tokens <= 0 && cost <= 0 {
		return nil
	}

	budgets, err := s.budgets.ListActive(ctx)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "list active budgets")
	}

	var firstErr error
	for _, b := range budgets {
		usage, usageErr := s.budgets.AddUsage(ctx, b.ID, tokens, cost, b.AutoPauseAtLimit)
		if usageErr != nil {
			s.logger.ErrorContext(ctx, "budget usage update failed",
				"period", b.Period,
				"error", usageErr,
			)
			if firstErr == nil {
				firstErr = usageErr
			}
			continue
		}

		updated := &usage.After
		if updated.IsPaused && !usage.Before.IsPaused {
			s.logger.WarnContext(ctx, "budget limit reached, generation paused",
				"period", updated.Period,
				"tokens_used", updated.TokensUsed,
				"cost_used", updated.CostUsed,
			)
		}

		if threshold := model.CrossedThreshold(usage.Before.UsedPercent(), updated.UsedPercent()); threshold > 0 {
			s.alert(ctx, updated, threshold)
		}
	}
	return firstErr
}

// budgetAlertPayload is the notification job payload for a threshold crossing.
type budgetAlertPayload struct {
	Kind        string  `json:"kind"`
	Period      string  `json:"period"`
	Threshold   int     `json:"threshold"`
	UsedPercent float64 `json:"used_percent"`
	TokensUsed  int64   `json:"tokens_used"`
	CostUsed    float64 `json:"cost_used"`
	Paused      bool    `json:"paused"`
}

func (s *BudgetService) alert(ctx context.Context, b *model.Budget, threshold int) {
	metrics.EmitBudgetAlert(s.sink, string(b.Period), threshold)
	s.logger.WarnContext(ctx, "budget alert threshold crossed",
		"period", b.Period,
		"threshold", threshold,
		"used_percent", fmt.Sprintf("%.1f", b.UsedPercent()),
	)

	if s.queue == nil {
		return
	}

	payload, err := json.Marshal(budgetAlertPayload{
		Kind:        "budget_alert",
		Period:      string(b.Period),
		Threshold:   threshold,
		UsedPercent: b.UsedPercent(),
		TokensUsed:  b.TokensUsed,
		CostUsed:    b.CostUsed,
		Paused:      b.IsPaused,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "marshal budget alert payload failed", "error", err)
		return
	}
	if _, err := s.queue.Enqueue(ctx, model.JobTypeNotification, payload, core.EnqueueOptions{}); err != nil {
		s.logger.ErrorContext(ctx, "enqueue budget alert notification failed",
			"period", b.Period,
			"threshold", threshold,
			"error", err,
		)
	}
}

// Configure inserts or replaces the budget for a period.
func (s *BudgetService) Configure(ctx context.Context, budget *model.Budget) (*model.Budget, error) {
	if !budget.Period.Valid() {
		return nil, apperrors.ValidationField("period", fmt.Sprintf("invalid budget period: %q", budget.Period))
	}
	if budget.TokenLimit < 0 || budget.CostLimit < 0 {
		return nil, apperrors.Validation("budget limits must not be negative")
	}
	if budget.PeriodStart.IsZero() {
		budget.PeriodStart = PeriodStart(budget.Period, s.timeProvider.Now())
	}
	return s.budgets.Upsert(ctx, budget)
}

// Status returns a consumption snapshot for every active budget.
func (s *BudgetService) Status(ctx context.Context) ([]*model.BudgetStatus, error) {
	budgets, err := s.budgets.ListActive(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "list active budgets")
	}

	out := make([]*model.BudgetStatus, 0, len(budgets))
	for _, b := range budgets {
		out = append(out, &model.BudgetStatus{Budget: *b, UsedPercent: b.UsedPercent()})
	}
	return out, nil
}

// Reset zeroes usage and unpauses the budget for a period, starting a fresh
// window at the period boundary containing now.
func (s *BudgetService) Reset(ctx context.Context, period model.BudgetPeriod) (*model.Budget, error) {
	if !period.Valid() {
		return nil, apperrors.ValidationField("period", fmt.Sprintf("invalid budget period: %q", period))
	}
	return s.budgets.ResetPeriod(ctx, period, PeriodStart(period, s.timeProvider.Now()))
}

// SetPaused manually pauses or resumes a budget.
func (s *BudgetService) SetPaused(ctx context.Context, id string, paused bool) error {
	return s.budgets.SetPaused(ctx, id, paused)
}

// PeriodStart returns the UTC boundary of the period window containing t:
// midnight for daily, Monday midnight for weekly, the first of the month for
// monthly.
func PeriodStart(period model.BudgetPeriod, t time.Time) time.Time {
	t = t.UTC()
	switch period {
	case model.BudgetPeriodWeekly:
		day := t.Truncate(24 * time.Hour)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case model.BudgetPeriodMonthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return t.Truncate(24 * time.Hour)
	}
}
