package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/clientpilot/clientpilot/internal/domain/model"
)

// Backup snapshots a manifest of what a full export would cover. The actual
// dump runs out of band; the manifest in the job result is what operators
// check against it.
func (h *Handlers) Backup(ctx context.Context, _ *model.Job) (json.RawMessage, error) {
	manifest := map[string]any{"taken_at": time.Now().UTC()}

	totalClients, totalPlans := 0, 0
	for _, status := range []model.ClientStatus{model.ClientStatusCreated, model.ClientStatusActive, model.ClientStatusCompleted} {
		clients, err := h.clients.ListByStatus(ctx, status)
		if err != nil {
			return nil, fmt.Errorf("list %s clients: %w", status, err)
		}
		totalClients += len(clients)
		for _, c := range clients {
			plans, planErr := h.plans.ListByClient(ctx, c.ID)
			if planErr != nil {
				return nil, fmt.Errorf("list plans for %s: %w", c.ID, planErr)
			}
			totalPlans += len(plans)
		}
	}
	manifest["clients"] = totalClients
	manifest["plans"] = totalPlans

	entries, err := h.cache.Size(ctx)
	if err != nil {
		return nil, fmt.Errorf("count cache entries: %w", err)
	}
	manifest["cache_entries"] = entries

	h.logger.InfoContext(ctx, "backup manifest written",
		"clients", totalClients,
		"plans", totalPlans,
		"cache_entries", entries,
	)
	return json.Marshal(manifest)
}

// RetentionSweep runs one reaper pass: stale jobs, terminal jobs past
// retention, expired cache entries.
func (h *Handlers) RetentionSweep(ctx context.Context, _ *model.Job) (json.RawMessage, error) {
	if err := h.reaper.RunOnce(ctx); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"swept": "ok"})
}

// CacheSweep drops expired response cache entries.
func (h *Handlers) CacheSweep(ctx context.Context, _ *model.Job) (json.RawMessage, error) {
	removed, err := h.cache.SweepExpired(ctx)
	if err != nil {
		return nil, fmt.Errorf("sweep expired cache entries: %w", err)
	}
	return json.Marshal(map[string]int64{"removed": removed})
}

// ReminderSweep finds active clients whose current month has no plan yet and
// publishes plan.overdue for each. The month a client should be on follows
// from how long they have been active.
func (h *Handlers) ReminderSweep(ctx context.Context, _ *model.Job) (json.RawMessage, error) {
	clients, err := h.clients.ListByStatus(ctx, model.ClientStatusActive)
	if err != nil {
		return nil, fmt.Errorf("list active clients: %w", err)
	}

	now := time.Now().UTC()
	overdue := 0
	for _, client := range clients {
		if client.StartedAt == nil {
			continue
		}
		month := expectedMonth(*client.StartedAt, now, client.ProgramMonths)

		exists, existsErr := h.plans.ExistsForMonth(ctx, client.ID, month)
		if existsErr != nil {
			return nil, fmt.Errorf("check month %d plan for %s: %w", month, client.ID, existsErr)
		}
		if exists {
			continue
		}

		if pubErr := h.events.Publish(ctx, model.WorkflowEvent{
			Type:     model.EventPlanOverdue,
			ClientID: client.ID,
			Month:    month,
		}); pubErr != nil {
			h.logger.ErrorContext(ctx, "publish plan.overdue failed", "client_id", client.ID, "error", pubErr)
			continue
		}
		overdue++
	}

	return json.Marshal(map[string]int{"overdue": overdue})
}

// expectedMonth is the program month a client should have a plan for, 30-day
// months, capped at the program length.
func expectedMonth(startedAt, now time.Time, programMonths int) int {
	month := int(now.Sub(startedAt)/(30*24*time.Hour)) + 1
	if month > programMonths {
		month = programMonths
	}
	if month < 1 {
		month = 1
	}
	return month
}
