package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clientpilot/clientpilot/internal/data"
	"github.com/clientpilot/clientpilot/internal/domain/model"
	apperrors "github.com/clientpilot/clientpilot/internal/errors"
)

func newBudgetFixture(t *testing.T) (*BudgetService, *data.MemoryBudgetRepo, *fakeQueue) {
	t.Helper()
	repo := data.NewMemoryBudgetRepo(nil)
	queue := &fakeQueue{}
	svc, err := NewBudgetService(BudgetOptions{Budgets: repo, Queue: queue})
	require.NoError(t, err)
	return svc, repo, queue
}

func TestBudgetService_AdmissionDeniesWhenAnyBudgetPaused(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newBudgetFixture(t)

	_, err := repo.Upsert(ctx, &model.Budget{Period: model.BudgetPeriodDaily, TokenLimit: 1000})
	require.NoError(t, err)
	monthly, err := repo.Upsert(ctx, &model.Budget{Period: model.BudgetPeriodMonthly, TokenLimit: 100, AutoPauseAtLimit: true})
	require.NoError(t, err)

	require.NoError(t, svc.CheckAdmission(ctx))

	// Monthly budget hits its limit and pauses; admission flips to deny.
	_, err = repo.AddUsage(ctx, monthly.ID, 100, 0, true)
	require.NoError(t, err)

	err = svc.CheckAdmission(ctx)
	require.Error(t, err)
	assert.True(t, apperrors.IsBudgetExceeded(err))
	assert.Contains(t, err.Error(), "monthly")
}

func TestBudgetService_AdmissionFailsOpenOnRepoError(t *testing.T) {
	svc, err := NewBudgetService(BudgetOptions{Budgets: failingBudgetRepo{}})
	require.NoError(t, err)

	assert.NoError(t, svc.CheckAdmission(context.Background()))
}

func TestBudgetService_RecordUsageFiresHighestCrossedAlert(t *testing.T) {
	ctx := context.Background()
	svc, repo, queue := newBudgetFixture(t)

	_, err := repo.Upsert(ctx, &model.Budget{Period: model.BudgetPeriodDaily, TokenLimit: 100})
	require.NoError(t, err)

	// 0% -> 95% crosses 50, 75, and 90; only the 90 alert fires.
	require.NoError(t, svc.RecordUsage(ctx, 95, 0))

	jobs := queue.jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, model.JobTypeNotification, jobs[0].Type)

	var payload budgetAlertPayload
	require.NoError(t, json.Unmarshal(jobs[0].Payload, &payload))
	assert.Equal(t, "budget_alert", payload.Kind)
	assert.Equal(t, "daily", payload.Period)
	assert.Equal(t, 90, payload.Threshold)

	// Staying between thresholds is silent.
	require.NoError(t, svc.RecordUsage(ctx, 1, 0))
	assert.Len(t, queue.jobs(), 1)

	// Crossing 100 fires once more.
	require.NoError(t, svc.RecordUsage(ctx, 10, 0))
	jobs = queue.jobs()
	require.Len(t, jobs, 2)
	require.NoError(t, json.Unmarshal(jobs[1].Payload, &payload))
	assert.Equal(t, 100, payload.Threshold)
}

// staleListBudgetRepo reports zero consumption from ListActive while the
// underlying store accumulates real usage. Alerting must not trust the
// listing; only the values returned by the increment itself are exact.
type staleListBudgetRepo struct {
	*data.MemoryBudgetRepo
}

func (r staleListBudgetRepo) ListActive(ctx context.Context) ([]*model.Budget, error) {
	budgets, err := r.MemoryBudgetRepo.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	for _, b := range budgets {
		b.TokensUsed = 0
		b.CostUsed = 0
	}
	return budgets, nil
}

func TestBudgetService_AlertsComeFromTheAtomicIncrement(t *testing.T) {
	ctx := context.Background()
	repo := data.NewMemoryBudgetRepo(nil)
	queue := &fakeQueue{}
	svc, err := NewBudgetService(BudgetOptions{Budgets: staleListBudgetRepo{repo}, Queue: queue})
	require.NoError(t, err)

	_, err = repo.Upsert(ctx, &model.Budget{Period: model.BudgetPeriodDaily, TokenLimit: 100})
	require.NoError(t, err)

	// Both updates overshoot the limit. Only the first crosses 100%; the
	// second starts above it and must stay silent even though the listing
	// snapshot claims the budget is untouched.
	require.NoError(t, svc.RecordUsage(ctx, 120, 0))
	require.NoError(t, svc.RecordUsage(ctx, 120, 0))

	jobs := queue.jobs()
	require.Len(t, jobs, 1)
	var payload budgetAlertPayload
	require.NoError(t, json.Unmarshal(jobs[0].Payload, &payload))
	assert.Equal(t, 100, payload.Threshold)
}

func TestBudgetService_RecordUsageAutoPausesAtLimit(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newBudgetFixture(t)

	_, err := repo.Upsert(ctx, &model.Budget{Period: model.BudgetPeriodWeekly, CostLimit: 10, AutoPauseAtLimit: true})
	require.NoError(t, err)

	require.NoError(t, svc.RecordUsage(ctx, 500, 10.5))

	got, err := repo.GetByPeriod(ctx, model.BudgetPeriodWeekly)
	require.NoError(t, err)
	assert.True(t, got.IsPaused)
	assert.InDelta(t, 10.5, got.CostUsed, 0.001)
}

func TestBudgetService_ResetClearsUsageAndUnpauses(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newBudgetFixture(t)

	budget, err := repo.Upsert(ctx, &model.Budget{Period: model.BudgetPeriodDaily, TokenLimit: 10, AutoPauseAtLimit: true})
	require.NoError(t, err)
	_, err = repo.AddUsage(ctx, budget.ID, 10, 0, true)
	require.NoError(t, err)

	reset, err := svc.Reset(ctx, model.BudgetPeriodDaily)
	require.NoError(t, err)
	assert.False(t, reset.IsPaused)
	assert.Zero(t, reset.TokensUsed)

	require.NoError(t, svc.CheckAdmission(ctx))
}

func TestBudgetService_StatusReportsConsumption(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newBudgetFixture(t)

	budget, err := repo.Upsert(ctx, &model.Budget{Period: model.BudgetPeriodMonthly, TokenLimit: 200})
	require.NoError(t, err)
	_, err = repo.AddUsage(ctx, budget.ID, 50, 0, false)
	require.NoError(t, err)

	statuses, err := svc.Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.InDelta(t, 25.0, statuses[0].UsedPercent, 0.001)
}

func TestPeriodStart(t *testing.T) {
	// A Thursday afternoon.
	at := time.Date(2026, 8, 27, 15, 42, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC), PeriodStart(model.BudgetPeriodDaily, at))
	assert.Equal(t, time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC), PeriodStart(model.BudgetPeriodWeekly, at), "week starts Monday")
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), PeriodStart(model.BudgetPeriodMonthly, at))
}

type failingBudgetRepo struct{}

func (failingBudgetRepo) Upsert(context.Context, *model.Budget) (*model.Budget, error) {
	return nil, assertFailure
}
func (failingBudgetRepo) GetByPeriod(context.Context, model.BudgetPeriod) (*model.Budget, error) {
	return nil, assertFailure
}
func (failingBudgetRepo) ListActive(context.Context) ([]*model.Budget, error) {
	return nil, assertFailure
}
func (failingBudgetRepo) AddUsage(context.Context, string, int64, float64, bool) (*model.BudgetUsage, error) {
	return nil, assertFailure
}
func (failingBudgetRepo) ResetPeriod(context.Context, model.BudgetPeriod, time.Time) (*model.Budget, error) {
	return nil, assertFailure
}
func (failingBudgetRepo) SetPaused(context.Context, string, bool) error { return assertFailure }

var assertFailure = apperrors.Internal("budget store unavailable")
