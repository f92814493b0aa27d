package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clientpilot/clientpilot/internal/data"
	"github.com/clientpilot/clientpilot/internal/domain/model"
	apperrors "github.com/clientpilot/clientpilot/internal/errors"
)

type fakeProvider struct {
	calls  atomic.Int32
	result *model.GenerationResult
	err    error
}

func (p *fakeProvider) Complete(_ context.Context, _ model.GenerationRequest) (*model.GenerationResult, error) {
	p.calls.Add(1)
	if p.err != nil {
		return nil, p.err
	}
	return p.result, nil
}

func newGenerationFixture(t *testing.T, provider *fakeProvider) (*GenerationService, *data.MemoryBudgetRepo) {
	t.Helper()

	budgets := data.NewMemoryBudgetRepo(nil)
	budget, err := NewBudgetService(BudgetOptions{Budgets: budgets})
	require.NoError(t, err)
	cache, err := NewResponseCacheService(CacheOptions{Repo: data.NewMemoryGenCacheRepo(nil), StripStopwords: true})
	require.NoError(t, err)
	svc, err := NewGenerationService(GenerationOptions{Provider: provider, Cache: cache, Budget: budget})
	require.NoError(t, err)
	return svc, budgets
}

func TestGenerationService_CallsProviderAndRecordsUsage(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{result: &model.GenerationResult{Response: "month one plan", TokensUsed: 800, Cost: 0.04}}
	svc, budgets := newGenerationFixture(t, provider)

	_, err := budgets.Upsert(ctx, &model.Budget{Period: model.BudgetPeriodDaily, TokenLimit: 10000})
	require.NoError(t, err)

	result, err := svc.Generate(ctx, model.GenerationRequest{Prompt: "month one plan for c1", Model: "gpt-4o"})
	require.NoError(t, err)
	assert.False(t, result.Cached)
	assert.Equal(t, "month one plan", result.Response)

	daily, err := budgets.GetByPeriod(ctx, model.BudgetPeriodDaily)
	require.NoError(t, err)
	assert.EqualValues(t, 800, daily.TokensUsed)
	assert.InDelta(t, 0.04, daily.CostUsed, 0.0001)
}

func TestGenerationService_SecondIdenticalRequestHitsCache(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{result: &model.GenerationResult{Response: "plan", TokensUsed: 500, Cost: 0.03}}
	svc, budgets := newGenerationFixture(t, provider)

	_, err := budgets.Upsert(ctx, &model.Budget{Period: model.BudgetPeriodDaily, TokenLimit: 10000})
	require.NoError(t, err)

	req := model.GenerationRequest{Prompt: "Month two plan for c1", Model: "gpt-4o"}
	_, err = svc.Generate(ctx, req)
	require.NoError(t, err)

	// Trivially reworded: same key after normalization.
	req.Prompt = "month  two plan for C1"
	second, err := svc.Generate(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, int32(1), provider.calls.Load(), "provider is called once")

	// The hit recorded its token count at zero cost.
	daily, err := budgets.GetByPeriod(ctx, model.BudgetPeriodDaily)
	require.NoError(t, err)
	assert.EqualValues(t, 1000, daily.TokensUsed)
	assert.InDelta(t, 0.03, daily.CostUsed, 0.0001)
}

func TestGenerationService_PausedBudgetDeniesBeforeProviderCall(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{result: &model.GenerationResult{Response: "plan"}}
	svc, budgets := newGenerationFixture(t, provider)

	budget, err := budgets.Upsert(ctx, &model.Budget{Period: model.BudgetPeriodMonthly, TokenLimit: 100, AutoPauseAtLimit: true})
	require.NoError(t, err)
	_, err = budgets.AddUsage(ctx, budget.ID, 100, 0, true)
	require.NoError(t, err)

	_, err = svc.Generate(ctx, model.GenerationRequest{Prompt: "plan", Model: "gpt-4o"})
	require.Error(t, err)
	assert.True(t, apperrors.IsBudgetExceeded(err))
	assert.True(t, apperrors.Permanent(err), "budget denials are never retried")
	assert.Zero(t, provider.calls.Load())
}

func TestGenerationService_ProviderErrorIsRetryable(t *testing.T) {
	provider := &fakeProvider{err: errors.New("upstream 503")}
	svc, _ := newGenerationFixture(t, provider)

	_, err := svc.Generate(context.Background(), model.GenerationRequest{Prompt: "plan", Model: "gpt-4o"})
	require.Error(t, err)
	assert.False(t, apperrors.Permanent(err))
}

func TestGenerationService_ProviderRejectionIsPermanent(t *testing.T) {
	provider := &fakeProvider{err: apperrors.Validationf("completion request rejected: status 400")}
	svc, _ := newGenerationFixture(t, provider)

	_, err := svc.Generate(context.Background(), model.GenerationRequest{Prompt: "plan", Model: "gpt-4o"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.GetCode(err))
	assert.True(t, apperrors.Permanent(err), "a request the provider rejected stays rejected")
}

func TestGenerationService_InvalidRequestIsPermanent(t *testing.T) {
	svc, _ := newGenerationFixture(t, &fakeProvider{})

	_, err := svc.Generate(context.Background(), model.GenerationRequest{Model: "gpt-4o"})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
	assert.True(t, apperrors.Permanent(err))
}
