package bootstrap

import (
	"context"
	"testing"

	env "github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clientpilot/clientpilot/config"
	"github.com/clientpilot/clientpilot/internal/domain/model"
)

func testConfig(t *testing.T) *config.AppConfig {
	t.Helper()
	var cfg config.AppConfig
	require.NoError(t, env.Parse(&cfg))
	cfg.Sanitize()
	return &cfg
}

func TestNewServices_InMemoryWiring(t *testing.T) {
	cfg := testConfig(t)

	services, err := NewServices(&ServiceDeps{Config: cfg})
	require.NoError(t, err)

	require.NotNil(t, services.Queue)
	require.NotNil(t, services.QueueRunner)

	// Every job type the scheduler or workflow can produce has a handler.
	for _, jobType := range []model.JobType{
		model.JobTypeGeneration, model.JobTypeNotification, model.JobTypeRender,
		model.JobTypeBackup, model.JobTypeRetentionSweep, model.JobTypeCacheSweep,
		model.JobTypeReminderSweep,
	} {
		assert.True(t, services.Dispatcher.Handles(jobType), jobType)
	}

	// Default maintenance tasks are registered.
	assert.NotEmpty(t, services.Scheduler.ListTasks())
}

func TestNewServices_RequiresConfig(t *testing.T) {
	_, err := NewServices(nil)
	require.Error(t, err)

	_, err = NewServices(&ServiceDeps{})
	require.Error(t, err)
}

func TestSeedBudgets_OnlyFillsMissingPeriods(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Budget = config.BudgetConfig{
		DailyTokenLimit:  1000,
		MonthlyCostLimit: 50,
		AutoPause:        true,
	}

	services, err := NewServices(&ServiceDeps{Config: cfg})
	require.NoError(t, err)

	// An operator-configured daily budget must survive seeding.
	_, err = services.Budget.Configure(ctx, &model.Budget{
		Period:     model.BudgetPeriodDaily,
		TokenLimit: 42,
		Active:     true,
	})
	require.NoError(t, err)

	require.NoError(t, SeedBudgets(ctx, services, cfg.Budget))

	daily, err := services.BudgetRepo.GetByPeriod(ctx, model.BudgetPeriodDaily)
	require.NoError(t, err)
	assert.EqualValues(t, 42, daily.TokenLimit, "existing budget left alone")

	monthly, err := services.BudgetRepo.GetByPeriod(ctx, model.BudgetPeriodMonthly)
	require.NoError(t, err)
	assert.InDelta(t, 50, monthly.CostLimit, 0.001)
	assert.True(t, monthly.AutoPauseAtLimit)

	// Weekly has no limits configured and stays absent.
	_, err = services.BudgetRepo.GetByPeriod(ctx, model.BudgetPeriodWeekly)
	require.Error(t, err)

	// Seeding twice changes nothing.
	require.NoError(t, SeedBudgets(ctx, services, cfg.Budget))
}
