package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/clientpilot/clientpilot/config"
	"github.com/clientpilot/clientpilot/internal/core"
	"github.com/clientpilot/clientpilot/internal/data"
	jobdomain "github.com/clientpilot/clientpilot/internal/domain/job"
	"github.com/clientpilot/clientpilot/internal/domain/model"
	"github.com/clientpilot/clientpilot/internal/genai"
	jobhandlers "github.com/clientpilot/clientpilot/internal/handlers"
	"github.com/clientpilot/clientpilot/internal/notify"
	"github.com/clientpilot/clientpilot/internal/observability/statsd"
	"github.com/clientpilot/clientpilot/internal/queue"
	"github.com/clientpilot/clientpilot/internal/service"
	"github.com/clientpilot/clientpilot/internal/workflow"
)

// QueueRunner is the lifecycle surface shared by both queue backends.
type QueueRunner interface {
	Run(ctx context.Context) error
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB       // nil selects the in-memory repositories
	RedisClient *redis.Client // nil selects the in-process queue backend
	Logger      *slog.Logger
}

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Queue       core.Queue
	QueueRunner QueueRunner
	Dispatcher  *queue.Dispatcher

	Jobs       *service.JobService
	Budget     *service.BudgetService
	Cache      *service.ResponseCacheService
	Generation *service.GenerationService
	Scheduler  *service.Scheduler
	Reaper     *service.Reaper
	Engine     *workflow.Engine

	MetricsSink *statsd.Client

	// Repositories kept for admin tooling and tests.
	JobRepo      core.JobRepository
	BudgetRepo   core.BudgetRepository
	CacheRepo    core.ResponseCacheRepository
	ClientRepo   core.ClientRepository
	PlanRepo     core.PlanRepository
	ActivityRepo core.ActivityRepository
}

// repositories groups the data adapters behind the service ports.
type repositories struct {
	jobs       core.JobRepository
	budgets    core.BudgetRepository
	cache      core.ResponseCacheRepository
	clients    core.ClientRepository
	plans      core.PlanRepository
	activities core.ActivityRepository

	// notifier is wired to job creation on the in-process path.
	notifier jobdomain.Notifier
}

// buildRepositories selects Postgres or in-memory repositories and wires the
// job notifier appropriate for each.
func buildRepositories(db *sql.DB, logger *slog.Logger) *repositories {
	if db != nil {
		cfg := data.RepoConfig{Logger: logger}
		jobRepo := data.NewJobRepo(db, cfg)
		return &repositories{
			jobs:       jobRepo,
			budgets:    data.NewBudgetRepo(db, cfg),
			cache:      data.NewGenCacheRepo(db, cfg),
			clients:    data.NewClientRepo(db, cfg),
			plans:      data.NewPlanRepo(db, cfg),
			activities: data.NewActivityRepo(db, cfg),
			notifier:   jobdomain.NewNotifier(jobdomain.NotifierOptions{Waiter: jobRepo}),
		}
	}

	jobRepo := data.NewMemoryJobRepo(nil)
	notifier := jobdomain.NewNotifier(jobdomain.NotifierOptions{})
	jobRepo.Notify = notifier.Wake

	return &repositories{
		jobs:       jobRepo,
		budgets:    data.NewMemoryBudgetRepo(nil),
		cache:      data.NewMemoryGenCacheRepo(nil),
		clients:    data.NewMemoryClientRepo(nil),
		plans:      data.NewMemoryPlanRepo(nil),
		activities: data.NewMemoryActivityRepo(nil),
		notifier:   notifier,
	}
}

// buildMetricsSink configures statsd emission when enabled.
func buildMetricsSink(cfg config.ObservabilityConfig, logger *slog.Logger) *statsd.Client {
	if !cfg.IsEnabled() {
		return nil
	}

	client, err := statsd.NewClient(statsd.Config{
		Enabled: true,
		Address: cfg.StatsdAddress,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to initialise statsd client", "error", err)
		return nil
	}
	return client
}

// buildSender picks webhook or log-only notification delivery.
func buildSender(cfg config.NotificationsConfig, logger *slog.Logger) (core.NotificationSender, error) {
	if cfg.WebhookURL == "" {
		return notify.NewLogSender(logger), nil
	}
	return notify.NewWebhookSender(notify.WebhookSenderOptions{
		URL:     cfg.WebhookURL,
		Timeout: cfg.Timeout,
		Logger:  logger,
	})
}

// NewServices constructs the full service graph: repositories, queue backend,
// application services, the workflow engine, and the job handlers.
func NewServices(deps *ServiceDeps) (*ServiceContainer, error) {
	if deps == nil || deps.Config == nil {
		return nil, errors.New("service dependencies and config are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config

	repos := buildRepositories(deps.DB, logger)
	sink := buildMetricsSink(cfg.Observability, logger)

	dispatcher, err := queue.NewDispatcher(queue.DispatcherOptions{
		Repo:    repos.jobs,
		Backoff: jobdomain.NewBackoffPolicy(nil),
		Logger:  logger,
		Sink:    sink,
	})
	if err != nil {
		return nil, fmt.Errorf("build dispatcher: %w", err)
	}

	var (
		q      core.Queue
		runner QueueRunner
	)
	if deps.RedisClient != nil {
		redisQueue, redisErr := queue.NewRedis(queue.RedisOptions{
			Client:            deps.RedisClient,
			Repo:              repos.jobs,
			Dispatcher:        dispatcher,
			Logger:            logger,
			VisibilityTimeout: cfg.Worker.VisibilityTimeout,
			PollInterval:      cfg.Worker.PollInterval,
		})
		if redisErr != nil {
			return nil, fmt.Errorf("build redis queue: %w", redisErr)
		}
		q, runner = redisQueue, redisQueue
	} else {
		inprocQueue, inprocErr := queue.NewInProcess(queue.InProcessOptions{
			Repo:         repos.jobs,
			Dispatcher:   dispatcher,
			Notifier:     repos.notifier,
			Logger:       logger,
			PollInterval: cfg.Worker.PollInterval,
		})
		if inprocErr != nil {
			return nil, fmt.Errorf("build in-process queue: %w", inprocErr)
		}
		q, runner = inprocQueue, inprocQueue
	}

	budget, err := service.NewBudgetService(service.BudgetOptions{
		Budgets: repos.budgets,
		Queue:   q,
		Logger:  logger,
		Sink:    sink,
	})
	if err != nil {
		return nil, fmt.Errorf("build budget service: %w", err)
	}

	cache, err := service.NewResponseCacheService(service.CacheOptions{
		Repo:           repos.cache,
		Logger:         logger,
		Sink:           sink,
		TTL:            cfg.Cache.TTL,
		MaxEntries:     cfg.Cache.MaxEntries,
		StripStopwords: cfg.Cache.StripStopwords,
	})
	if err != nil {
		return nil, fmt.Errorf("build cache service: %w", err)
	}

	provider, err := genai.NewHTTPProvider(genai.HTTPProviderOptions{
		BaseURL:               cfg.GenAI.BaseURL,
		APIKey:                cfg.GenAI.APIKey,
		CostPerThousandTokens: cfg.GenAI.CostPerThousandTokens,
		Timeout:               cfg.GenAI.Timeout,
		Logger:                logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build provider: %w", err)
	}

	generation, err := service.NewGenerationService(service.GenerationOptions{
		Provider: provider,
		Cache:    cache,
		Budget:   budget,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build generation service: %w", err)
	}

	scheduler, err := service.NewScheduler(service.SchedulerOptions{
		Queue:        q,
		Logger:       logger,
		Sink:         sink,
		Exact:        deps.RedisClient != nil,
		TickInterval: cfg.Scheduler.TickInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("build scheduler: %w", err)
	}
	if cfg.Scheduler.RegisterDefaults {
		if regErr := scheduler.RegisterDefaults(); regErr != nil {
			return nil, fmt.Errorf("register default tasks: %w", regErr)
		}
	}

	reaper, err := service.NewReaper(service.ReaperOptions{
		Jobs:       repos.jobs,
		Cache:      repos.cache,
		Logger:     logger,
		Sink:       sink,
		StaleAfter: cfg.Reaper.StaleAfter,
		Retention:  cfg.Reaper.Retention,
		BatchLimit: cfg.Reaper.BatchSize,
		Interval:   cfg.Reaper.Interval,
	})
	if err != nil {
		return nil, fmt.Errorf("build reaper: %w", err)
	}

	jobs, err := service.NewJobService(service.JobOptions{Queue: q, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("build job service: %w", err)
	}

	wfHandlers, err := workflow.NewHandlers(workflow.HandlersOptions{
		Queue:      q,
		Clients:    repos.clients,
		Plans:      repos.plans,
		Activities: repos.activities,
		Budget:     budget,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build workflow handlers: %w", err)
	}

	engine, err := workflow.NewEngine(workflow.EngineOptions{
		Handlers: wfHandlers.Map(),
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build workflow engine: %w", err)
	}

	sender, err := buildSender(cfg.Notifications, logger)
	if err != nil {
		return nil, fmt.Errorf("build notification sender: %w", err)
	}

	handlers, err := jobhandlers.New(jobhandlers.Options{
		Generation:  generation,
		Cache:       cache,
		Reaper:      reaper,
		Clients:     repos.clients,
		Plans:       repos.plans,
		Sender:      sender,
		Events:      engine,
		Logger:      logger,
		Model:       cfg.GenAI.Model,
		Temperature: cfg.GenAI.Temperature,
		MaxTokens:   cfg.GenAI.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("build job handlers: %w", err)
	}
	if regErr := handlers.RegisterAll(dispatcher); regErr != nil {
		return nil, fmt.Errorf("register job handlers: %w", regErr)
	}

	return &ServiceContainer{
		Queue:       q,
		QueueRunner: runner,
		Dispatcher:  dispatcher,

		Jobs:       jobs,
		Budget:     budget,
		Cache:      cache,
		Generation: generation,
		Scheduler:  scheduler,
		Reaper:     reaper,
		Engine:     engine,

		MetricsSink: sink,

		JobRepo:      repos.jobs,
		BudgetRepo:   repos.budgets,
		CacheRepo:    repos.cache,
		ClientRepo:   repos.clients,
		PlanRepo:     repos.plans,
		ActivityRepo: repos.activities,
	}, nil
}

// SeedBudgets configures budgets from environment defaults for periods that
// have no budget yet. Existing budgets, including usage and pause state, are
// left alone.
func SeedBudgets(ctx context.Context, container *ServiceContainer, cfg config.BudgetConfig) error {
	seeds := []struct {
		period     model.BudgetPeriod
		tokenLimit int64
		costLimit  float64
	}{
		{model.BudgetPeriodDaily, cfg.DailyTokenLimit, cfg.DailyCostLimit},
		{model.BudgetPeriodWeekly, cfg.WeeklyTokenLimit, cfg.WeeklyCostLimit},
		{model.BudgetPeriodMonthly, cfg.MonthlyTokenLimit, cfg.MonthlyCostLimit},
	}

	for _, seed := range seeds {
		if seed.tokenLimit <= 0 && seed.costLimit <= 0 {
			continue
		}
		if _, err := container.BudgetRepo.GetByPeriod(ctx, seed.period); err == nil {
			continue
		} else if !errors.Is(err, data.ErrBudgetNotFound) {
			return fmt.Errorf("check %s budget: %w", seed.period, err)
		}

		if _, err := container.Budget.Configure(ctx, &model.Budget{
			Period:           seed.period,
			TokenLimit:       seed.tokenLimit,
			CostLimit:        seed.costLimit,
			AutoPauseAtLimit: cfg.AutoPause,
			Active:           true,
		}); err != nil {
			return fmt.Errorf("seed %s budget: %w", seed.period, err)
		}
	}
	return nil
}
