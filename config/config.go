// Package config loads clientpilot configuration from environment variables
// using github.com/caarlos0/env. Each concern keeps its configuration in its
// own file:
//   - database.go: Postgres and Redis configuration
//   - services.go: service mode selection, worker, scheduler, reaper
//   - generation.go: provider client, response cache, budget defaults
//   - observability.go: metrics and notification delivery
package config

import (
	"os"
	"strings"
)

// AppConfig is the root configuration struct.
type AppConfig struct {
	// IsDev controls development mode behavior. Set DEV=true for dev mode.
	IsDev bool `env:"DEV" envDefault:"false"`

	// Postgres configuration. Optional: without a database the in-memory
	// stores back everything.
	Postgres DBConfig `envPrefix:"DB_"`

	// Redis configuration. Reachable Redis selects the distributed queue
	// backend at boot.
	Redis RedisConfig `envPrefix:"REDIS_"`

	// Services is a comma-delimited list of enabled services.
	// Valid values: worker, scheduler, reaper.
	Services string `env:"SERVICES" envDefault:"worker,scheduler,reaper"`

	Worker    WorkerConfig
	Scheduler SchedulerConfig
	Reaper    ReaperConfig

	GenAI         GenAIConfig
	Cache         CacheConfig
	Budget        BudgetConfig
	Notifications NotificationsConfig
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env. Call
// it after parsing.
func (c *AppConfig) Sanitize() {
	c.Worker.Sanitize()
	c.Scheduler.Sanitize()
	c.Reaper.Sanitize()
	c.GenAI.Sanitize()
	c.Cache.Sanitize()
	c.Notifications.Sanitize()
	c.Observability.Sanitize()
	c.detectDevMode()
}

// detectDevMode also accepts APP_ENV=development as a fallback.
func (c *AppConfig) detectDevMode() {
	if !c.IsDev {
		appEnv := strings.ToLower(os.Getenv("APP_ENV"))
		c.IsDev = appEnv == "development" || appEnv == "dev"
	}
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// IsWorkerEnabled returns true if the queue worker service is enabled.
func (c *AppConfig) IsWorkerEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeWorker]
}

// IsSchedulerEnabled returns true if the scheduler service is enabled.
func (c *AppConfig) IsSchedulerEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeScheduler]
}

// IsReaperEnabled returns true if the reaper service is enabled.
func (c *AppConfig) IsReaperEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeReaper]
}
