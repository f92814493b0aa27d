package config

import (
	"testing"
	"time"

	env "github.com/caarlos0/env/v11"
)

func TestParseServices(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    map[ServiceMode]bool
		expectError bool
	}{
		{
			name:  "single service - worker",
			input: "worker",
			expected: map[ServiceMode]bool{
				ServiceModeWorker: true,
			},
		},
		{
			name:  "single service - scheduler",
			input: "scheduler",
			expected: map[ServiceMode]bool{
				ServiceModeScheduler: true,
			},
		},
		{
			name:  "single service - reaper",
			input: "reaper",
			expected: map[ServiceMode]bool{
				ServiceModeReaper: true,
			},
		},
		{
			name:  "all services",
			input: "worker,scheduler,reaper",
			expected: map[ServiceMode]bool{
				ServiceModeWorker:    true,
				ServiceModeScheduler: true,
				ServiceModeReaper:    true,
			},
		},
		{
			name:  "services with spaces and mixed case",
			input: " Worker , SCHEDULER ",
			expected: map[ServiceMode]bool{
				ServiceModeWorker:    true,
				ServiceModeScheduler: true,
			},
		},
		{
			name:  "duplicate services",
			input: "worker,worker,reaper",
			expected: map[ServiceMode]bool{
				ServiceModeWorker: true,
				ServiceModeReaper: true,
			},
		},
		{
			name:        "empty string",
			input:       "",
			expectError: true,
		},
		{
			name:        "only spaces and commas",
			input:       " , , ",
			expectError: true,
		},
		{
			name:        "invalid service name",
			input:       "worker,api",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseServices(tt.input)

			if tt.expectError {
				if err == nil {
					t.Errorf("expected error but got none")
				}
				return
			}

			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}

			if len(result) != len(tt.expected) {
				t.Errorf("expected %d services, got %d", len(tt.expected), len(result))
				return
			}

			for service, expected := range tt.expected {
				if result[service] != expected {
					t.Errorf("expected service %s to be %v, got %v", service, expected, result[service])
				}
			}
		})
	}
}

func TestAppConfig_Defaults(t *testing.T) {
	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.Sanitize()

	if cfg.Services != "worker,scheduler,reaper" {
		t.Errorf("expected all services by default, got %q", cfg.Services)
	}
	if !cfg.IsWorkerEnabled() || !cfg.IsSchedulerEnabled() || !cfg.IsReaperEnabled() {
		t.Error("expected every service enabled by default")
	}
	if cfg.Postgres.Enabled || cfg.Redis.Enabled {
		t.Error("expected in-memory defaults for postgres and redis")
	}
	if cfg.Cache.TTL != 24*time.Hour {
		t.Errorf("expected 24h cache TTL, got %s", cfg.Cache.TTL)
	}
	if cfg.Cache.MaxEntries != 1000 {
		t.Errorf("expected 1000 cache entries, got %d", cfg.Cache.MaxEntries)
	}
	if !cfg.Cache.StripStopwords {
		t.Error("expected stopword stripping on by default")
	}
	if cfg.Worker.MaxAttempts != 3 {
		t.Errorf("expected 3 max attempts, got %d", cfg.Worker.MaxAttempts)
	}
	if cfg.GenAI.Model != "gpt-4o" {
		t.Errorf("unexpected default model %q", cfg.GenAI.Model)
	}
	if !cfg.Budget.AutoPause {
		t.Error("expected budget auto pause on by default")
	}
	if cfg.Observability.IsEnabled() {
		t.Error("expected metrics disabled by default")
	}
}

func TestAppConfig_EnvOverrides(t *testing.T) {
	t.Setenv("SERVICES", "worker")
	t.Setenv("DB_ENABLED", "true")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("REDIS_URI", "redis.internal:6380")
	t.Setenv("CACHE_STRIP_STOPWORDS", "false")
	t.Setenv("METRICS_ENABLED", "true")

	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.Sanitize()

	if !cfg.IsWorkerEnabled() || cfg.IsSchedulerEnabled() || cfg.IsReaperEnabled() {
		t.Error("expected only the worker enabled")
	}
	if !cfg.Postgres.Enabled || cfg.Postgres.Host != "db.internal" {
		t.Errorf("postgres overrides not applied: %+v", cfg.Postgres)
	}
	if !cfg.Redis.Enabled || cfg.Redis.URI != "redis.internal:6380" {
		t.Errorf("redis overrides not applied: %+v", cfg.Redis)
	}
	if cfg.Cache.StripStopwords {
		t.Error("expected stopword stripping disabled")
	}
	if !cfg.Observability.IsEnabled() {
		t.Error("expected metrics enabled with the default statsd address")
	}
}

func TestSanitize_Guardrails(t *testing.T) {
	cfg := AppConfig{
		Worker:    WorkerConfig{VisibilityTimeout: time.Second, PollInterval: 0, MaxAttempts: 0},
		Scheduler: SchedulerConfig{TickInterval: 0},
		Reaper:    ReaperConfig{Interval: time.Second, StaleAfter: 0, Retention: 0, BatchSize: -5},
		GenAI:     GenAIConfig{MaxTokens: 0, Timeout: 0},
		Cache:     CacheConfig{TTL: 0, MaxEntries: 0},
	}
	cfg.Sanitize()

	if cfg.Worker.VisibilityTimeout < 10*time.Second {
		t.Errorf("visibility timeout not clamped: %s", cfg.Worker.VisibilityTimeout)
	}
	if cfg.Worker.MaxAttempts != 1 {
		t.Errorf("max attempts not clamped: %d", cfg.Worker.MaxAttempts)
	}
	if cfg.Scheduler.TickInterval != time.Second {
		t.Errorf("tick interval not clamped: %s", cfg.Scheduler.TickInterval)
	}
	if cfg.Reaper.Interval != time.Minute || cfg.Reaper.BatchSize != 1 {
		t.Errorf("reaper guardrails not applied: %+v", cfg.Reaper)
	}
	if cfg.GenAI.MaxTokens != 2048 || cfg.GenAI.Timeout != time.Second {
		t.Errorf("genai guardrails not applied: %+v", cfg.GenAI)
	}
	if cfg.Cache.TTL != time.Minute || cfg.Cache.MaxEntries != 1 {
		t.Errorf("cache guardrails not applied: %+v", cfg.Cache)
	}
}

func TestDetectDevMode(t *testing.T) {
	t.Setenv("APP_ENV", "development")

	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.Sanitize()

	if !cfg.IsDev {
		t.Error("expected APP_ENV=development to enable dev mode")
	}
}
