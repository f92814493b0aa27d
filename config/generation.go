package config

import "time"

// GenAIConfig contains the completion provider configuration.
type GenAIConfig struct {
	// BaseURL is the provider API root, e.g. https://api.openai.com.
	BaseURL string `env:"GENAI_BASE_URL" envDefault:"http://localhost:8089"`

	// APIKey is sent as a bearer token on every request.
	APIKey string `env:"GENAI_API_KEY" envDefault:""`

	// Model is the default completion model for plan generation.
	Model string `env:"GENAI_MODEL" envDefault:"gpt-4o"`

	// Temperature and MaxTokens are the default sampling parameters.
	Temperature float64 `env:"GENAI_TEMPERATURE" envDefault:"0.7"`
	MaxTokens   int     `env:"GENAI_MAX_TOKENS"  envDefault:"2048"`

	// CostPerThousandTokens backfills the cost when the provider response
	// omits one.
	CostPerThousandTokens float64 `env:"GENAI_COST_PER_1K_TOKENS" envDefault:"0.01"`

	// Timeout bounds one provider round trip.
	Timeout time.Duration `env:"GENAI_TIMEOUT" envDefault:"2m"`
}

// Sanitize applies guardrails to provider configuration.
func (g *GenAIConfig) Sanitize() {
	if g.Model == "" {
		g.Model = "gpt-4o"
	}
	if g.Temperature < 0 {
		g.Temperature = 0
	}
	if g.MaxTokens < 1 {
		g.MaxTokens = 2048
	}
	if g.CostPerThousandTokens < 0 {
		g.CostPerThousandTokens = 0
	}
	if g.Timeout < time.Second {
		g.Timeout = time.Second
	}
}

// CacheConfig contains response cache configuration.
type CacheConfig struct {
	// TTL is how long a cached response stays servable.
	TTL time.Duration `env:"CACHE_TTL" envDefault:"24h"`

	// MaxEntries caps the cache; the least recently used entries are
	// evicted past it.
	MaxEntries int `env:"CACHE_MAX_ENTRIES" envDefault:"1000"`

	// StripStopwords removes common filler words during prompt
	// normalization so trivially reworded prompts share a cache key.
	StripStopwords bool `env:"CACHE_STRIP_STOPWORDS" envDefault:"true"`
}

// Sanitize applies guardrails to cache configuration.
func (c *CacheConfig) Sanitize() {
	if c.TTL < time.Minute {
		c.TTL = time.Minute
	}
	if c.MaxEntries < 1 {
		c.MaxEntries = 1
	}
}

// BudgetConfig seeds budgets on first boot. Zero limits leave a period
// unconfigured; the admin CLI can configure budgets at any time.
type BudgetConfig struct {
	DailyTokenLimit   int64   `env:"BUDGET_DAILY_TOKEN_LIMIT"   envDefault:"0"`
	DailyCostLimit    float64 `env:"BUDGET_DAILY_COST_LIMIT"    envDefault:"0"`
	WeeklyTokenLimit  int64   `env:"BUDGET_WEEKLY_TOKEN_LIMIT"  envDefault:"0"`
	WeeklyCostLimit   float64 `env:"BUDGET_WEEKLY_COST_LIMIT"   envDefault:"0"`
	MonthlyTokenLimit int64   `env:"BUDGET_MONTHLY_TOKEN_LIMIT" envDefault:"0"`
	MonthlyCostLimit  float64 `env:"BUDGET_MONTHLY_COST_LIMIT"  envDefault:"0"`

	// AutoPause pauses a budget, and with it all generation, when it hits
	// 100% consumption.
	AutoPause bool `env:"BUDGET_AUTO_PAUSE" envDefault:"true"`
}
