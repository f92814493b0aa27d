package config

// DBConfig contains PostgreSQL database configuration.
type DBConfig struct {
	// Enabled selects the Postgres repositories. When false everything is
	// backed by the in-memory stores and jobs do not survive a restart.
	Enabled  bool   `env:"ENABLED"                 envDefault:"false"`
	Host     string `env:"HOST"                    envDefault:"localhost"`
	Port     int    `env:"PORT"                    envDefault:"5432"`
	User     string `env:"USER"                    envDefault:"clientpilot"`
	Password string `env:"PASSWORD"                envDefault:"clientpilot"`
	Name     string `env:"NAME"                    envDefault:"clientpilot"`
	SSLMode  string `env:"SSL_MODE"                envDefault:"disable"` // Use 'disable' for local dev, 'require' for production
	// RunMigrationsOnStart controls whether the application automatically applies migrations during startup.
	RunMigrationsOnStart bool `env:"RUN_MIGRATIONS_ON_START" envDefault:"true"`
}

// RedisConfig contains Redis configuration. A reachable Redis selects the
// distributed queue backend; without it the queue runs in-process.
type RedisConfig struct {
	Enabled  bool   `env:"ENABLED"  envDefault:"false"`
	URI      string `env:"URI"      envDefault:"localhost:6379"`
	Password string `env:"PASSWORD" envDefault:""`
	DB       int    `env:"DB"       envDefault:"0"`
}
