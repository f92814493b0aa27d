// clientpilot-admin is the operator CLI: budget configuration, scheduled
// task inspection, job inspection, and migrations.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/clientpilot/clientpilot/config"
	"github.com/clientpilot/clientpilot/internal/bootstrap"
)

type commandFn func(cc *commandContext, args []string) error

type command struct {
	name        string
	description string
	run         commandFn
}

type commandContext struct {
	Ctx    context.Context
	Logger *slog.Logger
	Config config.AppConfig
}

func main() {
	logger := bootstrap.InitLogger()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	cmdName := os.Args[1]
	cmd, ok := commands()[cmdName]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmdName)
		printUsage()
		os.Exit(2)
	}

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	cc := &commandContext{
		Ctx:    context.Background(),
		Logger: logger,
		Config: cfg,
	}
	if runErr := cmd.run(cc, os.Args[2:]); runErr != nil {
		logger.ErrorContext(cc.Ctx, "command failed", "command", cmdName, "error", runErr)
		os.Exit(1)
	}
}

func commands() map[string]command {
	return map[string]command{
		"migrate": {
			name:        "migrate",
			description: "Run database migrations",
			run:         runMigrate,
		},
		"budget-set": {
			name:        "budget-set",
			description: "Create or replace the budget for a period",
			run:         runBudgetSet,
		},
		"budget-status": {
			name:        "budget-status",
			description: "Show consumption for every active budget",
			run:         runBudgetStatus,
		},
		"budget-reset": {
			name:        "budget-reset",
			description: "Zero usage and unpause the budget for a period",
			run:         runBudgetReset,
		},
		"budget-pause": {
			name:        "budget-pause",
			description: "Manually pause or resume a budget",
			run:         runBudgetPause,
		},
		"task-list": {
			name:        "task-list",
			description: "List registered scheduled tasks and their patterns",
			run:         runTaskList,
		},
		"task-check": {
			name:        "task-check",
			description: "Validate a cron pattern against the configured queue backend",
			run:         runTaskCheck,
		},
		"job-get": {
			name:        "job-get",
			description: "Show one job by id",
			run:         runJobGet,
		},
		"job-stats": {
			name:        "job-stats",
			description: "Show per-status job counts",
			run:         runJobStats,
		},
		"job-cancel": {
			name:        "job-cancel",
			description: "Cancel a job that has not finished",
			run:         runJobCancel,
		},
		"job-retry": {
			name:        "job-retry",
			description: "Requeue a failed or cancelled job",
			run:         runJobRetry,
		},
	}
}

func printUsage() {
	fmt.Fprintf(os.Stdout, "Usage: clientpilot-admin <command> [flags]\n\n")
	fmt.Fprintf(os.Stdout, "Available commands:\n")

	cmds := commands()
	names := make([]string, 0, len(cmds))
	for name := range cmds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(os.Stdout, "  %-16s %s\n", name, cmds[name].description)
	}
}

// buildServices connects storage and builds the service container. Admin
// commands against the in-memory stores only see this process's empty state,
// so warn when Postgres is off.
func buildServices(cc *commandContext) (*bootstrap.ServiceContainer, func(), error) {
	if !cc.Config.Postgres.Enabled {
		cc.Logger.Warn("postgres is disabled; admin commands operate on empty in-memory state")
	}

	db, err := bootstrap.ConnectDB(bootstrap.DatabaseConfig{
		DBConfig: cc.Config.Postgres,
		Logger:   cc.Logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect db: %w", err)
	}

	redisClient, err := bootstrap.ConnectRedis(bootstrap.DatabaseConfig{
		RedisConfig: cc.Config.Redis,
		Logger:      cc.Logger,
	})
	if err != nil {
		if db != nil {
			_ = db.Close()
		}
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}

	services, err := bootstrap.NewServices(&bootstrap.ServiceDeps{
		Config:      &cc.Config,
		DB:          db,
		RedisClient: redisClient,
		Logger:      cc.Logger,
	})
	if err != nil {
		if db != nil {
			_ = db.Close()
		}
		if redisClient != nil {
			_ = redisClient.Close()
		}
		return nil, nil, err
	}

	cleanup := func() {
		if db != nil {
			if cerr := db.Close(); cerr != nil {
				cc.Logger.Error("close database failed", "error", cerr)
			}
		}
		if redisClient != nil {
			if cerr := redisClient.Close(); cerr != nil {
				cc.Logger.Error("close redis failed", "error", cerr)
			}
		}
	}
	return services, cleanup, nil
}

func runMigrate(cc *commandContext, _ []string) error {
	if !cc.Config.Postgres.Enabled {
		return fmt.Errorf("postgres is disabled; set DB_ENABLED=true")
	}

	db, err := bootstrap.ConnectDB(bootstrap.DatabaseConfig{
		DBConfig: cc.Config.Postgres,
		Logger:   cc.Logger,
	})
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			cc.Logger.Error("close database failed", "error", cerr)
		}
	}()

	return bootstrap.RunMigrations(cc.Ctx, db, cc.Logger)
}
