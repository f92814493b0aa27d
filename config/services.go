package config

import (
	"fmt"
	"strings"
	"time"
)

// ServiceMode identifies one of the runnable services.
type ServiceMode string

const (
	// ServiceModeWorker runs the queue worker that executes jobs.
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeScheduler runs the recurring task scheduler.
	ServiceModeScheduler ServiceMode = "scheduler"
	// ServiceModeReaper runs the periodic cleanup loop.
	ServiceModeReaper ServiceMode = "reaper"
)

// ParseServices parses a comma-delimited service list into a set of enabled
// services. Unknown names and empty lists are errors.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if strings.TrimSpace(servicesStr) == "" {
		return nil, fmt.Errorf("services list cannot be empty")
	}

	for _, service := range strings.Split(servicesStr, ",") {
		service = strings.TrimSpace(strings.ToLower(service))
		if service == "" {
			continue
		}

		switch ServiceMode(service) {
		case ServiceModeWorker:
			services[ServiceModeWorker] = true
		case ServiceModeScheduler:
			services[ServiceModeScheduler] = true
		case ServiceModeReaper:
			services[ServiceModeReaper] = true
		default:
			return nil, fmt.Errorf("unknown service: %s (valid: worker, scheduler, reaper)", service)
		}
	}

	if len(services) == 0 {
		return nil, fmt.Errorf("no valid services specified")
	}

	return services, nil
}

// WorkerConfig tunes the queue worker.
type WorkerConfig struct {
	// VisibilityTimeout is how long a leased job stays invisible on the
	// distributed backend before another worker may reclaim it.
	VisibilityTimeout time.Duration `env:"WORKER_VISIBILITY_TIMEOUT" envDefault:"5m"`

	// PollInterval is how often the worker checks for promotable scheduled
	// jobs and expired leases on the distributed backend.
	PollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"1s"`

	// MaxAttempts is the attempt ceiling before a job is failed for good.
	MaxAttempts int `env:"WORKER_MAX_ATTEMPTS" envDefault:"3"`
}

// Sanitize applies guardrails to worker configuration.
func (w *WorkerConfig) Sanitize() {
	if w.VisibilityTimeout < 10*time.Second {
		w.VisibilityTimeout = 10 * time.Second
	}
	if w.PollInterval < 100*time.Millisecond {
		w.PollInterval = 100 * time.Millisecond
	}
	if w.MaxAttempts < 1 {
		w.MaxAttempts = 1
	}
}

// SchedulerConfig tunes the recurring task scheduler.
type SchedulerConfig struct {
	// TickInterval is how often the scheduler checks for due tasks.
	TickInterval time.Duration `env:"SCHEDULER_TICK_INTERVAL" envDefault:"30s"`

	// RegisterDefaults seeds the built-in maintenance tasks on boot.
	RegisterDefaults bool `env:"SCHEDULER_REGISTER_DEFAULTS" envDefault:"true"`
}

// Sanitize applies guardrails to scheduler configuration.
func (s *SchedulerConfig) Sanitize() {
	if s.TickInterval < time.Second {
		s.TickInterval = time.Second
	}
}

// ReaperConfig tunes the periodic cleanup loop.
type ReaperConfig struct {
	// Interval is how often a full cleanup pass runs.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"1h"`

	// StaleAfter is how long a queued job may sit untouched before it is
	// failed as stale.
	StaleAfter time.Duration `env:"REAPER_STALE_AFTER" envDefault:"24h"`

	// Retention is how long terminal jobs are kept before deletion.
	Retention time.Duration `env:"REAPER_RETENTION" envDefault:"168h"`

	// BatchSize caps how many rows one cleanup step touches per pass.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"500"`
}

// Sanitize applies guardrails to reaper configuration.
func (r *ReaperConfig) Sanitize() {
	if r.Interval < time.Minute {
		r.Interval = time.Minute
	}
	if r.StaleAfter < time.Hour {
		r.StaleAfter = time.Hour
	}
	if r.Retention < time.Hour {
		r.Retention = time.Hour
	}
	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
}
