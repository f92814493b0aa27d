package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/clientpilot/clientpilot/internal/core"
	"github.com/clientpilot/clientpilot/internal/data"
	"github.com/clientpilot/clientpilot/internal/domain/model"
	apperrors "github.com/clientpilot/clientpilot/internal/errors"
	"github.com/clientpilot/clientpilot/internal/observability/metrics"
	"github.com/clientpilot/clientpilot/internal/observability/statsd"
)

// DefaultSchedulerTick is how often the scheduler checks for due tasks.
const DefaultSchedulerTick = 30 * time.Second

// SchedulerOptions configure a Scheduler.
type SchedulerOptions struct {
	Queue  core.Queue
	Logger *slog.Logger
	Sink   statsd.Sink
	// Exact evaluates cron patterns precisely. On the in-process queue path
	// it is left false and patterns are approximated by fixed intervals;
	// pattern shapes outside the approximation table are rejected there.
	Exact        bool
	TickInterval time.Duration
	TimeProvider data.TimeProvider
}

// Scheduler fires recurring maintenance tasks into the job queue. With a
// distributed queue it evaluates cron patterns exactly; in-process it
// approximates each pattern with a fixed interval, trading boundary alignment
// for zero external dependencies.
type Scheduler struct {
	queue        core.Queue
	logger       *slog.Logger
	sink         statsd.Sink
	exact        bool
	tickInterval time.Duration
	timeProvider data.TimeProvider

	mu      sync.Mutex
	entries map[string]*taskEntry
}

type taskEntry struct {
	task model.ScheduledTask
	next time.Time

	// Exactly one of schedule and interval is set, matching the mode.
	schedule cron.Schedule
	interval time.Duration
}

// NewScheduler creates a Scheduler with no tasks registered.
func NewScheduler(opts SchedulerOptions) (*Scheduler, error) {
	if opts.Queue == nil {
		return nil, errors.New("queue is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tick := opts.TickInterval
	if tick <= 0 {
		tick = DefaultSchedulerTick
	}
	tp := opts.TimeProvider
	if tp == nil {
		tp = data.RealTimeProvider{}
	}

	return &Scheduler{
		queue:        opts.Queue,
		logger:       logger.With("component", "scheduler", "exact", opts.Exact),
		sink:         opts.Sink,
		exact:        opts.Exact,
		tickInterval: tick,
		timeProvider: tp,
		entries:      make(map[string]*taskEntry),
	}, nil
}

// DefaultTasks are the maintenance tasks every deployment runs.
func DefaultTasks() []model.ScheduledTask {
	return []model.ScheduledTask{
		{Name: "cache-sweep", Pattern: "0 * * * *", JobType: model.JobTypeCacheSweep, Enabled: true},
		{Name: "retention-sweep", Pattern: "30 2 * * *", JobType: model.JobTypeRetentionSweep, Enabled: true},
		{Name: "nightly-backup", Pattern: "0 3 * * *", JobType: model.JobTypeBackup, Enabled: true},
		{Name: "reminder-sweep", Pattern: "0 9 * * *", JobType: model.JobTypeReminderSweep, Enabled: true},
	}
}

// RegisterDefaults adds the default tasks, skipping names already registered.
func (s *Scheduler) RegisterDefaults() error {
	for _, task := range DefaultTasks() {
		if err := s.AddTask(task); err != nil && !apperrors.IsConflict(err) {
			return fmt.Errorf("register %s: %w", task.Name, err)
		}
	}
	return nil
}

// AddTask registers a recurring task. The pattern must parse in the active
// evaluation mode. Disabled tasks are validated but never registered; their
// names stay free.
func (s *Scheduler) AddTask(task model.ScheduledTask) error {
	if err := task.Validate(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid scheduled task")
	}

	entry := &taskEntry{task: task}
	now := s.timeProvider.Now()
	if s.exact {
		schedule, err := cron.ParseStandard(task.Pattern)
		if err != nil {
			return apperrors.Wrapf(err, apperrors.ErrCodeValidation, "invalid cron pattern %q", task.Pattern)
		}
		entry.schedule = schedule
		entry.next = schedule.Next(now)
	} else {
		interval, err := approximateInterval(task.Pattern)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeValidation, "pattern not runnable in-process")
		}
		entry.interval = interval
		entry.next = now.Add(interval)
	}

	if !task.Enabled {
		s.logger.Info("scheduled task disabled, skipping registration",
			"task", task.Name,
			"pattern", task.Pattern,
		)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[task.Name]; exists {
		return apperrors.Conflictf("task %q is already registered", task.Name)
	}
	s.entries[task.Name] = entry

	s.logger.Info("scheduled task registered",
		"task", task.Name,
		"pattern", task.Pattern,
		"job_type", task.JobType,
		"next", entry.next,
	)
	return nil
}

// RemoveTask unregisters a task by name.
func (s *Scheduler) RemoveTask(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[name]; !ok {
		return apperrors.NotFoundf("task %q is not registered", name)
	}
	delete(s.entries, name)
	return nil
}

// ListTasks returns the registered tasks sorted by name.
func (s *Scheduler) ListTasks() []model.ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.ScheduledTask, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Tick fires every enabled task due at now and returns how many fired.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) int {
	due := s.collectDue(now)

	fired := 0
	for _, task := range due {
		_, err := s.queue.Enqueue(ctx, task.JobType, task.Payload, core.EnqueueOptions{Priority: task.Priority})
		if err != nil {
			metrics.EmitSchedulerFire(s.sink, task.Name, metrics.ResultError)
			s.logger.ErrorContext(ctx, "scheduled task enqueue failed", "task", task.Name, "error", err)
			continue
		}
		metrics.EmitSchedulerFire(s.sink, task.Name, metrics.ResultSuccess)
		s.logger.InfoContext(ctx, "scheduled task fired", "task", task.Name, "job_type", task.JobType)
		fired++
	}
	return fired
}

// collectDue advances the next-fire times of due entries under the lock and
// returns their tasks; the enqueues happen outside it.
func (s *Scheduler) collectDue(now time.Time) []model.ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []model.ScheduledTask
	for _, e := range s.entries {
		if e.next.After(now) {
			continue
		}
		due = append(due, e.task)
		if e.schedule != nil {
			e.next = e.schedule.Next(now)
		} else {
			e.next = now.Add(e.interval)
		}
	}
	return due
}

// Run ticks until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	s.logger.InfoContext(ctx, "scheduler started", "tasks", len(s.ListTasks()))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx, s.timeProvider.Now())
		}
	}
}

// approximateInterval maps a five-field cron pattern to a repeat interval.
// Only the common shapes are accepted: a fixed minute each hour, a fixed time
// each day, a fixed time on one weekday, and */N minute steps.
func approximateInterval(pattern string) (time.Duration, error) {
	fields := strings.Fields(pattern)
	if len(fields) != 5 {
		return 0, fmt.Errorf("expected 5 cron fields, got %d", len(fields))
	}
	minute, hour, dom, month, dow := fields[0], fields[1], fields[2], fields[3], fields[4]
	if dom != "*" || month != "*" {
		return 0, fmt.Errorf("day-of-month and month constraints are not approximable: %q", pattern)
	}

	if step, ok := strings.CutPrefix(minute, "*/"); ok && hour == "*" && dow == "*" {
		n, err := strconv.Atoi(step)
		if err != nil || n <= 0 || n > 59 {
			return 0, fmt.Errorf("invalid minute step in %q", pattern)
		}
		return time.Duration(n) * time.Minute, nil
	}

	if !isCronNumber(minute, 59) {
		return 0, fmt.Errorf("unsupported minute field in %q", pattern)
	}

	switch {
	case hour == "*" && dow == "*":
		return time.Hour, nil
	case isCronNumber(hour, 23) && dow == "*":
		return 24 * time.Hour, nil
	case isCronNumber(hour, 23) && isCronNumber(dow, 6):
		return 7 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("pattern shape is not approximable: %q", pattern)
}

func isCronNumber(field string, max int) bool {
	n, err := strconv.Atoi(field)
	return err == nil && n >= 0 && n <= max
}
