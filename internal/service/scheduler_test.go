package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clientpilot/clientpilot/internal/data"
	"github.com/clientpilot/clientpilot/internal/domain/model"
	apperrors "github.com/clientpilot/clientpilot/internal/errors"
)

func newSchedulerFixture(t *testing.T, exact bool, clock *data.FixedTimeProvider) (*Scheduler, *fakeQueue) {
	t.Helper()
	queue := &fakeQueue{}
	s, err := NewScheduler(SchedulerOptions{Queue: queue, Exact: exact, TimeProvider: clock})
	require.NoError(t, err)
	return s, queue
}

func TestScheduler_ExactFiresOnCronBoundary(t *testing.T) {
	ctx := context.Background()
	clock := &data.FixedTimeProvider{T: time.Date(2026, 8, 1, 2, 15, 0, 0, time.UTC)}
	s, queue := newSchedulerFixture(t, true, clock)

	require.NoError(t, s.AddTask(model.ScheduledTask{
		Name:    "nightly-backup",
		Pattern: "0 3 * * *",
		JobType: model.JobTypeBackup,
		Enabled: true,
	}))

	assert.Zero(t, s.Tick(ctx, clock.T), "not due before 03:00")
	assert.Equal(t, 1, s.Tick(ctx, time.Date(2026, 8, 1, 3, 0, 0, 0, time.UTC)))
	assert.Zero(t, s.Tick(ctx, time.Date(2026, 8, 1, 3, 0, 30, 0, time.UTC)), "fires once per boundary")
	assert.Equal(t, 1, s.Tick(ctx, time.Date(2026, 8, 2, 3, 0, 0, 0, time.UTC)))

	jobs := queue.jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, model.JobTypeBackup, jobs[0].Type)
}

func TestScheduler_ExactRejectsBadPattern(t *testing.T) {
	s, _ := newSchedulerFixture(t, true, &data.FixedTimeProvider{T: time.Now()})

	err := s.AddTask(model.ScheduledTask{Name: "bad", Pattern: "not cron", JobType: model.JobTypeBackup, Enabled: true})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestScheduler_ApproximateFiresOnInterval(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 8, 1, 2, 17, 0, 0, time.UTC)
	clock := &data.FixedTimeProvider{T: start}
	s, queue := newSchedulerFixture(t, false, clock)

	require.NoError(t, s.AddTask(model.ScheduledTask{
		Name:    "cache-sweep",
		Pattern: "0 * * * *",
		JobType: model.JobTypeCacheSweep,
		Enabled: true,
	}))

	assert.Zero(t, s.Tick(ctx, start.Add(30*time.Minute)), "hourly approximation is not due yet")
	assert.Equal(t, 1, s.Tick(ctx, start.Add(time.Hour)))
	assert.Zero(t, s.Tick(ctx, start.Add(90*time.Minute)))
	assert.Equal(t, 1, s.Tick(ctx, start.Add(2*time.Hour)))

	require.Len(t, queue.jobs(), 2)
}

func TestScheduler_ApproximateRejectsUnknownShape(t *testing.T) {
	s, _ := newSchedulerFixture(t, false, &data.FixedTimeProvider{T: time.Now()})

	err := s.AddTask(model.ScheduledTask{Name: "odd", Pattern: "5 4 1 * *", JobType: model.JobTypeBackup, Enabled: true})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestScheduler_DisabledTaskIsSkippedAtRegistration(t *testing.T) {
	ctx := context.Background()
	clock := &data.FixedTimeProvider{T: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)}
	s, queue := newSchedulerFixture(t, false, clock)

	require.NoError(t, s.AddTask(model.ScheduledTask{
		Name:    "paused-sweep",
		Pattern: "0 * * * *",
		JobType: model.JobTypeCacheSweep,
	}))

	assert.Empty(t, s.ListTasks(), "disabled tasks never enter the registry")
	assert.Zero(t, s.Tick(ctx, clock.T.Add(3*time.Hour)))
	assert.Empty(t, queue.jobs())

	// The name stays free for a later enabled registration.
	require.NoError(t, s.AddTask(model.ScheduledTask{
		Name:    "paused-sweep",
		Pattern: "0 * * * *",
		JobType: model.JobTypeCacheSweep,
		Enabled: true,
	}))
	require.Len(t, s.ListTasks(), 1)
	assert.Equal(t, 1, s.Tick(ctx, clock.T.Add(time.Hour)))
}

func TestScheduler_AddRemoveList(t *testing.T) {
	s, _ := newSchedulerFixture(t, true, &data.FixedTimeProvider{T: time.Now()})
	require.NoError(t, s.RegisterDefaults())

	names := func() []string {
		var out []string
		for _, task := range s.ListTasks() {
			out = append(out, task.Name)
		}
		return out
	}
	assert.Equal(t, []string{"cache-sweep", "nightly-backup", "reminder-sweep", "retention-sweep"}, names())

	err := s.AddTask(model.ScheduledTask{Name: "cache-sweep", Pattern: "0 * * * *", JobType: model.JobTypeCacheSweep, Enabled: true})
	assert.True(t, apperrors.IsConflict(err))

	require.NoError(t, s.RemoveTask("nightly-backup"))
	assert.Equal(t, []string{"cache-sweep", "reminder-sweep", "retention-sweep"}, names())
	assert.True(t, apperrors.IsNotFound(s.RemoveTask("nightly-backup")))
}

func TestApproximateInterval(t *testing.T) {
	cases := []struct {
		pattern string
		want    time.Duration
		ok      bool
	}{
		{"0 * * * *", time.Hour, true},
		{"30 2 * * *", 24 * time.Hour, true},
		{"0 9 * * 1", 7 * 24 * time.Hour, true},
		{"*/15 * * * *", 15 * time.Minute, true},
		{"5 4 1 * *", 0, false},
		{"0 3 * 6 *", 0, false},
		{"* * * *", 0, false},
		{"*/0 * * * *", 0, false},
	}
	for _, tc := range cases {
		got, err := approximateInterval(tc.pattern)
		if tc.ok {
			require.NoError(t, err, tc.pattern)
			assert.Equal(t, tc.want, got, tc.pattern)
		} else {
			assert.Error(t, err, tc.pattern)
		}
	}
}
