// Package job holds queue-side domain helpers shared by the queue backends.
package job

import "time"

// DefaultBackoffSchedule is the retry delay applied after attempt n
// (1-indexed). Attempts past the schedule reuse the final delay.
var DefaultBackoffSchedule = []time.Duration{
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
}

// BackoffPolicy maps a completed attempt count to the delay before the next
// attempt.
type BackoffPolicy struct {
	schedule []time.Duration
}

// NewBackoffPolicy builds a policy from the given schedule. An empty schedule
// falls back to DefaultBackoffSchedule.
func NewBackoffPolicy(schedule []time.Duration) BackoffPolicy {
	if len(schedule) == 0 {
		schedule = DefaultBackoffSchedule
	}
	return BackoffPolicy{schedule: schedule}
}

// Delay returns the delay to apply after the given attempt (1-indexed).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(p.schedule) {
		attempt = len(p.schedule)
	}
	return p.schedule[attempt-1]
}
