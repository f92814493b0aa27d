package data

import "time"

// TimeProvider abstracts time.Now so repositories can be tested against a
// fixed clock.
type TimeProvider interface {
	Now() time.Time
}

// RealTimeProvider returns the wall clock.
type RealTimeProvider struct{}

// Now returns the current time.
func (RealTimeProvider) Now() time.Time {
	return time.Now()
}

// FixedTimeProvider returns a fixed time, for tests.
type FixedTimeProvider struct {
	T time.Time
}

// Now returns the fixed time.
func (f FixedTimeProvider) Now() time.Time {
	return f.T
}
