package data

import "time"

// TimeProvider abstracts the clock so store behavior is deterministic under test.
type TimeProvider interface {
	Now() time.Time
}

// RealTimeProvider returns the wall clock.
type RealTimeProvider struct{}

// Now returns the current time.
func (RealTimeProvider) Now() time.Time {
	return time.Now()
}

// FixedTimeProvider returns a pinned time, advanceable by tests.
type FixedTimeProvider struct {
	Time time.Time
}

// NewFixedTimeProvider pins the clock at t.
func NewFixedTimeProvider(t time.Time) *FixedTimeProvider {
	return &FixedTimeProvider{Time: t}
}

// Now returns the pinned time.
func (f *FixedTimeProvider) Now() time.Time {
	return f.Time
}

// Advance moves the pinned time forward.
func (f *FixedTimeProvider) Advance(d time.Duration) {
	f.Time = f.Time.Add(d)
}
