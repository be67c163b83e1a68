package search

import "time"

// TimeProvider is an interface that provides a Now method to get the current time.
type TimeProvider interface {
	Now() time.Time
}

// Real implementation for production.
type realTimeProvider struct{}

func (r *realTimeProvider) Now() time.Time { return time.Now() }

// Timeline tracks temporal aspects of search jobs. The completion timestamp
// drives the retention sweep that garbage-collects terminal jobs.
type Timeline struct {
	createdAt    time.Time
	startedAt    time.Time
	completedAt  time.Time
	lastUpdate   time.Time
	timeProvider TimeProvider
}

// NewTimeline creates a new Timeline instance.
func NewTimeline(timeProvider TimeProvider) *Timeline {
	now := timeProvider.Now()
	return &Timeline{
		createdAt:    now,
		lastUpdate:   now,
		timeProvider: timeProvider,
	}
}

// CreatedAt returns the time the job was accepted.
func (t *Timeline) CreatedAt() time.Time { return t.createdAt }

// StartedAt returns the time listing began, or the zero time if the job
// never left the queue.
func (t *Timeline) StartedAt() time.Time { return t.startedAt }

// CompletedAt returns the time the job reached a terminal status.
func (t *Timeline) CompletedAt() time.Time { return t.completedAt }

// LastUpdate returns the time the job's state last changed.
func (t *Timeline) LastUpdate() time.Time { return t.lastUpdate }

// MarkStarted records the start of job execution.
func (t *Timeline) MarkStarted() {
	t.startedAt = t.timeProvider.Now()
	t.touch()
}

// MarkCompleted records completion time.
func (t *Timeline) MarkCompleted() {
	t.completedAt = t.timeProvider.Now()
	t.touch()
}

// IsCompleted checks if the timeline has been marked as completed.
func (t *Timeline) IsCompleted() bool { return !t.completedAt.IsZero() }

func (t *Timeline) touch() { t.lastUpdate = t.timeProvider.Now() }
