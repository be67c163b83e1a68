// Package search defines the domain model for folder search jobs: the job
// lifecycle state machine, query and match value objects, and the ports the
// application layer drives (providers, content cache, recognition).
package search

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job coordinates and tracks one search request: a folder link plus a query,
// turned into a long-running, cancellable, progress-reporting unit of work.
// Jobs are mutated only through their methods; the application layer is
// responsible for serializing those calls per job.
type Job struct {
	id         uuid.UUID
	ownerToken string
	folderLink string
	query      Query
	status     JobStatus
	total      int
	processed  int
	matches    []Match
	errMsg     string
	timeline   *Timeline
}

// NewJob creates a queued Job for the given owner, folder link and query.
func NewJob(id uuid.UUID, ownerToken, folderLink string, query Query) (*Job, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}
	return &Job{
		id:         id,
		ownerToken: ownerToken,
		folderLink: folderLink,
		query:      query,
		status:     JobStatusQueued,
		timeline:   NewTimeline(new(realTimeProvider)),
	}, nil
}

// NewJobWithTimeProvider is like NewJob with an injectable clock for tests.
func NewJobWithTimeProvider(id uuid.UUID, ownerToken, folderLink string, query Query, tp TimeProvider) (*Job, error) {
	job, err := NewJob(id, ownerToken, folderLink, query)
	if err != nil {
		return nil, err
	}
	job.timeline = NewTimeline(tp)
	return job, nil
}

// ID returns the unique identifier for this job. IDs are never reused.
func (j *Job) ID() uuid.UUID { return j.id }

// OwnerToken returns the session identifier that created the job.
func (j *Job) OwnerToken() string { return j.ownerToken }

// FolderLink returns the folder link being searched.
func (j *Job) FolderLink() string { return j.folderLink }

// Query returns the job's query.
func (j *Job) Query() Query { return j.query }

// Status returns the current lifecycle status.
func (j *Job) Status() JobStatus { return j.status }

// Timeline provides access to the job's timeline information.
func (j *Job) Timeline() *Timeline { return j.timeline }

// BeginListing transitions the job from queued to listing.
func (j *Job) BeginListing() error {
	if err := j.status.validateTransition(JobStatusListing); err != nil {
		return err
	}
	j.status = JobStatusListing
	j.timeline.MarkStarted()
	return nil
}

// CompleteListing records the item total and transitions to processing.
// A zero total is valid: the pipeline finishes immediately.
func (j *Job) CompleteListing(total int) error {
	if total < 0 {
		return fmt.Errorf("negative item total %d", total)
	}
	if err := j.status.validateTransition(JobStatusProcessing); err != nil {
		return err
	}
	j.status = JobStatusProcessing
	j.total = total
	j.timeline.touch()
	return nil
}

// RecordProcessed increments the processed counter and, when matched,
// appends the match. Matches accumulate in completion order.
func (j *Job) RecordProcessed(match *Match) error {
	if j.status != JobStatusProcessing {
		return fmt.Errorf("cannot record item: job is %s", j.status)
	}
	if j.processed >= j.total {
		return fmt.Errorf("processed count %d would exceed total %d", j.processed+1, j.total)
	}
	j.processed++
	if match != nil {
		j.matches = append(j.matches, *match)
	}
	j.timeline.touch()
	return nil
}

// Complete transitions the job to done once every item has been processed.
func (j *Job) Complete() error {
	if err := j.status.validateTransition(JobStatusDone); err != nil {
		return err
	}
	if j.processed != j.total {
		return fmt.Errorf("cannot complete: processed %d of %d", j.processed, j.total)
	}
	j.status = JobStatusDone
	j.timeline.MarkCompleted()
	return nil
}

// Fail transitions the job to error with a human-safe message. The message
// must be one of the pre-sanitized constants; raw internal errors never
// reach this field.
func (j *Job) Fail(msg string) error {
	if err := j.status.validateTransition(JobStatusError); err != nil {
		return err
	}
	j.status = JobStatusError
	j.errMsg = msg
	j.timeline.MarkCompleted()
	return nil
}

// Snapshot returns a consistent point-in-time copy of the job's observable
// state. Callers get an independent matches slice, never a reference into
// live mutable state.
func (j *Job) Snapshot() Snapshot {
	matches := make([]Match, len(j.matches))
	copy(matches, j.matches)
	return Snapshot{
		ID:        j.id,
		Phase:     j.status,
		Total:     j.total,
		Processed: j.processed,
		Matches:   matches,
		Error:     j.errMsg,
		CreatedAt: j.timeline.CreatedAt(),
		UpdatedAt: j.timeline.LastUpdate(),
	}
}

// Snapshot is the immutable status view handed to polling clients.
// Total is 0 while the phase is queued or listing; clients must treat that
// as "not yet known", not "zero images".
type Snapshot struct {
	ID        uuid.UUID `json:"id"`
	Phase     JobStatus `json:"phase"`
	Total     int       `json:"total"`
	Processed int       `json:"processed"`
	Matches   []Match   `json:"matches"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
