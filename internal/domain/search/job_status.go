package search

import "fmt"

// JobStatus represents the current phase of a search job. It enables tracking
// of the job lifecycle from creation through completion or failure.
type JobStatus string

const (
	// JobStatusQueued indicates a job has been accepted but not yet started.
	JobStatusQueued JobStatus = "queued"

	// JobStatusListing indicates the provider folder is being enumerated.
	// The item total is unknown until listing completes.
	JobStatusListing JobStatus = "listing"

	// JobStatusProcessing indicates items are flowing through the
	// fetch-and-match pipeline.
	JobStatusProcessing JobStatus = "processing"

	// JobStatusDone indicates every listed item has been processed.
	JobStatusDone JobStatus = "done"

	// JobStatusError indicates the job terminated without processing all
	// items: a listing failure, an unrecoverable mid-run error, or a
	// user-initiated cancellation.
	JobStatusError JobStatus = "error"
)

func (s JobStatus) String() string { return string(s) }

// IsTerminal reports whether no further transitions are possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusDone || s == JobStatusError
}

// validateTransition checks if a status transition is valid and returns an
// error if not.
func (s JobStatus) validateTransition(target JobStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("invalid job status transition from %s to %s", s, target)
	}
	return nil
}

// isValidTransition enforces the job lifecycle rules to prevent invalid
// state changes.
func (s JobStatus) isValidTransition(target JobStatus) bool {
	switch s {
	case JobStatusQueued:
		// From queued, listing must begin before anything else. A job can
		// also fail directly (e.g. cancelled before listing started).
		return target == JobStatusListing || target == JobStatusError
	case JobStatusListing:
		return target == JobStatusProcessing || target == JobStatusError
	case JobStatusProcessing:
		return target == JobStatusDone || target == JobStatusError
	case JobStatusDone, JobStatusError:
		// Terminal states - no further transitions allowed.
		return false
	default:
		return false
	}
}
