package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobStatusTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		from    JobStatus
		to      JobStatus
		wantErr bool
	}{
		{name: "queued to listing", from: JobStatusQueued, to: JobStatusListing},
		{name: "queued to error (cancelled before start)", from: JobStatusQueued, to: JobStatusError},
		{name: "queued to processing skips listing", from: JobStatusQueued, to: JobStatusProcessing, wantErr: true},
		{name: "queued to done skips everything", from: JobStatusQueued, to: JobStatusDone, wantErr: true},
		{name: "listing to processing", from: JobStatusListing, to: JobStatusProcessing},
		{name: "listing to error", from: JobStatusListing, to: JobStatusError},
		{name: "listing to done skips processing", from: JobStatusListing, to: JobStatusDone, wantErr: true},
		{name: "processing to done", from: JobStatusProcessing, to: JobStatusDone},
		{name: "processing to error", from: JobStatusProcessing, to: JobStatusError},
		{name: "processing back to listing", from: JobStatusProcessing, to: JobStatusListing, wantErr: true},
		{name: "done is terminal", from: JobStatusDone, to: JobStatusError, wantErr: true},
		{name: "error is terminal", from: JobStatusError, to: JobStatusListing, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := tc.from.validateTransition(tc.to)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestJobStatusIsTerminal(t *testing.T) {
	t.Parallel()

	assert.False(t, JobStatusQueued.IsTerminal())
	assert.False(t, JobStatusListing.IsTerminal())
	assert.False(t, JobStatusProcessing.IsTerminal())
	assert.True(t, JobStatusDone.IsTerminal())
	assert.True(t, JobStatusError.IsTerminal())
}
