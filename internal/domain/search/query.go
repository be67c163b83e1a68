package search

import (
	"fmt"
	"strings"
)

// QueryMode identifies which matching capability a job exercises.
type QueryMode string

const (
	// QueryModeFace matches images containing a face similar to the
	// reference encodings.
	QueryModeFace QueryMode = "face"

	// QueryModeText matches images whose recognized on-image text contains
	// the search text.
	QueryModeText QueryMode = "text"
)

// FaceEncoding is an opaque face descriptor produced by the external
// encoder. Distances between encodings are only meaningful within the same
// encoding model.
type FaceEncoding []float64

// Query captures what a job is searching for. A valid Query carries exactly
// one non-empty mode: reference face encodings or search text.
type Query struct {
	faceEncodings []FaceEncoding
	text          string
}

// NewFaceQuery builds a face-mode query from the encodings extracted from
// the caller's reference image.
func NewFaceQuery(encodings []FaceEncoding) (Query, error) {
	if len(encodings) == 0 {
		return Query{}, fmt.Errorf("%w: face query requires at least one encoding", ErrInvalidInput)
	}
	for i, enc := range encodings {
		if len(enc) == 0 {
			return Query{}, fmt.Errorf("%w: empty face encoding at index %d", ErrInvalidInput, i)
		}
	}
	return Query{faceEncodings: encodings}, nil
}

// NewTextQuery builds a text-mode query. Leading and trailing whitespace is
// not significant for matching.
func NewTextQuery(text string) (Query, error) {
	if strings.TrimSpace(text) == "" {
		return Query{}, fmt.Errorf("%w: search text is empty", ErrInvalidInput)
	}
	return Query{text: strings.TrimSpace(text)}, nil
}

// Mode returns which matching capability this query exercises.
func (q Query) Mode() QueryMode {
	if len(q.faceEncodings) > 0 {
		return QueryModeFace
	}
	return QueryModeText
}

// FaceEncodings returns the reference encodings for a face-mode query.
func (q Query) FaceEncodings() []FaceEncoding { return q.faceEncodings }

// Text returns the search text for a text-mode query.
func (q Query) Text() string { return q.text }

// Validate enforces the exactly-one-mode invariant.
func (q Query) Validate() error {
	hasFace := len(q.faceEncodings) > 0
	hasText := q.text != ""
	switch {
	case hasFace && hasText:
		return fmt.Errorf("%w: query carries both face and text modes", ErrInvalidInput)
	case !hasFace && !hasText:
		return fmt.Errorf("%w: query carries no mode", ErrInvalidInput)
	}
	return nil
}
