package search

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput indicates a malformed folder link or a query that does
	// not carry exactly one mode. Rejected synchronously at creation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnsupportedProvider indicates the folder link does not match any
	// known provider pattern.
	ErrUnsupportedProvider = errors.New("unsupported provider")

	// ErrJobNotFound indicates the job ID is unknown.
	ErrJobNotFound = errors.New("job not found")

	// ErrForbidden indicates the caller's owner token does not match the
	// job's owner. Job results are never visible cross-session.
	ErrForbidden = errors.New("forbidden")

	// ErrOwnerJobLimit indicates the owner already has the maximum number of
	// active jobs.
	ErrOwnerJobLimit = errors.New("active job limit reached")

	// ErrNoFacesDetected indicates a reference image contained no detectable
	// faces, so no face query could be built from it.
	ErrNoFacesDetected = errors.New("no faces detected in reference image")
)

// Human-safe terminal error messages. These are the only strings that ever
// reach a job's error field; raw provider errors never propagate.
const (
	ErrMsgCancelled     = "cancelled"
	ErrMsgListingFailed = "folder listing failed"
	ErrMsgAuthExpired   = "provider authorization expired"
	ErrMsgInternalError = "internal error"
)

// FetchError classifies a per-item provider failure. The pipeline's retry
// policy depends on the Transient flag: rate-limit and 5xx responses are
// retried, auth and permission failures are not.
type FetchError struct {
	Transient  bool
	StatusCode int
	cause      error
}

// NewFetchError wraps a provider failure with its retry classification.
func NewFetchError(transient bool, statusCode int, cause error) *FetchError {
	return &FetchError{Transient: transient, StatusCode: statusCode, cause: cause}
}

func (e *FetchError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s fetch error (status %d): %v", kind, e.StatusCode, e.cause)
}

func (e *FetchError) Unwrap() error { return e.cause }

// AuthExpired reports whether the failure indicates expired or revoked
// credentials. Unlike other permanent failures it is fatal to the whole
// job: every remaining fetch would fail the same way.
func (e *FetchError) AuthExpired() bool { return e.StatusCode == 401 }

// ListingError indicates the folder listing itself failed. It is fatal to
// the whole job: no items are processed.
type ListingError struct {
	AuthFailure bool
	cause       error
}

// NewListingError wraps a whole-listing failure. AuthFailure marks expired
// or revoked credentials so callers can surface the right generic message.
func NewListingError(authFailure bool, cause error) *ListingError {
	return &ListingError{AuthFailure: authFailure, cause: cause}
}

func (e *ListingError) Error() string { return fmt.Sprintf("listing failed: %v", e.cause) }

func (e *ListingError) Unwrap() error { return e.cause }
