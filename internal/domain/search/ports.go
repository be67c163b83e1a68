package search

import (
	"context"
	"time"
)

// Provider is the uniform capability a cloud-storage adapter exposes: list
// the images of one folder and fetch raw bytes for one listed item. Concrete
// adapters hide provider-specific pagination and APIs.
type Provider interface {
	// List returns the folder's images in provider-native order. Failures
	// are reported as *ListingError and are fatal to the whole job.
	List(ctx context.Context) ([]Item, error)

	// Fetch returns the raw bytes of one listed item. Failures are reported
	// as *FetchError with a transient/permanent classification.
	Fetch(ctx context.Context, item Item) ([]byte, error)
}

// CacheEntry memoizes the expensive per-image computations for one content
// hash. Entries are write-once per modality: whichever worker stores a
// modality first wins, later writers discard their recomputation.
type CacheEntry struct {
	// ContentHash is the hex-encoded SHA-256 of the raw image bytes. The
	// same bytes hit the same entry regardless of provider or folder.
	ContentHash string

	FaceEncodings []FaceEncoding
	// FacesComputed distinguishes "no faces in this image" from "faces not
	// yet extracted".
	FacesComputed bool

	OCRText string
	// OCRComputed distinguishes "no text in this image" from "text not yet
	// recognized".
	OCRComputed bool

	// ComputedAt is used only for eviction, not correctness.
	ComputedAt time.Time
}

// ContentCache is the content-addressed store shared across all concurrent
// jobs: the only cross-job mutable resource. Implementations must be safe
// for concurrent lookups and inserts; Store merges per modality with
// first-writer-wins semantics so a duplicate computation race resolves to a
// no-op rather than an overwrite.
type ContentCache interface {
	Lookup(ctx context.Context, contentHash string) (CacheEntry, bool, error)
	Store(ctx context.Context, entry CacheEntry) error
}

// FaceEncoder is the external face-encoding capability, consumed as an
// opaque scoring function. It returns zero or more descriptors for the
// faces found in an image.
type FaceEncoder interface {
	Encode(ctx context.Context, image []byte) ([]FaceEncoding, error)
}

// TextRecognizer is the external OCR capability. It returns the recognized
// on-image text, possibly empty, with low-confidence fragments already
// filtered by the recognizer.
type TextRecognizer interface {
	Recognize(ctx context.Context, image []byte) (string, error)
}
