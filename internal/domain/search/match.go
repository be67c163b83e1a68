package search

// Match records one image that satisfied the job's query. Created once by
// the pipeline and immutable thereafter; ordered by completion, not by
// listing position.
type Match struct {
	// SourceID is the provider-native identifier of the image.
	SourceID string `json:"source_id"`

	// Name is the provider-supplied display name.
	Name string `json:"name"`

	// ThumbnailURL and DownloadURL are opaque pass-through strings from the
	// provider listing.
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	DownloadURL  string `json:"download_url,omitempty"`

	// Score is the confidence signal used for thresholding. For face mode it
	// is the minimum encoding distance (lower is closer); for text mode it
	// is the recognizer's confidence for the matched fragment.
	Score float64 `json:"score"`
}

// Item is one entry of a provider listing: the transient unit of work the
// pipeline consumes. Listings may be paginated inside an adapter but are
// exposed as a single logical sequence of Items.
type Item struct {
	SourceID     string
	Name         string
	SizeHint     int64
	FetchURL     string
	ThumbnailURL string
	DownloadURL  string
}
