package search

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/photofind/internal/domain/search"
	"github.com/ahrav/photofind/pkg/common/logger"
)

// MatchScorer decides whether one image satisfies a query. It is stateless
// apart from the shared content cache: encodings and OCR text are looked up
// by content hash and computed at most once per distinct hash, with the
// fresh result written back before the decision is returned.
type MatchScorer struct {
	cache   search.ContentCache
	encoder search.FaceEncoder
	ocr     search.TextRecognizer

	// faceThreshold is the high-recall distance cutoff: an image matches
	// when the minimum distance between any of its encodings and any
	// reference encoding is at or below this value. The default of 0.75
	// favors false positives over missed matches.
	faceThreshold float64

	logger *logger.Logger
	tracer trace.Tracer
}

// NewMatchScorer assembles a scorer over the shared cache and the external
// recognition capabilities.
func NewMatchScorer(
	cache search.ContentCache,
	encoder search.FaceEncoder,
	ocr search.TextRecognizer,
	faceThreshold float64,
	logger *logger.Logger,
	tracer trace.Tracer,
) *MatchScorer {
	return &MatchScorer{
		cache:         cache,
		encoder:       encoder,
		ocr:           ocr,
		faceThreshold: faceThreshold,
		logger:        logger.With("component", "match_scorer"),
		tracer:        tracer,
	}
}

// Score evaluates one image against the query. For face queries the score
// is the minimum encoding distance (lower is closer); for text queries it
// is 1 on a match. The cache write-back happens regardless of the decision.
func (s *MatchScorer) Score(
	ctx context.Context,
	contentHash string,
	image []byte,
	query search.Query,
) (matched bool, score float64, err error) {
	ctx, span := s.tracer.Start(ctx, "match_scorer.score",
		trace.WithAttributes(
			attribute.String("content_hash", contentHash),
			attribute.String("query_mode", string(query.Mode())),
		),
	)
	defer span.End()

	switch query.Mode() {
	case search.QueryModeFace:
		matched, score, err = s.scoreFace(ctx, contentHash, image, query.FaceEncodings())
	case search.QueryModeText:
		matched, score, err = s.scoreText(ctx, contentHash, image, query.Text())
	default:
		return false, 0, fmt.Errorf("unknown query mode %q", query.Mode())
	}
	if err != nil {
		span.RecordError(err)
		return false, 0, err
	}

	span.SetAttributes(attribute.Bool("matched", matched), attribute.Float64("score", score))
	return matched, score, nil
}

func (s *MatchScorer) scoreFace(
	ctx context.Context,
	contentHash string,
	image []byte,
	refs []search.FaceEncoding,
) (bool, float64, error) {
	encodings, err := s.faceEncodings(ctx, contentHash, image)
	if err != nil {
		return false, 0, err
	}
	if len(encodings) == 0 {
		return false, 0, nil
	}

	minDist := math.Inf(1)
	for _, enc := range encodings {
		for _, ref := range refs {
			if d := euclideanDistance(enc, ref); d < minDist {
				minDist = d
			}
		}
	}
	return minDist <= s.faceThreshold, minDist, nil
}

// faceEncodings returns the image's encodings from the cache when already
// computed, otherwise computes and stores them. An image with no faces
// is cached as a computed empty result so it is never re-encoded.
func (s *MatchScorer) faceEncodings(ctx context.Context, contentHash string, image []byte) ([]search.FaceEncoding, error) {
	entry, ok, err := s.cache.Lookup(ctx, contentHash)
	if err != nil {
		s.logger.Warn(ctx, "cache lookup failed, recomputing", "content_hash", contentHash, "error", err)
	} else if ok && entry.FacesComputed {
		return entry.FaceEncodings, nil
	}

	encodings, err := s.encoder.Encode(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("encoding faces: %w", err)
	}

	if err := s.cache.Store(ctx, search.CacheEntry{
		ContentHash:   contentHash,
		FaceEncodings: encodings,
		FacesComputed: true,
	}); err != nil {
		s.logger.Warn(ctx, "cache write-back failed", "content_hash", contentHash, "error", err)
	}
	return encodings, nil
}

func (s *MatchScorer) scoreText(ctx context.Context, contentHash string, image []byte, queryText string) (bool, float64, error) {
	text, err := s.ocrText(ctx, contentHash, image)
	if err != nil {
		return false, 0, err
	}
	if !textContains(text, queryText) {
		return false, 0, nil
	}
	return true, 1, nil
}

func (s *MatchScorer) ocrText(ctx context.Context, contentHash string, image []byte) (string, error) {
	entry, ok, err := s.cache.Lookup(ctx, contentHash)
	if err != nil {
		s.logger.Warn(ctx, "cache lookup failed, recomputing", "content_hash", contentHash, "error", err)
	} else if ok && entry.OCRComputed {
		return entry.OCRText, nil
	}

	text, err := s.ocr.Recognize(ctx, image)
	if err != nil {
		return "", fmt.Errorf("recognizing text: %w", err)
	}

	if err := s.cache.Store(ctx, search.CacheEntry{
		ContentHash: contentHash,
		OCRText:     text,
		OCRComputed: true,
	}); err != nil {
		s.logger.Warn(ctx, "cache write-back failed", "content_hash", contentHash, "error", err)
	}
	return text, nil
}

// euclideanDistance returns the L2 distance between two encodings, or +Inf
// when their dimensions disagree. Distances are only meaningful between
// encodings from the same model.
func euclideanDistance(a, b search.FaceEncoding) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// textContains is the case-insensitive containment test for text queries,
// tuned for recall: a substring of the raw or punctuation-stripped text
// matches, so a search for "17" also finds "2017". Numeric queries get one
// more path, a word-boundary match against the stripped text, which
// catches digits that punctuation stripping glued to their neighbors.
func textContains(recognized, query string) bool {
	hay := strings.ToLower(recognized)
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return false
	}

	if strings.Contains(hay, needle) {
		return true
	}
	strippedNeedle := stripPunctuation(needle)
	if strippedNeedle != "" && strings.Contains(stripPunctuation(hay), strippedNeedle) {
		return true
	}

	if isDigits(needle) {
		re, err := regexp.Compile(`\b` + regexp.QuoteMeta(needle) + `\b`)
		if err != nil {
			return false
		}
		return re.MatchString(hay) || re.MatchString(stripPunctuation(hay))
	}
	return false
}

func isDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return len(s) > 0
}

func stripPunctuation(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if !unicode.IsPunct(r) && !unicode.IsSymbol(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
