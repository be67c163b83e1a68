// Package sqlite provides the durable content cache: the only artifact that
// survives process restarts. Entries are keyed by content hash so the same
// image bytes hit the same entry across providers, folders and jobs.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"

	"github.com/ahrav/photofind/internal/domain/search"
)

const schema = `
CREATE TABLE IF NOT EXISTS content_cache (
	content_hash   TEXT PRIMARY KEY,
	face_encodings TEXT,
	ocr_text       TEXT,
	computed_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_content_cache_computed_at ON content_cache (computed_at);
`

// ContentCache is a sqlite-backed content-addressed store. NULL columns
// distinguish "not yet computed" from computed-but-empty results, which is
// what makes the per-modality write-once merge possible in SQL.
type ContentCache struct {
	db     *sql.DB
	tracer trace.Tracer
}

var _ search.ContentCache = (*ContentCache)(nil)

// Open opens (creating if needed) the cache database at path. The pragmas
// allow concurrent readers while one writer inserts.
func Open(path string, tracer trace.Tracer) (*ContentCache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening cache db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating cache schema: %w", err)
	}

	return &ContentCache{db: db, tracer: tracer}, nil
}

// Close closes the underlying database.
func (c *ContentCache) Close() error { return c.db.Close() }

// Lookup returns the entry for a content hash, if present.
func (c *ContentCache) Lookup(ctx context.Context, contentHash string) (search.CacheEntry, bool, error) {
	ctx, span := c.tracer.Start(ctx, "content_cache.lookup")
	defer span.End()

	var (
		facesJSON  sql.NullString
		ocrText    sql.NullString
		computedAt int64
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT face_encodings, ocr_text, computed_at FROM content_cache WHERE content_hash = ?`,
		contentHash,
	).Scan(&facesJSON, &ocrText, &computedAt)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetAttributes(attribute.Bool("hit", false))
		return search.CacheEntry{}, false, nil
	}
	if err != nil {
		span.RecordError(err)
		return search.CacheEntry{}, false, fmt.Errorf("cache lookup: %w", err)
	}

	entry := search.CacheEntry{
		ContentHash: contentHash,
		ComputedAt:  time.Unix(computedAt, 0),
	}
	if facesJSON.Valid {
		if err := json.Unmarshal([]byte(facesJSON.String), &entry.FaceEncodings); err != nil {
			span.RecordError(err)
			return search.CacheEntry{}, false, fmt.Errorf("decoding cached encodings: %w", err)
		}
		entry.FacesComputed = true
	}
	if ocrText.Valid {
		entry.OCRText = ocrText.String
		entry.OCRComputed = true
	}

	span.SetAttributes(attribute.Bool("hit", true))
	return entry, true, nil
}

// Store inserts or merges an entry. INSERT OR IGNORE plus guarded UPDATEs
// give first-writer-wins per modality without holding any lock across the
// expensive computation that produced the entry.
func (c *ContentCache) Store(ctx context.Context, entry search.CacheEntry) error {
	ctx, span := c.tracer.Start(ctx, "content_cache.store")
	defer span.End()

	if entry.ComputedAt.IsZero() {
		entry.ComputedAt = time.Now()
	}

	var facesJSON any
	if entry.FacesComputed {
		data, err := json.Marshal(entry.FaceEncodings)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("encoding face encodings: %w", err)
		}
		facesJSON = string(data)
	}

	var ocrText any
	if entry.OCRComputed {
		ocrText = entry.OCRText
	}

	if _, err := c.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO content_cache (content_hash, face_encodings, ocr_text, computed_at) VALUES (?, ?, ?, ?)`,
		entry.ContentHash, facesJSON, ocrText, entry.ComputedAt.Unix(),
	); err != nil {
		span.RecordError(err)
		return fmt.Errorf("cache insert: %w", err)
	}

	// The insert may have been ignored because another writer got there
	// first; fill in only the modalities that row is still missing.
	if entry.FacesComputed {
		if _, err := c.db.ExecContext(ctx,
			`UPDATE content_cache SET face_encodings = ? WHERE content_hash = ? AND face_encodings IS NULL`,
			facesJSON, entry.ContentHash,
		); err != nil {
			span.RecordError(err)
			return fmt.Errorf("cache merge faces: %w", err)
		}
	}
	if entry.OCRComputed {
		if _, err := c.db.ExecContext(ctx,
			`UPDATE content_cache SET ocr_text = ? WHERE content_hash = ? AND ocr_text IS NULL`,
			ocrText, entry.ContentHash,
		); err != nil {
			span.RecordError(err)
			return fmt.Errorf("cache merge ocr: %w", err)
		}
	}

	return nil
}

// EvictOlderThan deletes entries computed before the cutoff and returns the
// number removed. Biometric-derived data accumulates unboundedly otherwise.
func (c *ContentCache) EvictOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	ctx, span := c.tracer.Start(ctx, "content_cache.evict")
	defer span.End()

	cutoff := time.Now().Add(-age).Unix()
	res, err := c.db.ExecContext(ctx, `DELETE FROM content_cache WHERE computed_at < ?`, cutoff)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("cache eviction: %w", err)
	}

	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int64("evicted", removed))
	return removed, nil
}
