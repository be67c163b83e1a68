// Package memory provides an in-memory content cache, used by tests and
// single-run deployments that do not want a cache file on disk.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ahrav/photofind/internal/domain/search"
)

// ContentCache is a concurrency-safe, write-once-per-modality,
// content-addressed store.
type ContentCache struct {
	mu      sync.RWMutex
	entries map[string]search.CacheEntry
}

var _ search.ContentCache = (*ContentCache)(nil)

// New creates an empty in-memory content cache.
func New() *ContentCache {
	return &ContentCache{entries: make(map[string]search.CacheEntry)}
}

// Lookup returns the entry for a content hash, if present.
func (c *ContentCache) Lookup(_ context.Context, contentHash string) (search.CacheEntry, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[contentHash]
	return entry, ok, nil
}

// Store inserts or merges an entry. Each modality is first-writer-wins:
// when two jobs race to compute the same image, the loser's recomputation
// is discarded rather than overwriting the winner's.
func (c *ContentCache) Store(_ context.Context, entry search.CacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.entries[entry.ContentHash]
	if !ok {
		if entry.ComputedAt.IsZero() {
			entry.ComputedAt = time.Now()
		}
		c.entries[entry.ContentHash] = entry
		return nil
	}

	if !existing.FacesComputed && entry.FacesComputed {
		existing.FaceEncodings = entry.FaceEncodings
		existing.FacesComputed = true
	}
	if !existing.OCRComputed && entry.OCRComputed {
		existing.OCRText = entry.OCRText
		existing.OCRComputed = true
	}
	c.entries[entry.ContentHash] = existing
	return nil
}

// Len returns the number of cached entries.
func (c *ContentCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
