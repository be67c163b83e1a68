package search

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/photofind/internal/domain/search"
	"github.com/ahrav/photofind/internal/infra/cache/memory"
)

// itemScript describes how Fetch behaves for one item: fail transiently a
// scripted number of times, or fail permanently on every attempt with the
// given status (403 when unset).
type itemScript struct {
	transientFailures int
	permanent         bool
	status            int
}

// scriptedProvider serves a fixed listing with per-item failure scripts.
type scriptedProvider struct {
	mu         sync.Mutex
	items      []search.Item
	listErr    error
	data       map[string][]byte
	scripts    map[string]*itemScript
	fetchDelay time.Duration

	fetchCalls  map[string]int
	inFlight    int
	maxInFlight int
}

func newScriptedProvider(items []search.Item, data map[string][]byte) *scriptedProvider {
	return &scriptedProvider{
		items:      items,
		data:       data,
		scripts:    make(map[string]*itemScript),
		fetchCalls: make(map[string]int),
	}
}

func (p *scriptedProvider) List(_ context.Context) ([]search.Item, error) {
	if p.listErr != nil {
		return nil, p.listErr
	}
	return p.items, nil
}

func (p *scriptedProvider) Fetch(ctx context.Context, item search.Item) ([]byte, error) {
	p.mu.Lock()
	p.fetchCalls[item.SourceID]++
	p.inFlight++
	if p.inFlight > p.maxInFlight {
		p.maxInFlight = p.inFlight
	}
	script := p.scripts[item.SourceID]
	delay := p.fetchDelay
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inFlight--
		p.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, search.NewFetchError(true, 0, ctx.Err())
		case <-time.After(delay):
		}
	}

	if script != nil {
		if script.permanent {
			status := script.status
			if status == 0 {
				status = 403
			}
			return nil, search.NewFetchError(false, status, errors.New("request rejected"))
		}
		p.mu.Lock()
		failing := script.transientFailures > 0
		if failing {
			script.transientFailures--
		}
		p.mu.Unlock()
		if failing {
			return nil, search.NewFetchError(true, 429, errors.New("rate limited"))
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data[item.SourceID], nil
}

func (p *scriptedProvider) calls(sourceID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetchCalls[sourceID]
}

func testItems(ids ...string) []search.Item {
	items := make([]search.Item, 0, len(ids))
	for _, id := range ids {
		items = append(items, search.Item{SourceID: id, Name: id + ".jpg"})
	}
	return items
}

func newTestPipeline(t *testing.T, cache search.ContentCache, encoder *fakeEncoder) *FetchPipeline {
	t.Helper()
	scorer := NewMatchScorer(cache, encoder, &fakeRecognizer{}, 0.75, testLogger(), testTracer())
	return NewFetchPipeline(PipelineConfig{
		Workers:      2,
		FetchTimeout: time.Second,
		FetchRetries: 3,
	}, scorer, testLogger(), testTracer())
}

func TestRunReportsEveryItemWithRetries(t *testing.T) {
	t.Parallel()

	provider := newScriptedProvider(testItems("a", "b", "c", "d"), map[string][]byte{
		"a": []byte("img-a"), "b": []byte("img-b"), "c": []byte("img-c"), "d": []byte("img-d"),
	})
	provider.scripts["b"] = &itemScript{transientFailures: 2}
	provider.scripts["d"] = &itemScript{permanent: true}

	encoder := &fakeEncoder{encodings: map[string][]search.FaceEncoding{
		"img-a": {{0.1}},
		"img-b": {{0.2}},
		"img-c": {{2.0}},
	}}
	pipeline := newTestPipeline(t, memory.New(), encoder)

	query, err := search.NewFaceQuery([]search.FaceEncoding{{0.0}})
	require.NoError(t, err)

	var outcomes []ItemOutcome
	err = pipeline.Run(context.Background(), provider, provider.items, query, func(o ItemOutcome) {
		outcomes = append(outcomes, o)
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 4)

	matched := make(map[string]bool)
	var failed []string
	for _, o := range outcomes {
		if o.Match != nil {
			matched[o.Match.SourceID] = true
		}
		if o.Err != nil {
			failed = append(failed, o.Item.SourceID)
		}
	}
	assert.Equal(t, map[string]bool{"a": true, "b": true}, matched)
	assert.Equal(t, []string{"d"}, failed)

	// Transient failures retried until success; the permanent failure was
	// not retried.
	assert.Equal(t, 3, provider.calls("b"))
	assert.Equal(t, 1, provider.calls("d"))
}

func TestRunBoundsConcurrency(t *testing.T) {
	t.Parallel()

	items := testItems("a", "b", "c", "d", "e", "f")
	data := make(map[string][]byte, len(items))
	for _, item := range items {
		data[item.SourceID] = []byte(item.SourceID)
	}
	provider := newScriptedProvider(items, data)
	provider.fetchDelay = 20 * time.Millisecond

	pipeline := newTestPipeline(t, memory.New(), &fakeEncoder{})

	query, err := search.NewFaceQuery([]search.FaceEncoding{{0.0}})
	require.NoError(t, err)

	var count int
	err = pipeline.Run(context.Background(), provider, items, query, func(ItemOutcome) { count++ })
	require.NoError(t, err)
	assert.Equal(t, len(items), count)
	assert.LessOrEqual(t, provider.maxInFlight, 2)
}

func TestRunStopsSchedulingOnCancel(t *testing.T) {
	t.Parallel()

	items := testItems("a", "b", "c", "d", "e", "f", "g", "h")
	data := make(map[string][]byte, len(items))
	for _, item := range items {
		data[item.SourceID] = []byte(item.SourceID)
	}
	provider := newScriptedProvider(items, data)
	provider.fetchDelay = 30 * time.Millisecond

	pipeline := newTestPipeline(t, memory.New(), &fakeEncoder{})

	query, err := search.NewFaceQuery([]search.FaceEncoding{{0.0}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var count int
	report := func(ItemOutcome) {
		count++
		if count == 2 {
			cancel()
		}
	}
	defer cancel()

	err = pipeline.Run(ctx, provider, items, query, report)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, count, len(items))
}

func TestRunAbortsOnAuthExpiredFetch(t *testing.T) {
	t.Parallel()

	items := testItems("a", "b", "c", "d")
	data := make(map[string][]byte, len(items))
	for _, item := range items {
		data[item.SourceID] = []byte(item.SourceID)
	}
	provider := newScriptedProvider(items, data)
	for _, item := range items {
		provider.scripts[item.SourceID] = &itemScript{permanent: true, status: 401}
	}

	pipeline := newTestPipeline(t, memory.New(), &fakeEncoder{})

	query, err := search.NewFaceQuery([]search.FaceEncoding{{0.0}})
	require.NoError(t, err)

	var count int
	err = pipeline.Run(context.Background(), provider, items, query, func(ItemOutcome) { count++ })
	require.Error(t, err)

	var fetchErr *search.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.True(t, fetchErr.AuthExpired())
	// The aborting item is never reported as processed.
	assert.Less(t, count, len(items))
}

func TestRunEmptyListing(t *testing.T) {
	t.Parallel()

	provider := newScriptedProvider(nil, nil)
	pipeline := newTestPipeline(t, memory.New(), &fakeEncoder{})

	query, err := search.NewTextQuery("anything")
	require.NoError(t, err)

	var count int
	err = pipeline.Run(context.Background(), provider, nil, query, func(ItemOutcome) { count++ })
	require.NoError(t, err)
	assert.Zero(t, count)
}
