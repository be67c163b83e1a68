package search

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/photofind/internal/domain/search"
	"github.com/ahrav/photofind/internal/infra/cache/memory"
)

type managerFixture struct {
	manager  *JobManager
	provider *scriptedProvider
	encoder  *fakeEncoder
}

func newManagerFixture(t *testing.T, provider *scriptedProvider, cache search.ContentCache) *managerFixture {
	t.Helper()

	encoder := &fakeEncoder{encodings: map[string][]search.FaceEncoding{
		"img-a": {{0.1}},
		"img-b": {{0.2}},
		"img-c": {{2.0}},
	}}
	scorer := NewMatchScorer(cache, encoder, &fakeRecognizer{}, 0.75, testLogger(), testTracer())
	pipeline := NewFetchPipeline(PipelineConfig{
		Workers:      2,
		FetchTimeout: time.Second,
		FetchRetries: 3,
	}, scorer, testLogger(), testTracer())

	factory := func(string) (search.Provider, error) { return provider, nil }
	manager := NewJobManager(ManagerConfig{MaxJobsPerOwner: 2, Retention: time.Hour},
		factory, pipeline, testLogger(), testTracer())
	return &managerFixture{manager: manager, provider: provider, encoder: encoder}
}

func faceQuery(t *testing.T) search.Query {
	t.Helper()
	query, err := search.NewFaceQuery([]search.FaceEncoding{{0.0}})
	require.NoError(t, err)
	return query
}

func awaitTerminal(t *testing.T, m *JobManager, jobID uuid.UUID, owner string) search.Snapshot {
	t.Helper()

	var last search.Snapshot
	var lastProcessed int
	require.Eventually(t, func() bool {
		snap, err := m.GetStatus(context.Background(), jobID, owner)
		if err != nil {
			return false
		}

		// Progress is monotonic across polls and bounded by the total once
		// the total is known.
		assert.GreaterOrEqual(t, snap.Processed, lastProcessed)
		if snap.Phase == search.JobStatusProcessing || snap.Phase.IsTerminal() {
			assert.LessOrEqual(t, snap.Processed, snap.Total)
		}
		lastProcessed = snap.Processed
		last = snap
		return snap.Phase.IsTerminal()
	}, 15*time.Second, 10*time.Millisecond)
	return last
}

func TestCreateJobEndToEnd(t *testing.T) {
	t.Parallel()

	// Five items: two fail transiently then succeed on retry, one fails
	// permanently on every attempt.
	provider := newScriptedProvider(testItems("a", "b", "c", "d", "e"), map[string][]byte{
		"a": []byte("img-a"), "b": []byte("img-b"), "c": []byte("img-c"),
		"d": []byte("img-d"), "e": []byte("img-e"),
	})
	provider.scripts["a"] = &itemScript{transientFailures: 1}
	provider.scripts["c"] = &itemScript{transientFailures: 1}
	provider.scripts["d"] = &itemScript{permanent: true}

	fx := newManagerFixture(t, provider, memory.New())

	jobID, err := fx.manager.CreateJob(context.Background(), "owner-1", "https://drive.google.com/drive/folders/abc", faceQuery(t))
	require.NoError(t, err)

	snap := awaitTerminal(t, fx.manager, jobID, "owner-1")
	assert.Equal(t, search.JobStatusDone, snap.Phase)
	assert.Equal(t, 5, snap.Total)
	assert.Equal(t, 5, snap.Processed)
	assert.Empty(t, snap.Error)

	matched := make(map[string]bool)
	for _, m := range snap.Matches {
		matched[m.SourceID] = true
	}
	assert.Equal(t, map[string]bool{"a": true, "b": true}, matched)
}

func TestCreateJobRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	provider := newScriptedProvider(nil, nil)
	fx := newManagerFixture(t, provider, memory.New())
	ctx := context.Background()

	_, err := fx.manager.CreateJob(ctx, "", "https://drive.google.com/drive/folders/abc", faceQuery(t))
	assert.ErrorIs(t, err, search.ErrInvalidInput)

	_, err = fx.manager.CreateJob(ctx, "owner-1", "link", search.Query{})
	assert.ErrorIs(t, err, search.ErrInvalidInput)
}

func TestCreateJobUnsupportedProvider(t *testing.T) {
	t.Parallel()

	provider := newScriptedProvider(nil, nil)
	fx := newManagerFixture(t, provider, memory.New())
	fx.manager.newProvider = func(string) (search.Provider, error) {
		return nil, search.ErrUnsupportedProvider
	}

	_, err := fx.manager.CreateJob(context.Background(), "owner-1", "https://example.com/x", faceQuery(t))
	assert.ErrorIs(t, err, search.ErrUnsupportedProvider)
}

func TestListingFailureFailsJobWithGenericMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		listErr error
		wantMsg string
	}{
		{
			name:    "inaccessible folder",
			listErr: search.NewListingError(false, errors.New("secret internal detail")),
			wantMsg: search.ErrMsgListingFailed,
		},
		{
			name:    "revoked credentials",
			listErr: search.NewListingError(true, errors.New("token expired: abcd1234")),
			wantMsg: search.ErrMsgAuthExpired,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			provider := newScriptedProvider(testItems("a"), map[string][]byte{"a": []byte("img-a")})
			provider.listErr = tt.listErr
			fx := newManagerFixture(t, provider, memory.New())

			jobID, err := fx.manager.CreateJob(context.Background(), "owner-1", "https://drive.google.com/drive/folders/abc", faceQuery(t))
			require.NoError(t, err)

			snap := awaitTerminal(t, fx.manager, jobID, "owner-1")
			assert.Equal(t, search.JobStatusError, snap.Phase)
			assert.Zero(t, snap.Total)
			assert.Zero(t, snap.Processed)
			assert.Empty(t, snap.Matches)
			assert.Equal(t, tt.wantMsg, snap.Error)
			assert.NotContains(t, snap.Error, "secret")
			assert.NotContains(t, snap.Error, "abcd1234")
		})
	}
}

func TestAuthExpiryMidRunFailsJob(t *testing.T) {
	t.Parallel()

	// Credentials expire after listing: every fetch returns 401. The job
	// must end in error with the sanitized auth message, not in done.
	provider := newScriptedProvider(testItems("a", "b", "c"), map[string][]byte{
		"a": []byte("img-a"), "b": []byte("img-b"), "c": []byte("img-c"),
	})
	for _, id := range []string{"a", "b", "c"} {
		provider.scripts[id] = &itemScript{permanent: true, status: 401}
	}
	fx := newManagerFixture(t, provider, memory.New())

	jobID, err := fx.manager.CreateJob(context.Background(), "owner-1", "https://drive.google.com/drive/folders/abc", faceQuery(t))
	require.NoError(t, err)

	snap := awaitTerminal(t, fx.manager, jobID, "owner-1")
	assert.Equal(t, search.JobStatusError, snap.Phase)
	assert.Equal(t, search.ErrMsgAuthExpired, snap.Error)
	assert.Empty(t, snap.Matches)
}

func TestGetStatusAccessControl(t *testing.T) {
	t.Parallel()

	provider := newScriptedProvider(testItems("a"), map[string][]byte{"a": []byte("img-a")})
	fx := newManagerFixture(t, provider, memory.New())
	ctx := context.Background()

	jobID, err := fx.manager.CreateJob(ctx, "owner-1", "https://drive.google.com/drive/folders/abc", faceQuery(t))
	require.NoError(t, err)

	_, err = fx.manager.GetStatus(ctx, jobID, "owner-2")
	assert.ErrorIs(t, err, search.ErrForbidden)
	assert.ErrorIs(t, fx.manager.CancelJob(ctx, jobID, "owner-2"), search.ErrForbidden)

	_, err = fx.manager.GetStatus(ctx, uuid.New(), "owner-1")
	assert.ErrorIs(t, err, search.ErrJobNotFound)

	awaitTerminal(t, fx.manager, jobID, "owner-1")
}

func TestCancelJobIsIdempotent(t *testing.T) {
	t.Parallel()

	items := testItems("a", "b", "c", "d", "e", "f", "g", "h")
	data := make(map[string][]byte, len(items))
	for _, item := range items {
		data[item.SourceID] = []byte("img-c")
	}
	provider := newScriptedProvider(items, data)
	provider.fetchDelay = 150 * time.Millisecond
	fx := newManagerFixture(t, provider, memory.New())
	ctx := context.Background()

	jobID, err := fx.manager.CreateJob(ctx, "owner-1", "https://drive.google.com/drive/folders/abc", faceQuery(t))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, err := fx.manager.GetStatus(ctx, jobID, "owner-1")
		return err == nil && snap.Phase == search.JobStatusProcessing
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, fx.manager.CancelJob(ctx, jobID, "owner-1"))
	snap, err := fx.manager.GetStatus(ctx, jobID, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, search.JobStatusError, snap.Phase)
	assert.Equal(t, search.ErrMsgCancelled, snap.Error)

	// A second cancel is a no-op on the already-terminal job.
	require.NoError(t, fx.manager.CancelJob(ctx, jobID, "owner-1"))
	again, err := fx.manager.GetStatus(ctx, jobID, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, snap.Phase, again.Phase)
	assert.Equal(t, snap.Error, again.Error)
}

func TestOwnerJobLimit(t *testing.T) {
	t.Parallel()

	items := testItems("a", "b", "c", "d")
	data := make(map[string][]byte, len(items))
	for _, item := range items {
		data[item.SourceID] = []byte("img-c")
	}
	provider := newScriptedProvider(items, data)
	provider.fetchDelay = 100 * time.Millisecond
	fx := newManagerFixture(t, provider, memory.New())
	ctx := context.Background()

	first, err := fx.manager.CreateJob(ctx, "owner-1", "https://drive.google.com/drive/folders/abc", faceQuery(t))
	require.NoError(t, err)
	second, err := fx.manager.CreateJob(ctx, "owner-1", "https://drive.google.com/drive/folders/abc", faceQuery(t))
	require.NoError(t, err)

	_, err = fx.manager.CreateJob(ctx, "owner-1", "https://drive.google.com/drive/folders/abc", faceQuery(t))
	assert.ErrorIs(t, err, search.ErrOwnerJobLimit)

	// A different owner is unaffected.
	third, err := fx.manager.CreateJob(ctx, "owner-2", "https://drive.google.com/drive/folders/abc", faceQuery(t))
	require.NoError(t, err)

	for _, jobID := range []uuid.UUID{first, second} {
		require.NoError(t, fx.manager.CancelJob(ctx, jobID, "owner-1"))
	}
	require.NoError(t, fx.manager.CancelJob(ctx, third, "owner-2"))

	// Terminal jobs no longer count against the cap.
	_, err = fx.manager.CreateJob(ctx, "owner-1", "https://drive.google.com/drive/folders/abc", faceQuery(t))
	require.NoError(t, err)
}

func TestCacheSharedAcrossJobs(t *testing.T) {
	t.Parallel()

	cache := memory.New()
	provider := newScriptedProvider(testItems("a"), map[string][]byte{"a": []byte("img-a")})
	fx := newManagerFixture(t, provider, cache)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		jobID, err := fx.manager.CreateJob(ctx, "owner-1", "https://drive.google.com/drive/folders/abc", faceQuery(t))
		require.NoError(t, err)
		snap := awaitTerminal(t, fx.manager, jobID, "owner-1")
		require.Equal(t, search.JobStatusDone, snap.Phase)
	}

	// The second job's bytes hit the cache; encoding ran once for the hash.
	assert.Equal(t, int64(1), fx.encoder.calls.Load())
}

func TestSweepExpiredRemovesOnlyExpiredTerminalJobs(t *testing.T) {
	t.Parallel()

	provider := newScriptedProvider(testItems("a"), map[string][]byte{"a": []byte("img-a")})
	fx := newManagerFixture(t, provider, memory.New())
	fx.manager.cfg.Retention = time.Nanosecond
	ctx := context.Background()

	done, err := fx.manager.CreateJob(ctx, "owner-1", "https://drive.google.com/drive/folders/abc", faceQuery(t))
	require.NoError(t, err)
	awaitTerminal(t, fx.manager, done, "owner-1")

	slow := newScriptedProvider(testItems("a", "b", "c"), map[string][]byte{
		"a": []byte("img-a"), "b": []byte("img-a"), "c": []byte("img-a"),
	})
	slow.fetchDelay = 200 * time.Millisecond
	fx.manager.newProvider = func(string) (search.Provider, error) { return slow, nil }
	active, err := fx.manager.CreateJob(ctx, "owner-1", "https://drive.google.com/drive/folders/abc", faceQuery(t))
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	removed := fx.manager.SweepExpired(ctx)
	assert.Equal(t, 1, removed)

	_, err = fx.manager.GetStatus(ctx, done, "owner-1")
	assert.ErrorIs(t, err, search.ErrJobNotFound)
	_, err = fx.manager.GetStatus(ctx, active, "owner-1")
	require.NoError(t, err)

	awaitTerminal(t, fx.manager, active, "owner-1")
}
