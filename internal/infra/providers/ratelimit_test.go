package providers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffRestoresConfiguredLimit(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(10, 5)
	require.InDelta(t, 10, rl.Limit(), 1e-9)

	rl.Backoff(1, 1, 30*time.Millisecond)
	assert.InDelta(t, 1, rl.Limit(), 1e-9)

	assert.Eventually(t, func() bool {
		return rl.Limit() == 10
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBackoffSupersedesEarlierBackoff(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(10, 5)
	rl.Backoff(2, 1, 20*time.Millisecond)
	rl.Backoff(1, 1, 60*time.Millisecond)
	assert.InDelta(t, 1, rl.Limit(), 1e-9)

	// The first backoff's timer was stopped; only the second restores.
	time.Sleep(35 * time.Millisecond)
	assert.InDelta(t, 1, rl.Limit(), 1e-9)

	assert.Eventually(t, func() bool {
		return rl.Limit() == 10
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWaitHonorsContext(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0.001, 1)
	require.NoError(t, rl.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, rl.Wait(ctx))
}
