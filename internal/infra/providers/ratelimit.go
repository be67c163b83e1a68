package providers

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter provides thread-safe rate limiting with dynamically adjustable
// limits. One limiter guards one provider client so a single job cannot
// exhaust a provider's quota mid-run.
type RateLimiter struct {
	limiter *rate.Limiter
	mu      sync.RWMutex // Protects concurrent access to the limiter

	configuredRPS   float64
	configuredBurst int
	restore         *time.Timer
}

// NewRateLimiter creates a RateLimiter with the specified requests per
// second (rps) and burst size.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiter:         rate.NewLimiter(rate.Limit(rps), burst),
		configuredRPS:   rps,
		configuredBurst: burst,
	}
}

// Wait blocks until the rate limiter allows an event or the context is
// canceled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.limiter.Wait(ctx)
}

// UpdateLimits dynamically adjusts the requests per second and burst size,
// used when a provider signals backpressure.
func (rl *RateLimiter) UpdateLimits(rps float64, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.limiter.SetLimit(rate.Limit(rps))
	rl.limiter.SetBurst(burst)
}

// Backoff lowers the limits for the given window, then restores the
// configured ones. A second backoff during the window supersedes the first
// and restarts its timer.
func (rl *RateLimiter) Backoff(rps float64, burst int, window time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.limiter.SetLimit(rate.Limit(rps))
	rl.limiter.SetBurst(burst)

	if rl.restore != nil {
		rl.restore.Stop()
	}
	rl.restore = time.AfterFunc(window, func() {
		rl.UpdateLimits(rl.configuredRPS, rl.configuredBurst)
	})
}

// Limit returns the current requests-per-second limit.
func (rl *RateLimiter) Limit() float64 {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return float64(rl.limiter.Limit())
}
