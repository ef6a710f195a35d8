package access

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is an optional per-caller token bucket the Access Controller
// can consult before running a policy evaluation, adapted from the
// teacher's per-IP RateLimiter but keyed by the caller's bearer token (or
// the literal string "anonymous" when no token is presented) rather than remote
// address, since the control plane sits behind the HTTP adapter rather
// than terminating connections itself.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewRateLimiter builds a limiter allowing requestsPerSecond sustained
// throughput per key, with burst headroom.
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
	}
}

func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[key]
	if !ok {
		l = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = l
	}
	return l
}

// Allow reports whether key may proceed right now, consuming a token if so.
func (rl *RateLimiter) Allow(key string) bool {
	return rl.limiterFor(key).Allow()
}

// sweepInterval matches the teacher's stale-limiter cleanup cadence.
const sweepInterval = 5 * time.Minute

// StartSweeper periodically drops the whole key set once it grows past
// maxKeys, bounding memory the same coarse way the teacher's cleanupRoutine
// does. Returns a stop func.
func (rl *RateLimiter) StartSweeper(maxKeys int) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.mu.Lock()
				if len(rl.limiters) > maxKeys {
					rl.limiters = make(map[string]*rate.Limiter)
				}
				rl.mu.Unlock()
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}
