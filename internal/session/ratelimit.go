package session

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/maschq/masc/internal/clock"
	masceerr "github.com/maschq/masc/internal/errors"
)

// bucket pairs an x/time/rate.Limiter with the wall-clock time it was last
// touched, so the pruner can evict buckets nobody has used in a while
// without tracking a separate LRU.
type bucket struct {
	limiter    *rate.Limiter
	lastUpdate time.Time
}

// RateLimiter enforces a token bucket per key (spec §4.2: "a token-bucket
// per (session_id or agent_name)"), reworked from the teacher's single
// global sliding-window Limiter onto a per-key map because the spec needs
// independent buckets, not one shared window.
type RateLimiter struct {
	mu      sync.Mutex
	clock   clock.Clock
	rate    rate.Limit
	burst   int
	buckets map[string]*bucket
}

// NewRateLimiter builds a RateLimiter refilling at ratePerSecond tokens/sec
// with the given burst capacity.
func NewRateLimiter(clk clock.Clock, ratePerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		clock:   clk,
		rate:    rate.Limit(ratePerSecond),
		burst:   burst,
		buckets: make(map[string]*bucket),
	}
}

// Allow reports whether key may proceed right now, lazily creating its
// bucket on first use. Returns RateLimitedError (mapped to the adapter's 429)
// on denial.
func (r *RateLimiter) Allow(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(r.rate, r.burst)}
		r.buckets[key] = b
	}
	now := r.clock.Now()
	b.lastUpdate = now
	if !b.limiter.AllowN(now, 1) {
		retryAfter := 0.0
		if r.rate > 0 {
			retryAfter = (1 - b.limiter.TokensAt(now)) / float64(r.rate)
		}
		return &masceerr.RateLimitedError{RetryAfterSeconds: retryAfter}
	}
	return nil
}

// Prune evicts buckets whose lastUpdate is older than maxIdle, bounding
// memory when many distinct sessions/agents churn through.
func (r *RateLimiter) Prune(maxIdle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.clock.Now().Add(-maxIdle)
	pruned := 0
	for k, b := range r.buckets {
		if b.lastUpdate.Before(cutoff) {
			delete(r.buckets, k)
			pruned++
		}
	}
	return pruned
}

// Len reports the current bucket count, mainly for tests and diagnostics.
func (r *RateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}
