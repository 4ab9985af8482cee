package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maschq/masc/internal/clock"
	masceerr "github.com/maschq/masc/internal/errors"
)

// AbortFunc is called when a token is cancelled or reaped: it should abort
// outstanding I/O, close spawned subprocesses, and release claims (spec §5).
type AbortFunc func()

// cancellationToken pairs an abort callback with its creation time, the
// only state the sweeper needs to decide eviction.
type cancellationToken struct {
	abort     AbortFunc
	createdAt time.Time
	cancelled bool
}

// CancellationStore is the in-memory table of outstanding cancellation
// tokens (spec §3), owned by the Gate and swept by a supervisor loop via
// SweepOlderThan.
type CancellationStore struct {
	mu     sync.Mutex
	clock  clock.Clock
	tokens map[string]*cancellationToken
}

// NewCancellationStore builds an empty store.
func NewCancellationStore(clk clock.Clock) *CancellationStore {
	return &CancellationStore{clock: clk, tokens: make(map[string]*cancellationToken)}
}

// New registers a fresh token with its abort callback, returning its id.
func (c *CancellationStore) New(abort AbortFunc) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := uuid.New().String()
	c.tokens[id] = &cancellationToken{abort: abort, createdAt: c.clock.Now()}
	return id
}

// Cancel invokes id's abort callback exactly once and marks it cancelled.
// Returns CancelledError if id doesn't exist (already reaped or unknown).
func (c *CancellationStore) Cancel(id string) error {
	c.mu.Lock()
	t, ok := c.tokens[id]
	c.mu.Unlock()
	if !ok {
		return &masceerr.CancelledError{Reason: "unknown cancellation token"}
	}

	c.mu.Lock()
	alreadyCancelled := t.cancelled
	t.cancelled = true
	c.mu.Unlock()

	if !alreadyCancelled && t.abort != nil {
		t.abort()
	}
	return nil
}

// Release drops id without invoking its abort callback (the normal path on
// successful command completion).
func (c *CancellationStore) Release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, id)
}

// SweepOlderThan evicts tokens created more than maxAge ago, invoking their
// abort callback first (spec §4.3: "Sweeps in-memory tokens older than
// max_age"). Implements supervisor.CancellationTokenStore.
func (c *CancellationStore) SweepOlderThan(ctx context.Context, maxAge time.Duration) int {
	c.mu.Lock()
	cutoff := c.clock.Now().Add(-maxAge)
	var stale []*cancellationToken
	for id, t := range c.tokens {
		if t.createdAt.Before(cutoff) {
			stale = append(stale, t)
			delete(c.tokens, id)
		}
	}
	c.mu.Unlock()

	for _, t := range stale {
		if !t.cancelled && t.abort != nil {
			t.abort()
		}
	}
	return len(stale)
}
