package session

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/maschq/masc/internal/clock"
)

// idempotencyEntry is the cached prior response for a client-generated key,
// expiring after the window (spec §4.2: "a small LRU of (key -> prior
// response) for the last N minutes").
type idempotencyEntry struct {
	response any
	storedAt time.Time
}

// IdempotencyCache de-duplicates entity-creating commands (add_task,
// vote_create, portal_open) keyed by a client-supplied idempotency key.
type IdempotencyCache struct {
	mu     sync.Mutex
	clock  clock.Clock
	window time.Duration
	cache  *lru.Cache
}

// NewIdempotencyCache builds a cache holding up to size keys, each valid for
// window after it was stored.
func NewIdempotencyCache(clk clock.Clock, size int, window time.Duration) (*IdempotencyCache, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &IdempotencyCache{clock: clk, window: window, cache: c}, nil
}

// Get returns the cached response for key if it exists and is still within
// the window.
func (c *IdempotencyCache) Get(key string) (response any, found bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	entry := v.(*idempotencyEntry)
	if c.clock.Now().Sub(entry.storedAt) > c.window {
		c.cache.Remove(key)
		return nil, false
	}
	return entry.response, true
}

// Put stores response under key, valid for the next window.
func (c *IdempotencyCache) Put(key string, response any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Add(key, &idempotencyEntry{response: response, storedAt: c.clock.Now()})
}
