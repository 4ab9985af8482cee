package session

import (
	"context"
	"sync"
	"time"

	"github.com/maschq/masc/internal/clock"
	masceerr "github.com/maschq/masc/internal/errors"
	"github.com/maschq/masc/internal/logger"
)

// DefaultRetryAttempts bounds how many times the Gate retries a Retryable
// error before surfacing it (spec §7: "MAY be retried up to three times").
const DefaultRetryAttempts = 3

// Gate is the Session & Auth Gate (spec §4.2): the single write path from
// adapters into the Room State Engine. It owns session->agent identity,
// token verification, per-key rate limiting, and idempotency de-duplication;
// it never touches room storage directly.
type Gate struct {
	mu       sync.RWMutex
	sessions map[string]string // session_id -> agent_name

	clock        clock.Clock
	auth         *AuthStore
	limiter      *RateLimiter
	idempotency  *IdempotencyCache
	cancellation *CancellationStore
}

// Config bundles the Gate's tunables, set from the top-level process config
// (spec §9's config surface: rate rate/burst, token TTL, idempotency window).
type Config struct {
	TokenTTL           time.Duration
	RateLimitPerSecond float64
	RateLimitBurst     int
	IdempotencyWindow  time.Duration
	IdempotencyCacheSize int
}

// New builds a Gate from cfg.
func New(clk clock.Clock, cfg Config) (*Gate, error) {
	idem, err := NewIdempotencyCache(clk, cfg.IdempotencyCacheSize, cfg.IdempotencyWindow)
	if err != nil {
		return nil, err
	}
	return &Gate{
		sessions:     make(map[string]string),
		clock:        clk,
		auth:         NewAuthStore(clk, cfg.TokenTTL),
		limiter:      NewRateLimiter(clk, cfg.RateLimitPerSecond, cfg.RateLimitBurst),
		idempotency:  idem,
		cancellation: NewCancellationStore(clk),
	}, nil
}

// Auth exposes the underlying AuthStore for admin-level calls
// (auth_enable/auth_create_token).
func (g *Gate) Auth() *AuthStore { return g.auth }

// Cancellation exposes the Gate's cancellation token table, so a supervisor
// loop can sweep it and callers can cancel an outstanding command by its
// token id (spec §5).
func (g *Gate) Cancellation() *CancellationStore { return g.cancellation }

// ResolveSession returns the agent bound to sessionID, or "" if none. HTTP/
// WebSocket adapters call this after reading the session header.
func (g *Gate) ResolveSession(sessionID string) (agentName string, ok bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	agentName, ok = g.sessions[sessionID]
	return agentName, ok
}

// BindSession associates sessionID with agentName, overwriting any prior
// binding (re-join is allowed).
func (g *Gate) BindSession(sessionID, agentName string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions[sessionID] = agentName
}

// EndSession drops a session's binding (on explicit leave or expiry).
func (g *Gate) EndSession(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessions, sessionID)
}

// NewSessionID mints a fresh session id. It does not bind it to an agent;
// BindSession does that.
func (g *Gate) NewSessionID() (string, error) {
	return GenerateID()
}

// Authorize checks that role grants perm, returning Forbidden if not. When
// auth is disabled, every permission is granted.
func (g *Gate) Authorize(agentName string, role Role, perm Permission) error {
	if !g.auth.Enabled() {
		return nil
	}
	if !HasPermission(role, perm) {
		return &masceerr.ForbiddenError{Agent: agentName, Action: string(perm)}
	}
	return nil
}

// RateLimit checks and consumes one token from key's bucket.
func (g *Gate) RateLimit(key string) error {
	return g.limiter.Allow(key)
}

// PruneRateLimiters evicts buckets idle for longer than maxIdle and returns
// how many it evicted. None of the supervisor loops calls it.
func (g *Gate) PruneRateLimiters(maxIdle time.Duration) int {
	return g.limiter.Prune(maxIdle)
}

// Handler is one dispatched command: it runs the actual Room State Engine
// call and returns its result or a typed domain error.
type Handler func(ctx context.Context) (any, error)

// Dispatch runs handler under the Gate's retry and panic-safety policy
// (spec §4.2/§7): Retryable errors (IoError/BackendError) are retried up to
// DefaultRetryAttempts times with exponential backoff; a recovered panic is
// converted to InternalError and never propagates to the caller. While
// handler runs, a cancellation token wrapping ctx is registered in the
// Gate's CancellationStore (spec §5), so a later Cancel(tokenID) call — or
// the supervisor's SweepOlderThan reaper — can abort it; the token is
// released once handler returns.
//
// idempotencyKey may be empty, meaning the command is not de-duplicated.
func (g *Gate) Dispatch(ctx context.Context, idempotencyKey string, handler Handler) (result any, err error) {
	if idempotencyKey != "" {
		if cached, found := g.idempotency.Get(idempotencyKey); found {
			return cached, nil
		}
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	tokenID := g.cancellation.New(cancel)
	defer g.cancellation.Release(tokenID)

	result, err = g.dispatchWithRetry(cancelCtx, handler)
	cancel()

	if err == nil && idempotencyKey != "" {
		g.idempotency.Put(idempotencyKey, result)
	}
	return result, err
}

func (g *Gate) dispatchWithRetry(ctx context.Context, handler Handler) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Logger.Errorw("command handler panicked", "recovered", r)
			err = masceerr.NewInternalError("panic recovered", masceerr.Newf("%v", r))
		}
	}()

	backoff := 10 * time.Millisecond
	for attempt := 0; attempt <= DefaultRetryAttempts; attempt++ {
		result, err = handler(ctx)
		if err == nil {
			return result, nil
		}
		retryable, ok := err.(masceerr.Retryable)
		if !ok || !retryable.Retryable() {
			return nil, err
		}
		if attempt == DefaultRetryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, err
}
