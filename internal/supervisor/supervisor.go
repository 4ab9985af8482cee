// Package supervisor implements the three cooperative background GC loops
// (spec §4.3): zombie agent reaping, lock TTL sweeping, and cancellation
// token eviction. Each loop is its own goroutine, grounded on
// teranos-QNTX/pulse/async.WorkerPool's ctx+cancel+sync.WaitGroup shutdown
// discipline and teranos-QNTX/server/lifecycle.go's ticker-driven poll loop.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/maschq/masc/internal/clock"
	"github.com/maschq/masc/internal/logger"
	"github.com/maschq/masc/internal/room"
)

// Config tunes the three loops. Zero values fall back to the spec's
// defaults via WithDefaults.
type Config struct {
	CleanupInterval  time.Duration // default 60s
	ZombieThreshold  time.Duration // default 300s
	CancelTokenMaxAge time.Duration // default 1h
}

// WithDefaults fills any zero field with the spec's stated default.
func (c Config) WithDefaults() Config {
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 60 * time.Second
	}
	if c.ZombieThreshold <= 0 {
		c.ZombieThreshold = 300 * time.Second
	}
	if c.CancelTokenMaxAge <= 0 {
		c.CancelTokenMaxAge = time.Hour
	}
	return c
}

// CancellationTokenStore is the minimal surface the cancellation-token GC
// loop needs. The Gate owns the concrete store (spec §4.1's ownership
// table); the Supervisor only ever sweeps it.
type CancellationTokenStore interface {
	SweepOlderThan(ctx context.Context, maxAge time.Duration) (evicted int)
}

// Supervisor owns the three GC loops over one room Engine.
type Supervisor struct {
	engine *room.Engine
	clock  clock.Clock
	cfg    Config
	tokens CancellationTokenStore

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Supervisor. tokens may be nil, in which case the
// cancellation-token GC loop is skipped (useful for adapters that manage
// their own token lifetime).
func New(engine *room.Engine, clk clock.Clock, cfg Config, tokens CancellationTokenStore) *Supervisor {
	return &Supervisor{
		engine: engine,
		clock:  clk,
		cfg:    cfg.WithDefaults(),
		tokens: tokens,
	}
}

// Start launches all three loops. Safe to call once; call Stop before
// reusing the Supervisor.
func (s *Supervisor) Start(parent context.Context) {
	s.ctx, s.cancel = context.WithCancel(parent)

	s.wg.Add(1)
	go s.runLoop("zombie-gc", s.reapZombies)

	s.wg.Add(1)
	go s.runLoop("lock-sweeper", s.sweepLocks)

	if s.tokens != nil {
		s.wg.Add(1)
		go s.runLoop("cancel-token-gc", s.sweepCancelTokens)
	}
}

// Stop cancels every loop and blocks until each has flushed its in-flight
// action and exited (spec §4.3: "cancellation-aware: on shutdown it flushes
// any in-flight action before exiting").
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// runLoop runs tick on a CleanupInterval ticker until the supervisor's
// context is cancelled, with exponential backoff (capped) after an error.
func (s *Supervisor) runLoop(name string, tick func(ctx context.Context) error) {
	defer s.wg.Done()

	interval := s.cfg.CleanupInterval
	backoff := interval
	const maxBackoff = 10 * time.Minute

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := tick(s.ctx); err != nil {
				logger.Logger.Warnw("supervisor loop tick failed", "loop", name, "err", err)
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				ticker.Reset(backoff)
				continue
			}
			if backoff != interval {
				backoff = interval
				ticker.Reset(interval)
			}
		}
	}
}
