package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/maschq/masc/internal/clock"
	masceerr "github.com/maschq/masc/internal/errors"
)

func TestRateLimiterAllowsUpToBurstThenDenies(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	rl := NewRateLimiter(fake, 1, 3)

	for i := 0; i < 3; i++ {
		require.NoError(t, rl.Allow("agent-a"))
	}
	err := rl.Allow("agent-a")
	require.Error(t, err)
	var limited *masceerr.RateLimitedError
	require.ErrorAs(t, err, &limited)
}

func TestRateLimiterBucketsAreIndependentPerKey(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	rl := NewRateLimiter(fake, 1, 1)

	require.NoError(t, rl.Allow("agent-a"))
	require.Error(t, rl.Allow("agent-a"))
	require.NoError(t, rl.Allow("agent-b"), "a different key must have its own bucket")
}

func TestRateLimiterRefillsOverTime(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	rl := NewRateLimiter(fake, 1, 1)

	require.NoError(t, rl.Allow("agent-a"))
	require.Error(t, rl.Allow("agent-a"))

	fake.Advance(2 * time.Second)
	require.NoError(t, rl.Allow("agent-a"), "bucket refills after enough elapsed time")
}

func TestRateLimiterPrune(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	rl := NewRateLimiter(fake, 1, 1)

	require.NoError(t, rl.Allow("agent-a"))
	require.Equal(t, 1, rl.Len())

	fake.Advance(time.Hour)
	pruned := rl.Prune(time.Minute)
	require.Equal(t, 1, pruned)
	require.Equal(t, 0, rl.Len())
}
