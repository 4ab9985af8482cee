package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/maschq/masc/internal/clock"
	masceerr "github.com/maschq/masc/internal/errors"
)

func newTestGate(t *testing.T) *Gate {
	t.Helper()
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	g, err := New(fake, Config{
		TokenTTL:             time.Hour,
		RateLimitPerSecond:   10,
		RateLimitBurst:       10,
		IdempotencyWindow:    time.Minute,
		IdempotencyCacheSize: 128,
	})
	require.NoError(t, err)
	return g
}

func TestSessionBindResolveEnd(t *testing.T) {
	g := newTestGate(t)

	g.BindSession("mcp_abc", "agent-a")
	agent, ok := g.ResolveSession("mcp_abc")
	require.True(t, ok)
	require.Equal(t, "agent-a", agent)

	g.EndSession("mcp_abc")
	_, ok = g.ResolveSession("mcp_abc")
	require.False(t, ok)
}

func TestAuthorizeIsNoopWhenAuthDisabled(t *testing.T) {
	g := newTestGate(t)
	require.NoError(t, g.Authorize("agent-a", RoleWorker, CanInit))
}

func TestAuthorizeEnforcesPermissionsWhenEnabled(t *testing.T) {
	g := newTestGate(t)
	_, err := g.Auth().Enable()
	require.NoError(t, err)

	err = g.Authorize("agent-a", RoleWorker, CanInit)
	require.Error(t, err)
	var forbidden *masceerr.ForbiddenError
	require.ErrorAs(t, err, &forbidden)

	require.NoError(t, g.Authorize("agent-a", RoleAdmin, CanInit))
}

func TestDispatchRetriesRetryableErrorsThenSucceeds(t *testing.T) {
	g := newTestGate(t)

	attempts := 0
	result, err := g.Dispatch(context.Background(), "", func(ctx context.Context) (any, error) {
		attempts++
		if attempts < 2 {
			return nil, &masceerr.IoError{Detail: "transient"}
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", result)
	require.Equal(t, 2, attempts)
}

func TestDispatchDoesNotRetryNonRetryableErrors(t *testing.T) {
	g := newTestGate(t)

	attempts := 0
	_, err := g.Dispatch(context.Background(), "", func(ctx context.Context) (any, error) {
		attempts++
		return nil, &masceerr.TaskNotFoundError{ID: "task-1"}
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestDispatchConvertsPanicToInternalError(t *testing.T) {
	g := newTestGate(t)

	_, err := g.Dispatch(context.Background(), "", func(ctx context.Context) (any, error) {
		panic("boom")
	})
	require.Error(t, err)
	var internal *masceerr.InternalError
	require.ErrorAs(t, err, &internal)
}

func TestDispatchIdempotencyReturnsCachedResponse(t *testing.T) {
	g := newTestGate(t)

	calls := 0
	run := func(ctx context.Context) (any, error) {
		calls++
		return calls, nil
	}

	r1, err := g.Dispatch(context.Background(), "key-1", run)
	require.NoError(t, err)
	r2, err := g.Dispatch(context.Background(), "key-1", run)
	require.NoError(t, err)

	require.Equal(t, r1, r2)
	require.Equal(t, 1, calls, "second dispatch with the same key must not re-execute")
}
