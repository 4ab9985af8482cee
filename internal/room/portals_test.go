package room

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	masceerr "github.com/maschq/masc/internal/errors"
)

func TestPortalSendAndClose(t *testing.T) {
	ctx := context.Background()
	e, fake := newTestEngine(t)
	deadline := fake.Now().Add(time.Second)

	p, err := e.PortalOpen(ctx, "agent-a", "agent-b")
	require.NoError(t, err)
	require.Equal(t, "agent-b", p.Peer)

	p, err = e.PortalSend(ctx, "agent-a", "agent-b", "hi there", deadline)
	require.NoError(t, err)
	require.Len(t, p.Messages, 1)

	_, err = e.PortalSend(ctx, "agent-a", "agent-c", "not allowed", deadline)
	require.Error(t, err)
	var forbidden *masceerr.ForbiddenError
	require.ErrorAs(t, err, &forbidden)

	require.NoError(t, e.PortalClose(ctx, "agent-a"))
	_, err = e.PortalStatus(ctx, "agent-a")
	require.Error(t, err)
	var notFound *masceerr.PortalNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestPortalMessagesDropOldestOnOverflow(t *testing.T) {
	ctx := context.Background()
	e, fake := newTestEngine(t)
	deadline := fake.Now().Add(time.Second)

	_, err := e.PortalOpen(ctx, "agent-a", "agent-b")
	require.NoError(t, err)

	var last *Portal
	for i := 0; i < MaxPortalMessages+10; i++ {
		last, err = e.PortalSend(ctx, "agent-a", "agent-b", "msg", deadline)
		require.NoError(t, err)
	}
	require.Len(t, last.Messages, MaxPortalMessages)
}

func TestPortalSendWaitsThenTimesOutWhenNeverOpened(t *testing.T) {
	ctx := context.Background()
	e, fake := newTestEngine(t)
	deadline := fake.Now().Add(10 * time.Millisecond)

	_, err := e.PortalSend(ctx, "agent-a", "agent-b", "hi", deadline)
	require.Error(t, err)
	var timeout *masceerr.TimeoutError
	require.ErrorAs(t, err, &timeout)
}
