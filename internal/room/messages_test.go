package room

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBroadcastOrderingAndLimit(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	for i := 0; i < 5; i++ {
		_, err := e.Broadcast(ctx, "agent-a", "hello "+strconv.FormatInt(int64(i), 10), "", MsgBroadcast)
		require.NoError(t, err)
	}

	all, err := e.GetMessages(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, m := range all {
		require.Equal(t, uint64(i+1), m.Seq, "messages must come back in ascending seq order")
	}

	tail, err := e.GetMessages(ctx, 3, 0)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	require.Equal(t, uint64(4), tail[0].Seq)

	limited, err := e.GetMessages(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
}

// TestMessageSeqToleratesGaps is the S6 scenario: a seq is burned by
// AtomicInc without a corresponding message ever landing (simulating a
// crash between the counter bump and the put). Readers must not stall or
// error, they just see a non-contiguous seq run.
func TestMessageSeqToleratesGaps(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	_, err := e.Broadcast(ctx, "agent-a", "first", "", MsgBroadcast)
	require.NoError(t, err)

	// Burn seq 2 without ever writing messages/...00002 (simulated crash).
	_, err = e.backend.AtomicInc(ctx, keyMessageSeq, 1)
	require.NoError(t, err)

	_, err = e.Broadcast(ctx, "agent-a", "third", "", MsgBroadcast)
	require.NoError(t, err)

	got, err := e.GetMessages(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 2, "the burned seq never produces a message, but readers still succeed")
	require.Equal(t, uint64(1), got[0].Seq)
	require.Equal(t, uint64(3), got[1].Seq)
}

func TestSystemMessageHasNoFromAgent(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	m, err := e.SystemMessage(ctx, "room reset")
	require.NoError(t, err)
	require.Empty(t, m.FromAgent)
	require.Equal(t, MsgSystem, m.MsgType)
}
