package streaming

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/maschq/masc/internal/clock"
	masceerr "github.com/maschq/masc/internal/errors"
	"github.com/maschq/masc/internal/event"
)

func newTestFabric() (*Fabric, *clock.Fake) {
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(fake), fake
}

func TestSubscribeUnsubscribeFreshID(t *testing.T) {
	f, _ := newTestFabric()
	id1 := f.Subscribe("", []event.Type{event.Broadcast})
	require.NoError(t, f.Unsubscribe(id1))

	id2 := f.Subscribe("", []event.Type{event.Broadcast})
	require.NotEqual(t, id1, id2)

	events, err := f.Poll(id2, true)
	require.NoError(t, err)
	require.Empty(t, events, "no events from before the second subscribe are delivered")
}

func TestUnsubscribeUnknownReturnsNotFound(t *testing.T) {
	f, _ := newTestFabric()
	err := f.Unsubscribe("does-not-exist")
	var notFound *masceerr.SubscriptionNotFoundError
	require.ErrorAs(t, err, &notFound)
}

// TestNotifyFiltersByAgentAndType is the filter-match half of spec §4.5's
// notify algorithm: agent_filter and event_types must both pass.
func TestNotifyFiltersByAgentAndType(t *testing.T) {
	f, _ := newTestFabric()
	id := f.Subscribe("agent-a", []event.Type{event.TaskUpdate})

	f.Notify(event.Event{Type: event.Broadcast, Agent: "agent-a"})  // wrong type
	f.Notify(event.Event{Type: event.TaskUpdate, Agent: "agent-b"}) // wrong agent
	f.Notify(event.Event{Type: event.TaskUpdate, Agent: "agent-a"}) // matches

	events, err := f.Poll(id, false)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "agent-a", events[0].Agent)
}

func TestNotifyWildcardAgentFilterMatchesAny(t *testing.T) {
	f, _ := newTestFabric()
	id := f.Subscribe("*", []event.Type{event.Completion})

	f.Notify(event.Event{Type: event.Completion, Agent: "agent-a"})
	f.Notify(event.Event{Type: event.Completion, Agent: "agent-b"})

	events, err := f.Poll(id, true)
	require.NoError(t, err)
	require.Len(t, events, 2)
}

// TestBufferEvictsOldestOnOverflow is scenario S3: 150 notifies against a
// subscription filtered on broadcast, expecting the buffer to hold exactly
// the last 100 by timestamp.
func TestBufferEvictsOldestOnOverflow(t *testing.T) {
	f, _ := newTestFabric()
	id := f.Subscribe("", []event.Type{event.Broadcast})

	for i := 0; i < 150; i++ {
		f.Notify(event.Event{Type: event.Broadcast, Agent: "a", Data: i})
	}

	events, err := f.Poll(id, true)
	require.NoError(t, err)
	require.Len(t, events, MaxBufferedEvents)
	require.Equal(t, 50, events[0].Data, "oldest 50 must have been evicted")
	require.Equal(t, 149, events[len(events)-1].Data)

	again, err := f.Poll(id, true)
	require.NoError(t, err)
	require.Empty(t, again, "clear=true must empty the buffer")
}

func TestPollWithoutClearLeavesBufferIntact(t *testing.T) {
	f, _ := newTestFabric()
	id := f.Subscribe("", []event.Type{event.Error})
	f.Notify(event.Event{Type: event.Error, Agent: "a"})

	first, err := f.Poll(id, false)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := f.Poll(id, false)
	require.NoError(t, err)
	require.Len(t, second, 1, "poll without clear must not drain the buffer")
}

// TestAttachedClientReceivesPush exercises the streaming-channel delivery
// path alongside the buffer append.
func TestAttachedClientReceivesPush(t *testing.T) {
	f, _ := newTestFabric()
	id := f.Subscribe("", []event.Type{event.Broadcast})

	var mu sync.Mutex
	var received []event.Event
	require.NoError(t, f.Attach(id, func(e event.Event) error {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
		return nil
	}, 0))

	f.Notify(event.Event{Type: event.Broadcast, Agent: "a"})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
}

// TestClientDetachedOnSendFailure is spec §4.5's "on push failure the
// client is considered unhealthy and removed" — the subscription itself
// must survive (still pollable), only its streaming channel is dropped.
func TestClientDetachedOnSendFailure(t *testing.T) {
	f, _ := newTestFabric()
	id := f.Subscribe("", []event.Type{event.Broadcast})
	require.NoError(t, f.Attach(id, func(event.Event) error {
		return errors.New("write: broken pipe")
	}, 0))

	f.Notify(event.Event{Type: event.Broadcast, Agent: "a"})

	infos := f.List()
	require.Len(t, infos, 1)
	require.False(t, infos[0].Attached, "failed send must detach the client")
	require.Equal(t, 1, infos[0].Buffered, "the buffer append still happens regardless of client health")
}

// TestClientDetachedOnPendingSendsExceeded is the max_pending_sends
// backpressure path: a send that never returns (simulated by blocking
// until released) must not let a second concurrent notify pile past the
// limit without tripping detachment.
func TestClientDetachedOnPendingSendsExceeded(t *testing.T) {
	f, _ := newTestFabric()
	id := f.Subscribe("", []event.Type{event.Broadcast})

	block := make(chan struct{})
	started := make(chan struct{}, 1)
	require.NoError(t, f.Attach(id, func(event.Event) error {
		started <- struct{}{}
		<-block
		return nil
	}, 1))

	go f.Notify(event.Event{Type: event.Broadcast, Agent: "a"})
	<-started // first send is now in flight, holding pending=1

	f.Notify(event.Event{Type: event.Broadcast, Agent: "a"}) // must trip the limit, not block

	infos := f.List()
	require.Len(t, infos, 1)
	require.False(t, infos[0].Attached, "exceeding max_pending_sends must detach the client")

	close(block)
}
