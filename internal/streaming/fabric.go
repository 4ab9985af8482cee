// Package streaming implements the Event Streaming Fabric (spec §4.5): the
// subscription store, bounded per-subscription buffers, and best-effort
// delivery to live streaming clients with cooperative backpressure.
// Grounded on teranos-QNTX/server/broadcast.go's non-blocking
// select/default fan-out and server/storage_events.go's bounded
// poll/eviction shape, generalized from "one global client set" to
// "per-subscription filter + buffer" and from a single shared limit to a
// per-client pending_sends counter.
package streaming

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maschq/masc/internal/clock"
	masceerr "github.com/maschq/masc/internal/errors"
	"github.com/maschq/masc/internal/event"
	"github.com/maschq/masc/internal/logger"
)

// MaxBufferedEvents is the bounded deque capacity per subscription (spec
// §3: "buffer (bounded deque of at most MAX_BUFFERED_EVENTS = 100)").
const MaxBufferedEvents = 100

// DefaultMaxPendingSends is the per-client backpressure ceiling (spec
// §4.5: "a configurable max_pending_sends (default 100)").
const DefaultMaxPendingSends = 100

// SendFunc pushes one event to a live adapter (e.g. a websocket write).
// Returning an error marks the client unhealthy and removes it.
type SendFunc func(e event.Event) error

// client is an attached streaming channel: an adapter's send function plus
// its own pending-sends counter, protected by its own mutex (spec §4.5's
// "fixed acquisition order table → subscription → client").
type client struct {
	mu      sync.Mutex
	send    SendFunc
	pending int
	maxSend int
}

// subscription is one live subscriber: a filter and a bounded event
// buffer, each subscription guarded by its own mutex so polling one
// subscription never blocks notifying another.
type subscription struct {
	mu         sync.Mutex
	id         string
	agentFilt  string // "" or "*" means any agent
	eventTypes map[event.Type]bool
	createdAt  time.Time
	buffer     []event.Event
	client     *client
}

func (s *subscription) matches(e event.Event) bool {
	if s.agentFilt != "" && s.agentFilt != "*" && s.agentFilt != e.Agent {
		return false
	}
	return s.eventTypes[e.Type]
}

// Fabric is the subscription table (spec §4.5). It implements
// event.Notifier so the Room State Engine can be wired to it directly via
// room.WithNotifier.
type Fabric struct {
	clock clock.Clock

	mu   sync.Mutex
	subs map[string]*subscription
}

// New builds an empty Fabric.
func New(clk clock.Clock) *Fabric {
	return &Fabric{clock: clk, subs: make(map[string]*subscription)}
}

// Subscribe allocates a subscription_id and stores the filter tuple under
// the table mutex (spec §4.5). agentFilter of "" or "*" matches any agent.
func (f *Fabric) Subscribe(agentFilter string, eventTypes []event.Type) string {
	types := make(map[event.Type]bool, len(eventTypes))
	for _, t := range eventTypes {
		types[t] = true
	}

	sub := &subscription{
		id:         uuid.New().String(),
		agentFilt:  agentFilter,
		eventTypes: types,
		createdAt:  f.clock.Now(),
		buffer:     make([]event.Event, 0, MaxBufferedEvents),
	}

	f.mu.Lock()
	f.subs[sub.id] = sub
	f.mu.Unlock()
	return sub.id
}

// Notify is called by the Room State Engine after every state transition
// (spec §4.5). For each subscription whose filter matches, the event is
// appended to its bounded buffer (drop-oldest on overflow), then pushed to
// its attached streaming channel if any, best-effort.
func (f *Fabric) Notify(e event.Event) {
	f.mu.Lock()
	subs := make([]*subscription, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	for _, s := range subs {
		s.mu.Lock()
		if !s.matches(e) {
			s.mu.Unlock()
			continue
		}
		if len(s.buffer) >= MaxBufferedEvents {
			s.buffer = append(s.buffer[1:], e)
		} else {
			s.buffer = append(s.buffer, e)
		}
		c := s.client
		s.mu.Unlock()

		if c != nil {
			f.pushToClient(s.id, c, e)
		}
	}
}

// pushToClient delivers e to c's send function, non-blocking with respect
// to the caller (the send itself may block briefly inside the adapter, but
// a failure or over-limit pending count unconditionally detaches the
// client rather than stalling Notify).
func (f *Fabric) pushToClient(subID string, c *client, e event.Event) {
	c.mu.Lock()
	if c.pending >= c.maxSend {
		c.mu.Unlock()
		logger.Logger.Warnw("streaming client exceeded pending sends, detaching", "subscription", subID)
		f.detachClient(subID)
		return
	}
	c.pending++
	send := c.send
	c.mu.Unlock()

	err := send(e)

	c.mu.Lock()
	c.pending--
	c.mu.Unlock()

	if err != nil {
		logger.Logger.Warnw("streaming client send failed, detaching", "subscription", subID, "err", err)
		f.detachClient(subID)
	}
}

// Poll returns subscription_id's buffered events; when clear, the buffer is
// reset (spec §4.5: poll_events(subscription_id, clear=true)).
func (f *Fabric) Poll(subscriptionID string, clear bool) ([]event.Event, error) {
	s, err := f.get(subscriptionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Event, len(s.buffer))
	copy(out, s.buffer)
	if clear {
		s.buffer = s.buffer[:0]
	}
	return out, nil
}

// Attach wires a live streaming channel (adapter send function) to an
// existing subscription, with maxPendingSends <= 0 defaulting to
// DefaultMaxPendingSends.
func (f *Fabric) Attach(subscriptionID string, send SendFunc, maxPendingSends int) error {
	if maxPendingSends <= 0 {
		maxPendingSends = DefaultMaxPendingSends
	}
	s, err := f.get(subscriptionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.client = &client{send: send, maxSend: maxPendingSends}
	s.mu.Unlock()
	return nil
}

// detachClient removes subscriptionID's streaming channel without touching
// its buffer or filter (the subscription itself stays live for polling).
func (f *Fabric) detachClient(subscriptionID string) {
	f.mu.Lock()
	s, ok := f.subs[subscriptionID]
	f.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.client = nil
	s.mu.Unlock()
}

// Unsubscribe removes both the subscription record and its buffer (spec
// §4.5).
func (f *Fabric) Unsubscribe(subscriptionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[subscriptionID]; !ok {
		return &masceerr.SubscriptionNotFoundError{ID: subscriptionID}
	}
	delete(f.subs, subscriptionID)
	return nil
}

func (f *Fabric) get(subscriptionID string) (*subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subs[subscriptionID]
	if !ok {
		return nil, &masceerr.SubscriptionNotFoundError{ID: subscriptionID}
	}
	return s, nil
}

// Count returns the number of live subscriptions, used by status reporting
// and tests.
func (f *Fabric) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Info is a read-only snapshot of one subscription's metadata, used by the
// `status` command surface to report live subscriptions without exposing
// their buffers.
type Info struct {
	ID         string
	AgentFilt  string
	EventTypes []event.Type
	CreatedAt  time.Time
	Buffered   int
	Attached   bool
}

// List returns metadata for every live subscription, sorted by creation
// order.
func (f *Fabric) List() []Info {
	f.mu.Lock()
	subs := make([]*subscription, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	out := make([]Info, 0, len(subs))
	for _, s := range subs {
		s.mu.Lock()
		types := make([]event.Type, 0, len(s.eventTypes))
		for t := range s.eventTypes {
			types = append(types, t)
		}
		out = append(out, Info{
			ID:         s.id,
			AgentFilt:  s.agentFilt,
			EventTypes: types,
			CreatedAt:  s.createdAt,
			Buffered:   len(s.buffer),
			Attached:   s.client != nil,
		})
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
