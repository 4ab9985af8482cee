// Package ws is the live streaming-client transport behind the Event
// Streaming Fabric's "streaming channel" (spec §4.5): a websocket adapter
// that attaches to a subscription and forwards matching events as JSON
// frames. Grounded on teranos-QNTX/server/server.go's Client/hub shape
// (register/unregister channels, one broadcast worker, atomic server
// state) and server/lifecycle.go's drain-then-stop shutdown, trimmed from
// a general-purpose graph-visualization hub down to one subscription per
// client.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/maschq/masc/internal/event"
	"github.com/maschq/masc/internal/logger"
	"github.com/maschq/masc/internal/streaming"
)

var errFullQueue = errors.New("client send queue full")

// State mirrors the teacher's ServerState atomic int32 (spec's
// "Graceful server states" supplement).
type State int32

const (
	StateRunning State = iota
	StateDraining
	StateStopped
)

// ShutdownTimeout bounds how long Stop waits for client writers to drain.
const ShutdownTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one attached websocket connection, forwarding one
// subscription's events.
type Client struct {
	id             string
	conn           *websocket.Conn
	send           chan []byte
	subscriptionID string
}

// Hub owns every live websocket client and the Fabric they attach to.
type Hub struct {
	fabric *streaming.Fabric

	mu      sync.Mutex
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	state atomic.Int32
}

// NewHub builds a Hub delivering events from fabric.
func NewHub(fabric *streaming.Fabric) *Hub {
	return &Hub{
		fabric:     fabric,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
	}
}

// Run starts the hub's register/unregister loop until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.state.Store(int32(StateRunning))

	for {
		select {
		case <-h.ctx.Done():
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		}
	}
}

// ServeHTTP upgrades the connection, subscribes it to the Fabric per the
// request's agent_filter and (repeatable) event_type query parameters, and pumps events to
// it until the client disconnects or the hub stops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if State(h.state.Load()) != StateRunning {
		http.Error(w, "server not accepting connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Logger.Warnw("websocket upgrade failed", "err", err)
		return
	}

	agentFilter := r.URL.Query().Get("agent_filter")
	types := parseEventTypes(r.URL.Query()["event_type"])
	subID := h.fabric.Subscribe(agentFilter, types)

	c := &Client{
		id:             subID,
		conn:           conn,
		send:           make(chan []byte, streaming.DefaultMaxPendingSends),
		subscriptionID: subID,
	}

	if err := h.fabric.Attach(subID, c.pushFunc(), streaming.DefaultMaxPendingSends); err != nil {
		logger.Logger.Warnw("failed to attach streaming client", "err", err)
		conn.Close()
		return
	}

	h.register <- c

	h.wg.Add(2)
	go h.writePump(c)
	go h.readPump(c)
}

func parseEventTypes(raw []string) []event.Type {
	if len(raw) == 0 {
		return []event.Type{event.TaskUpdate, event.Broadcast, event.Completion, event.Error}
	}
	out := make([]event.Type, 0, len(raw))
	for _, t := range raw {
		out = append(out, event.Type(t))
	}
	return out
}

// pushFunc adapts c into a streaming.SendFunc: encode and enqueue,
// non-blocking (a full channel is treated the same as a write failure).
func (c *Client) pushFunc() streaming.SendFunc {
	return func(e event.Event) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		select {
		case c.send <- data:
			return nil
		default:
			return errFullQueue
		}
	}
}

func (h *Hub) writePump(c *Client) {
	defer h.wg.Done()
	defer c.conn.Close()

	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// readPump reads and discards incoming frames until the connection closes
// (client messages, such as an unsubscribe request, are not acted on), then
// unregisters the client and unsubscribes it from the Fabric.
func (h *Hub) readPump(c *Client) {
	defer h.wg.Done()
	defer func() {
		h.unregister <- c
		if err := h.fabric.Unsubscribe(c.subscriptionID); err != nil {
			logger.Logger.Debugw("unsubscribe on disconnect", "subscription", c.subscriptionID, "err", err)
		}
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Stop transitions the hub to draining, closes all client connections, and
// waits up to ShutdownTimeout for writers/readers to exit (spec's drain-
// first shutdown decision).
func (h *Hub) Stop() {
	h.state.Store(int32(StateDraining))

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}

	if h.cancel != nil {
		h.cancel()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(ShutdownTimeout):
		logger.Logger.Warnw("websocket hub shutdown timed out, forcing exit")
	}

	h.state.Store(int32(StateStopped))
}
