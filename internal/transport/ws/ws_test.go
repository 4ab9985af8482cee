package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/maschq/masc/internal/clock"
	"github.com/maschq/masc/internal/event"
	"github.com/maschq/masc/internal/streaming"
)

func TestHubDeliversMatchingEventToClient(t *testing.T) {
	fabric := streaming.New(clock.NewFake(time.Now()))
	hub := NewHub(fabric)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)
	time.Sleep(5 * time.Millisecond)

	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?event_type=broadcast"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(10 * time.Millisecond) // let the server-side registration land
	fabric.Notify(event.Event{Type: event.Broadcast, Agent: "agent-a", Data: "hello"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(msg), "hello")
	require.Contains(t, string(msg), "agent-a")
}

func TestHubStopClosesClients(t *testing.T) {
	fabric := streaming.New(clock.NewFake(time.Now()))
	hub := NewHub(fabric)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)
	time.Sleep(5 * time.Millisecond)

	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?event_type=broadcast"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(10 * time.Millisecond)
	hub.Stop()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err, "connection must be closed once the hub drains")
}
