// Package event defines the wire shape the Room State Engine emits after
// every state transition (spec §4.5) and the Notifier seam the engine calls
// into, without the engine needing to depend on the Event Streaming Fabric
// package itself.
package event

import "time"

// Type is one of the four event kinds the Streaming Fabric filters on.
type Type string

const (
	TaskUpdate Type = "task_update"
	Broadcast  Type = "broadcast"
	Completion Type = "completion"
	Error      Type = "error"
)

// Event is the domain event shape (spec §4.5): "{ event_type, agent, data
// (opaque JSON), timestamp }".
type Event struct {
	Type      Type      `json:"event_type"`
	Agent     string    `json:"agent"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier receives every event the Room State Engine produces. The
// Streaming Fabric implements this; tests may use a no-op or recording stub.
type Notifier interface {
	Notify(e Event)
}

// NopNotifier discards every event; used where no Streaming Fabric is wired
// (e.g. a bare Engine in a unit test).
type NopNotifier struct{}

func (NopNotifier) Notify(Event) {}
