// Package room implements the Room State Engine (spec §4.1): the
// authoritative, persisted coordination store for a single room — tasks,
// agents, messages, locks, votes, portals — built over a pluggable
// storage.Backend.
package room

import "time"

// AgentStatus is the lifecycle state of an Agent record (spec §3).
type AgentStatus string

const (
	AgentActive   AgentStatus = "active"
	AgentBusy     AgentStatus = "busy"
	AgentIdle     AgentStatus = "idle"
	AgentInactive AgentStatus = "inactive"
)

// Agent is a named external worker process (spec §3).
type Agent struct {
	Name         string         `json:"name"`
	Status       AgentStatus    `json:"status"`
	Capabilities []string       `json:"capabilities"`
	CurrentTask  *string        `json:"current_task,omitempty"`
	JoinedAt     time.Time      `json:"joined_at"`
	LastSeen     time.Time      `json:"last_seen"`
	Meta         map[string]any `json:"meta,omitempty"`
}

// MsgType distinguishes the three kinds of Message (spec §3).
type MsgType string

const (
	MsgBroadcast MsgType = "broadcast"
	MsgSystem    MsgType = "system"
	MsgPortal    MsgType = "portal"
)

// Message is one append-only entry on the room's global, monotonic seq
// (spec §4.1.3).
type Message struct {
	Seq       uint64    `json:"seq"`
	FromAgent string    `json:"from_agent"`
	MsgType   MsgType   `json:"msg_type"`
	Content   string    `json:"content"`
	Mention   string    `json:"mention,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Lock is a TTL'd, self-owned claim on a normalized resource path
// (spec §4.1.4).
type Lock struct {
	Resource   string    `json:"resource"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// VoteState is open|closed (spec §3).
type VoteState string

const (
	VoteOpen   VoteState = "open"
	VoteClosed VoteState = "closed"
)

// Vote is a room-wide ballot with one vote per agent (spec §3).
type Vote struct {
	VoteID        string            `json:"vote_id"`
	Proposer      string            `json:"proposer"`
	Topic         string            `json:"topic"`
	Options       []string          `json:"options"`
	RequiredVotes int               `json:"required_votes"`
	Ballots       map[string]string `json:"ballots"` // agent -> option
	State         VoteState         `json:"state"`
	Result        string            `json:"result,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// PortalMessage is one entry in a Portal's bounded deque.
type PortalMessage struct {
	From      string    `json:"from"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// MaxPortalMessages bounds a portal's message deque; oldest is evicted on
// overflow, the same drop-oldest policy as subscription buffers (spec §3).
const MaxPortalMessages = 200

// Portal is a private buffer between exactly two named agents, owned by one
// of them (spec §3): at most one open portal per owner at a time.
type Portal struct {
	Owner        string          `json:"owner"`
	Peer         string          `json:"peer"`
	Messages     []PortalMessage `json:"messages"`
	OpenedAt     time.Time       `json:"opened_at"`
	LastActivity time.Time       `json:"last_activity"`
}

// Room is the singleton per base_path (spec §3).
type Room struct {
	ProtocolVersion string    `json:"protocol_version"`
	ProjectName     string    `json:"project_name"`
	StartedAt       time.Time `json:"started_at"`
	MessageSeq      uint64    `json:"message_seq"`
	ActiveAgents    []string  `json:"active_agents"`
	Paused          bool      `json:"paused"`
	PauseReason     string    `json:"pause_reason,omitempty"`
	PausedBy        string    `json:"paused_by,omitempty"`
	PausedAt        time.Time `json:"paused_at,omitempty"`
}

// ProtocolVersion is the current wire/protocol version stamped on new rooms.
const ProtocolVersion = "1.0"
