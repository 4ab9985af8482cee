package room

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/maschq/masc/internal/audit"
	"github.com/maschq/masc/internal/clock"
	masceerr "github.com/maschq/masc/internal/errors"
	"github.com/maschq/masc/internal/event"
	"github.com/maschq/masc/internal/storage"
)

// Engine is the Room State Engine (spec §4.1): authoritative mutations over
// the data model, backed by a pluggable storage.Backend, with per-resource
// ordering and change notifications fanned out through a Notifier.
//
// Engine holds no global mutable tables: every instance is handed its
// Backend, Clock and Notifier explicitly so tests get hermetic instances
// (spec §9, "Replacing global mutable tables").
type Engine struct {
	backend  storage.Backend
	clock    clock.Clock
	notifier event.Notifier
	basePath string
	audit    *audit.Log

	// mu serializes the multi-key commands (claim, done, ...) that touch
	// more than one entity; single-key reads/writes go straight to the
	// backend, which itself serializes same-key writes via CAS (spec §4.2
	// dispatch ordering: "mutations to disjoint entities may run in
	// parallel" — our one-mutex realization is the simplest admissible one
	// the spec names, favoring correctness over the partitioned variant).
	mu sync.Mutex
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithNotifier wires a Notifier (normally the Streaming Fabric) that
// receives every event the engine produces.
func WithNotifier(n event.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithAuditLog wires the append-only audit.jsonl writer.
func WithAuditLog(a *audit.Log) Option {
	return func(e *Engine) { e.audit = a }
}

// New constructs an Engine over backend, rooted at basePath (used to
// validate lock resources never escape it).
func New(backend storage.Backend, clk clock.Clock, basePath string, opts ...Option) *Engine {
	e := &Engine{
		backend:  backend,
		clock:    clk,
		notifier: event.NopNotifier{},
		basePath: basePath,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) notify(typ event.Type, agent string, data any) {
	e.notifier.Notify(event.Event{
		Type:      typ,
		Agent:     agent,
		Data:      data,
		Timestamp: e.clock.Now(),
	})
}

func (e *Engine) auditf(kind, detail string) {
	if e.audit != nil {
		e.audit.Append(audit.Event{Kind: kind, Detail: detail, At: e.clock.Now()})
	}
}

// getRoom reads the persisted Room record, returning NotInitialized if init
// was never called.
func (e *Engine) getRoom(ctx context.Context) (*Room, error) {
	data, ok, err := e.backend.Get(ctx, keyRoomState)
	if err != nil {
		return nil, masceerr.NewIoError("read room state", err)
	}
	if !ok {
		return nil, &masceerr.NotInitializedError{}
	}
	var r Room
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, masceerr.NewBackendError("corrupt room state", err)
	}
	return &r, nil
}

func (e *Engine) putRoom(ctx context.Context, r *Room) error {
	data, err := json.Marshal(r)
	if err != nil {
		return masceerr.NewInternalError("marshal room state", err)
	}
	if err := e.backend.Put(ctx, keyRoomState, data); err != nil {
		return masceerr.NewIoError("write room state", err)
	}
	return nil
}

// Init sets up the room, or returns the existing one if init was already
// called for this basePath (idempotent, matching spec §4.1's "init is safe
// to call more than once").
func (e *Engine) Init(ctx context.Context, projectName string) (*Room, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if data, ok, err := e.backend.Get(ctx, keyRoomState); err != nil {
		return nil, masceerr.NewIoError("read room state", err)
	} else if ok {
		var existing Room
		if err := json.Unmarshal(data, &existing); err == nil {
			return &existing, nil
		}
	}

	r := &Room{
		ProtocolVersion: ProtocolVersion,
		ProjectName:     projectName,
		StartedAt:       e.clock.Now(),
		MessageSeq:      0,
		ActiveAgents:    []string{},
	}
	if err := e.putRoom(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Reset wipes all persisted entities and re-initializes the room. It is a
// destructive operator command, not part of the steady-state command surface.
func (e *Engine) Reset(ctx context.Context, projectName string) (*Room, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, prefix := range []string{"agents/", "tasks/", "messages/", "locks/", "votes/", "portals/"} {
		keys, err := e.backend.List(ctx, prefix)
		if err != nil {
			return nil, masceerr.NewIoError("list keys for reset", err)
		}
		for _, k := range keys {
			if _, err := e.backend.Delete(ctx, k); err != nil {
				return nil, masceerr.NewIoError("delete key during reset", err)
			}
		}
	}

	r := &Room{
		ProtocolVersion: ProtocolVersion,
		ProjectName:     projectName,
		StartedAt:       e.clock.Now(),
		MessageSeq:      0,
		ActiveAgents:    []string{},
	}
	if err := e.putRoom(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Join registers (or re-activates) an agent.
func (e *Engine) Join(ctx context.Context, name string, capabilities []string, meta map[string]any) (*Agent, error) {
	if err := validateAgentName(name); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	room, err := e.getRoom(ctx)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	existing, err := e.getAgent(ctx, name)
	var ag *Agent
	if err == nil {
		existing.Status = AgentActive
		existing.LastSeen = now
		if capabilities != nil {
			existing.Capabilities = capabilities
		}
		if meta != nil {
			existing.Meta = meta
		}
		ag = existing
	} else {
		ag = &Agent{
			Name:         name,
			Status:       AgentActive,
			Capabilities: capabilities,
			JoinedAt:     now,
			LastSeen:     now,
			Meta:         meta,
		}
	}
	if err := e.putAgent(ctx, ag); err != nil {
		return nil, err
	}

	found := false
	for _, a := range room.ActiveAgents {
		if a == name {
			found = true
			break
		}
	}
	if !found {
		room.ActiveAgents = append(room.ActiveAgents, name)
		if err := e.putRoom(ctx, room); err != nil {
			return nil, err
		}
	}

	e.auditf("AgentJoined", name)
	e.notify(event.TaskUpdate, name, map[string]string{"kind": "agent_joined"})
	return ag, nil
}

// Leave marks an agent inactive and releases its locks/claims, the same
// effect the zombie GC produces for a crashed agent (spec §4.3), but
// explicit and immediate.
func (e *Engine) Leave(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ag, err := e.getAgent(ctx, name)
	if err != nil {
		return err
	}
	if err := e.releaseAgentResourcesLocked(ctx, ag, "left"); err != nil {
		return err
	}
	ag.Status = AgentInactive
	ag.LastSeen = e.clock.Now()
	if err := e.putAgent(ctx, ag); err != nil {
		return err
	}
	e.auditf("AgentLeft", name+" reason=explicit")
	e.notify(event.TaskUpdate, name, map[string]string{"kind": "agent_left"})
	return nil
}

// Heartbeat bumps an agent's last_seen, the only per-command mutation the
// zombie GC cares about.
func (e *Engine) Heartbeat(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ag, err := e.getAgent(ctx, name)
	if err != nil {
		return err
	}
	ag.LastSeen = e.clock.Now()
	return e.putAgent(ctx, ag)
}

func (e *Engine) getAgent(ctx context.Context, name string) (*Agent, error) {
	data, ok, err := e.backend.Get(ctx, agentKey(name))
	if err != nil {
		return nil, masceerr.NewIoError("read agent record", err)
	}
	if !ok {
		return nil, &masceerr.AgentNotFoundError{Name: name}
	}
	var a Agent
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, masceerr.NewBackendError("corrupt agent record", err)
	}
	return &a, nil
}

func (e *Engine) putAgent(ctx context.Context, a *Agent) error {
	data, err := json.Marshal(a)
	if err != nil {
		return masceerr.NewInternalError("marshal agent record", err)
	}
	if err := e.backend.Put(ctx, agentKey(a.Name), data); err != nil {
		return masceerr.NewIoError("write agent record", err)
	}
	return nil
}

// ReapZombie performs the zombie agent GC's per-agent steps (spec §4.3):
// release any locks the agent owns, revert its claimed task to Todo, and
// mark it inactive. Unlike Leave, this is driven by the supervisor rather
// than an explicit client call, and audits with reason "zombie".
func (e *Engine) ReapZombie(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ag, err := e.getAgent(ctx, name)
	if err != nil {
		return err
	}
	if err := e.releaseAgentResourcesLocked(ctx, ag, "zombie"); err != nil {
		return err
	}
	ag.Status = AgentInactive
	if err := e.putAgent(ctx, ag); err != nil {
		return err
	}
	e.auditf("AgentReaped", name+" reason=zombie")
	e.notify(event.TaskUpdate, name, map[string]string{"kind": "agent_reaped"})
	return nil
}

// GetAgents is a derived read API (spec §4.1.5): a snapshot of every known
// agent, sorted by name for stable pagination.
func (e *Engine) GetAgents(ctx context.Context) ([]Agent, error) {
	keys, err := e.backend.List(ctx, "agents/")
	if err != nil {
		return nil, masceerr.NewIoError("list agent keys", err)
	}
	agents := make([]Agent, 0, len(keys))
	for _, k := range keys {
		data, ok, err := e.backend.Get(ctx, k)
		if err != nil {
			return nil, masceerr.NewIoError("read agent record", err)
		}
		if !ok {
			continue
		}
		var a Agent
		if err := json.Unmarshal(data, &a); err != nil {
			continue
		}
		agents = append(agents, a)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })
	return agents, nil
}

// Status is the summary payload for the `status` command.
type Status struct {
	Room       Room   `json:"room"`
	AgentCount int    `json:"agent_count"`
	TaskCount  int    `json:"task_count"`
	OpenTasks  int    `json:"open_tasks"`
	MessageSeq uint64 `json:"message_seq"`
}

// GetStatus is a derived read API (spec §4.1.5).
func (e *Engine) GetStatus(ctx context.Context) (*Status, error) {
	room, err := e.getRoom(ctx)
	if err != nil {
		return nil, err
	}
	agents, err := e.GetAgents(ctx)
	if err != nil {
		return nil, err
	}
	tasks, err := e.GetTasks(ctx)
	if err != nil {
		return nil, err
	}
	open := 0
	for _, t := range tasks {
		if t.Status == TaskTodo || t.Status == TaskClaimed || t.Status == TaskInProgress {
			open++
		}
	}
	return &Status{
		Room:       *room,
		AgentCount: len(agents),
		TaskCount:  len(tasks),
		OpenTasks:  open,
		MessageSeq: room.MessageSeq,
	}, nil
}

// releaseAgentResourcesLocked reverts any Claimed/InProgress task owned by
// ag back to Todo and releases any locks ag holds. Caller must hold e.mu.
// Shared by Leave and the zombie supervisor (spec §4.3 step 1-2).
func (e *Engine) releaseAgentResourcesLocked(ctx context.Context, ag *Agent, reason string) error {
	if ag.CurrentTask != nil {
		t, err := e.getTask(ctx, *ag.CurrentTask)
		if err == nil && (t.Status == TaskClaimed || t.Status == TaskInProgress) && t.Assignee == ag.Name {
			t.Status = TaskTodo
			t.Assignee = ""
			t.ClaimedAt = nil
			t.StartedAt = nil
			if err := e.putTask(ctx, t); err != nil {
				return err
			}
			e.auditf("TaskReverted", t.TaskID+" reason="+reason)
			e.notify(event.TaskUpdate, ag.Name, map[string]string{"task_id": t.TaskID, "kind": "reverted_to_todo"})
		}
		ag.CurrentTask = nil
	}

	lockKeys, err := e.backend.List(ctx, "locks/")
	if err != nil {
		return masceerr.NewIoError("release lock during agent cleanup", err)
	}
	for _, k := range lockKeys {
		data, ok, err := e.backend.Get(ctx, k)
		if err != nil || !ok {
			continue
		}
		var l Lock
		if json.Unmarshal(data, &l) != nil || l.Owner != ag.Name {
			continue
		}
		if _, err := e.backend.Delete(ctx, k); err == nil {
			e.backend.ReleaseLock(ctx, lockKeyForBackend(l.Resource), ag.Name)
			e.auditf("FileUnlocked", l.Resource+" reason="+reason)
		}
	}
	return nil
}

// lockKeyForBackend is the CAS-primitive key, distinct from the persisted
// Lock entity's storage key, to keep the two concerns (durable record vs.
// in-process CAS) independently addressable.
func lockKeyForBackend(resource string) string { return "lockcas/" + escapeResource(resource) }
