// Package walph implements the per-agent cooperative loop supervisor (spec
// §4.4): a loop that repeatedly claims the next task, dispatches it to an
// injected Executor, records the outcome, and stops on backlog drain, a
// STOP command, or max_iterations. Grounded on
// teranos-QNTX/pulse/async.WorkerPool's ctx+cancel+sync.WaitGroup shutdown
// discipline, generalized from "N workers pulling from one queue" down to
// "one cooperative loop per agent" and adding the condition-variable
// pause/resume the spec requires.
package walph

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/maschq/masc/internal/clock"
	masceerr "github.com/maschq/masc/internal/errors"
	"github.com/maschq/masc/internal/logger"
	"github.com/maschq/masc/internal/room"
)

// Executor dispatches one task's payload to an external planner/process
// (spec §9: "Replacing ad-hoc subprocess launches"). The core never shells
// out directly; tests substitute a deterministic fake.
type Executor interface {
	Run(ctx context.Context, prompt string, deadline time.Time) (success bool, output string, err error)
}

// State is the snapshot returned by Status (spec §3's Walph state).
type State struct {
	Agent      string `json:"agent"`
	Running    bool   `json:"running"`
	Paused     bool   `json:"paused"`
	Preset     string `json:"preset"`
	Iterations int    `json:"iterations"`
	Completed  int    `json:"completed"`
	StopReason string `json:"stop_reason,omitempty"`
}

// loopState is the mutable record behind one agent's loop: one mutex, one
// condition variable, exactly as spec §4.4 names them.
type loopState struct {
	mu   sync.Mutex
	cond *sync.Cond

	running       bool
	paused        bool
	stopRequested bool
	preset        string
	iterations    int
	maxIterations int
	completed     int
	stopReason    string
}

func newLoopState() *loopState {
	ls := &loopState{}
	ls.cond = sync.NewCond(&ls.mu)
	return ls
}

func (ls *loopState) snapshot(agent string) State {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return State{
		Agent:      agent,
		Running:    ls.running,
		Paused:     ls.paused,
		Preset:     ls.preset,
		Iterations: ls.iterations,
		Completed:  ls.completed,
		StopReason: ls.stopReason,
	}
}

// Supervisor manages every agent's Walph loop in one room (spec §4.4's
// per-(room,agent_name) keying, with `|` doubled in agent names to avoid
// separator collision preserved for parity even though our map key is a
// plain Go string, not a composed "room_path|agent" string — the doubling
// only matters for a serialized key, which this in-memory table never is).
type Supervisor struct {
	engine   *room.Engine
	clock    clock.Clock
	executor Executor

	mu     sync.Mutex
	states map[string]*loopState
}

// New builds a Walph Supervisor over engine, dispatching claimed tasks to
// executor.
func New(engine *room.Engine, clk clock.Clock, executor Executor) *Supervisor {
	return &Supervisor{
		engine:   engine,
		clock:    clk,
		executor: executor,
		states:   make(map[string]*loopState),
	}
}

func escapeAgentKey(agent string) string {
	return strings.ReplaceAll(agent, "|", "||")
}

// Start begins a loop for agent under preset, failing with WalphRunning if
// one is already running for this agent (spec §4.4: "atomic check-and-set
// under the state mutex").
func (s *Supervisor) Start(ctx context.Context, agent, preset string, maxIterations int) error {
	if agent == "" {
		return &masceerr.SchemaError{Detail: "agent name must not be empty"}
	}

	s.mu.Lock()
	ls, ok := s.states[escapeAgentKey(agent)]
	if !ok {
		ls = newLoopState()
		s.states[escapeAgentKey(agent)] = ls
	}
	s.mu.Unlock()

	ls.mu.Lock()
	if ls.running {
		ls.mu.Unlock()
		return &masceerr.WalphRunningError{Agent: agent}
	}
	ls.running = true
	ls.paused = false
	ls.stopRequested = false
	ls.preset = preset
	ls.iterations = 0
	ls.completed = 0
	ls.stopReason = ""
	ls.maxIterations = maxIterations
	ls.mu.Unlock()

	go s.run(ctx, agent, ls)
	return nil
}

// run is the loop body (spec §4.4's numbered steps), guaranteed to reset
// `running=false` on every exit path — return, panic, or cancellation —
// via the deferred release, the "guaranteed-release wrapper" the spec asks
// for (spec §4.4: "Zombie prevention").
func (s *Supervisor) run(ctx context.Context, agent string, ls *loopState) {
	defer func() {
		if r := recover(); r != nil {
			logger.Logger.Errorw("walph loop panicked", "agent", agent, "recovered", r)
		}
		ls.mu.Lock()
		ls.running = false
		ls.cond.Broadcast()
		ls.mu.Unlock()
	}()

	for {
		ls.mu.Lock()
		for ls.paused && !ls.stopRequested {
			ls.cond.Wait()
		}
		if ls.stopRequested {
			ls.stopReason = "stopped"
			ls.mu.Unlock()
			return
		}
		if ls.maxIterations > 0 && ls.iterations >= ls.maxIterations {
			ls.stopReason = "max_iterations reached"
			ls.mu.Unlock()
			return
		}
		ls.iterations++
		ls.mu.Unlock()

		select {
		case <-ctx.Done():
			ls.mu.Lock()
			ls.stopReason = "cancelled"
			ls.mu.Unlock()
			return
		default:
		}

		task, err := s.engine.ClaimNext(ctx, agent)
		if err != nil {
			var noTasks *masceerr.NoAvailableTasksError
			if masceerr.As(err, &noTasks) {
				ls.mu.Lock()
				ls.stopReason = "backlog drained"
				ls.mu.Unlock()
				return
			}
			logger.Logger.Warnw("walph claim_next failed", "agent", agent, "err", err)
			continue
		}

		if s.executor != nil {
			deadline := s.clock.Now().Add(300 * time.Second)
			success, output, err := s.executor.Run(ctx, task.Title, deadline)
			if err != nil || !success {
				s.engine.Broadcast(ctx, agent, "walph: task "+task.TaskID+" failed: "+errString(err), "", room.MsgSystem)
				continue
			}
			excerpt := output
			if len(excerpt) > 200 {
				excerpt = excerpt[:200]
			}
			if _, err := s.engine.Done(ctx, agent, task.TaskID, excerpt); err != nil {
				logger.Logger.Warnw("walph failed to mark task done", "agent", agent, "task", task.TaskID, "err", err)
				continue
			}
		}

		ls.mu.Lock()
		ls.completed++
		ls.mu.Unlock()

		s.engine.Broadcast(ctx, agent, "walph: completed "+task.TaskID, "", room.MsgSystem)
	}
}

func errString(err error) string {
	if err == nil {
		return "no success"
	}
	return err.Error()
}

// Stop requests a running loop to exit at its next cooperative checkpoint.
func (s *Supervisor) Stop(agent string) error {
	ls, err := s.get(agent)
	if err != nil {
		return err
	}
	ls.mu.Lock()
	ls.stopRequested = true
	ls.cond.Broadcast()
	ls.mu.Unlock()
	return nil
}

// Pause flips paused=true; the loop will block at its next checkpoint.
func (s *Supervisor) Pause(agent string) error {
	ls, err := s.get(agent)
	if err != nil {
		return err
	}
	ls.mu.Lock()
	ls.paused = true
	ls.mu.Unlock()
	return nil
}

// Resume flips paused=false and wakes the parked loop.
func (s *Supervisor) Resume(agent string) error {
	ls, err := s.get(agent)
	if err != nil {
		return err
	}
	ls.mu.Lock()
	ls.paused = false
	ls.cond.Broadcast()
	ls.mu.Unlock()
	return nil
}

// Status returns a snapshot of agent's loop state.
func (s *Supervisor) Status(agent string) (State, error) {
	ls, err := s.get(agent)
	if err != nil {
		return State{}, err
	}
	return ls.snapshot(agent), nil
}

// RemoveState deletes agent's loop state, refusing while it's running
// (spec §4.4: "Removal of state while running=true is refused").
func (s *Supervisor) RemoveState(agent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ls, ok := s.states[escapeAgentKey(agent)]
	if !ok {
		return &masceerr.WalphNotFoundError{Agent: agent}
	}
	ls.mu.Lock()
	running := ls.running
	ls.mu.Unlock()
	if running {
		return &masceerr.WalphRunningError{Agent: agent}
	}
	delete(s.states, escapeAgentKey(agent))
	return nil
}

func (s *Supervisor) get(agent string) (*loopState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls, ok := s.states[escapeAgentKey(agent)]
	if !ok {
		return nil, &masceerr.WalphNotFoundError{Agent: agent}
	}
	return ls, nil
}

// SwarmStatus returns every known agent's loop state (spec §4.4's
// `swarm status`), iterating the in-memory table under its mutex.
func (s *Supervisor) SwarmStatus() []State {
	s.mu.Lock()
	defer s.mu.Unlock()

	states := make([]State, 0, len(s.states))
	for agent, ls := range s.states {
		states = append(states, ls.snapshot(agent))
	}
	return states
}

// SwarmStop, SwarmPause, SwarmResume apply the matching single-agent
// operation to every known loop.
func (s *Supervisor) SwarmStop() {
	s.forEach(func(ls *loopState) {
		ls.mu.Lock()
		ls.stopRequested = true
		ls.cond.Broadcast()
		ls.mu.Unlock()
	})
}

func (s *Supervisor) SwarmPause() {
	s.forEach(func(ls *loopState) {
		ls.mu.Lock()
		ls.paused = true
		ls.mu.Unlock()
	})
}

func (s *Supervisor) SwarmResume() {
	s.forEach(func(ls *loopState) {
		ls.mu.Lock()
		ls.paused = false
		ls.cond.Broadcast()
		ls.mu.Unlock()
	})
}

func (s *Supervisor) forEach(fn func(*loopState)) {
	s.mu.Lock()
	states := make([]*loopState, 0, len(s.states))
	for _, ls := range s.states {
		states = append(states, ls)
	}
	s.mu.Unlock()

	for _, ls := range states {
		fn(ls)
	}
}
