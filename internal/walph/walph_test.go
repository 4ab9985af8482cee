package walph

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/maschq/masc/internal/clock"
	masceerr "github.com/maschq/masc/internal/errors"
	"github.com/maschq/masc/internal/room"
	"github.com/maschq/masc/internal/storage/filebackend"
)

type fakeExecutor struct {
	mu    sync.Mutex
	calls int

	// gate, if non-nil, is read once per Run call, letting a test pace
	// iterations one at a time instead of racing the loop to completion.
	gate chan struct{}
}

func (f *fakeExecutor) Run(ctx context.Context, prompt string, deadline time.Time) (bool, string, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return true, "done: " + prompt, nil
}

func newTestSetup(t *testing.T) (*room.Engine, *clock.Fake) {
	t.Helper()
	dir := t.TempDir()
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	backend, err := filebackend.New(dir, false, fake)
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	e := room.New(backend, fake, dir)
	_, err = e.Init(context.Background(), "test-project")
	require.NoError(t, err)
	return e, fake
}

func waitForStatus(t *testing.T, sup *Supervisor, agent string, want func(State) bool, timeout time.Duration) State {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		st, err := sup.Status(agent)
		require.NoError(t, err)
		if want(st) {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for walph status condition, last=%+v", st)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStartFailsWhileAlreadyRunning(t *testing.T) {
	e, fake := newTestSetup(t)
	_, err := e.Join(context.Background(), "agent-a", nil, nil)
	require.NoError(t, err)

	exec := &fakeExecutor{}
	sup := New(e, fake, exec)

	require.NoError(t, sup.Start(context.Background(), "agent-a", "default", 0))
	err = sup.Start(context.Background(), "agent-a", "default", 0)
	require.Error(t, err)
	var running *masceerr.WalphRunningError
	require.ErrorAs(t, err, &running)

	require.NoError(t, sup.Stop("agent-a"))
	waitForStatus(t, sup, "agent-a", func(s State) bool { return !s.Running }, time.Second)
}

func TestLoopStopsOnBacklogDrained(t *testing.T) {
	ctx := context.Background()
	e, fake := newTestSetup(t)
	_, err := e.Join(ctx, "agent-a", nil, nil)
	require.NoError(t, err)
	_, err = e.AddTask(ctx, "t1", "", 1, nil)
	require.NoError(t, err)

	exec := &fakeExecutor{}
	sup := New(e, fake, exec)

	require.NoError(t, sup.Start(ctx, "agent-a", "default", 0))
	st := waitForStatus(t, sup, "agent-a", func(s State) bool { return !s.Running }, time.Second)
	require.Equal(t, "backlog drained", st.StopReason)
	require.Equal(t, 1, st.Completed)
}

// TestPauseResumeCorrectness is the S5 scenario: pause after iteration 1,
// confirm no further claim_next calls happen, then resume and let it drain.
func TestPauseResumeCorrectness(t *testing.T) {
	ctx := context.Background()
	e, fake := newTestSetup(t)
	_, err := e.Join(ctx, "agent-a", nil, nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := e.AddTask(ctx, "t", "", 1, nil)
		require.NoError(t, err)
	}

	exec := &fakeExecutor{gate: make(chan struct{})}
	sup := New(e, fake, exec)

	require.NoError(t, sup.Start(ctx, "agent-a", "default", 5))
	exec.gate <- struct{}{} // let iteration 1 run to completion
	waitForStatus(t, sup, "agent-a", func(s State) bool { return s.Completed >= 1 }, time.Second)

	require.NoError(t, sup.Pause("agent-a"))
	time.Sleep(20 * time.Millisecond)
	st, err := sup.Status("agent-a")
	require.NoError(t, err)
	require.True(t, st.Running)
	require.True(t, st.Paused)
	completedAtPause := st.Completed

	time.Sleep(20 * time.Millisecond)
	st, err = sup.Status("agent-a")
	require.NoError(t, err)
	require.Equal(t, completedAtPause, st.Completed, "no further claim_next while paused")

	require.NoError(t, sup.Resume("agent-a"))
	for i := 0; i < 4; i++ {
		exec.gate <- struct{}{} // release remaining iterations one at a time
	}
	st = waitForStatus(t, sup, "agent-a", func(s State) bool { return !s.Running }, time.Second)
	require.LessOrEqual(t, st.Iterations, 5)
}

func TestRemoveStateRefusedWhileRunning(t *testing.T) {
	ctx := context.Background()
	e, fake := newTestSetup(t)
	_, err := e.Join(ctx, "agent-a", nil, nil)
	require.NoError(t, err)

	exec := &fakeExecutor{}
	sup := New(e, fake, exec)
	require.NoError(t, sup.Start(ctx, "agent-a", "default", 0))

	err = sup.RemoveState("agent-a")
	require.Error(t, err)
	var runningErr *masceerr.WalphRunningError
	require.ErrorAs(t, err, &runningErr)

	require.NoError(t, sup.Stop("agent-a"))
	waitForStatus(t, sup, "agent-a", func(s State) bool { return !s.Running }, time.Second)
	require.NoError(t, sup.RemoveState("agent-a"))
}

func TestSwarmStopStopsAllLoops(t *testing.T) {
	ctx := context.Background()
	e, fake := newTestSetup(t)
	for _, name := range []string{"agent-a", "agent-b"} {
		_, err := e.Join(ctx, name, nil, nil)
		require.NoError(t, err)
	}

	exec := &fakeExecutor{}
	sup := New(e, fake, exec)
	require.NoError(t, sup.Start(ctx, "agent-a", "default", 0))
	require.NoError(t, sup.Start(ctx, "agent-b", "default", 0))

	sup.SwarmStop()

	waitForStatus(t, sup, "agent-a", func(s State) bool { return !s.Running }, time.Second)
	waitForStatus(t, sup, "agent-b", func(s State) bool { return !s.Running }, time.Second)
}
