package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/maschq/masc/internal/clock"
	"github.com/maschq/masc/internal/room"
	"github.com/maschq/masc/internal/session"
	"github.com/maschq/masc/internal/storage/filebackend"
)

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

func TestReapZombiesAfterThreshold(t *testing.T) {
	ctx := context.Background()
	e, fake := newTestSetup(t)

	_, err := e.Join(ctx, "agent-a", nil, nil)
	require.NoError(t, err)
	task, err := e.AddTask(ctx, "t1", "", 1, nil)
	require.NoError(t, err)
	_, err = e.Claim(ctx, "agent-a", task.TaskID)
	require.NoError(t, err)

	sup := New(e, fake, Config{ZombieThreshold: 300 * time.Second}, nil)

	fake.Advance(100 * time.Second)
	require.NoError(t, sup.reapZombies(ctx))
	agents, err := e.GetAgents(ctx)
	require.NoError(t, err)
	require.Equal(t, room.AgentBusy, agents[0].Status, "not yet past the zombie threshold")

	fake.Advance(300 * time.Second)
	require.NoError(t, sup.reapZombies(ctx))
	agents, err = e.GetAgents(ctx)
	require.NoError(t, err)
	require.Equal(t, room.AgentInactive, agents[0].Status)

	got, err := e.GetTasks(ctx)
	require.NoError(t, err)
	require.Equal(t, room.TaskTodo, got[0].Status, "claimed task must revert to Todo")
}

func TestSweepLocksEvictsExpired(t *testing.T) {
	ctx := context.Background()
	e, fake := newTestSetup(t)

	_, err := e.Lock(ctx, "agent-a", "src/main.go", 60)
	require.NoError(t, err)

	sup := New(e, fake, Config{}, nil)

	require.NoError(t, sup.sweepLocks(ctx))
	locks, err := e.GetLocks(ctx)
	require.NoError(t, err)
	require.Len(t, locks, 1, "lock not yet expired")

	fake.Advance(61 * time.Second)
	require.NoError(t, sup.sweepLocks(ctx))
	locks, err = e.GetLocks(ctx)
	require.NoError(t, err)
	require.Len(t, locks, 0)

	_, err = e.Lock(ctx, "agent-b", "src/main.go", 60)
	require.NoError(t, err, "resource must be lockable again after sweep")
}

func TestStartStopDrainsLoops(t *testing.T) {
	e, fake := newTestSetup(t)
	tokens := session.NewCancellationStore(fake)
	sup := New(e, fake, Config{CleanupInterval: 5 * time.Millisecond}, tokens)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	sup.Stop()
}
