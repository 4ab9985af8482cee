package room

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/maschq/masc/internal/clock"
	masceerr "github.com/maschq/masc/internal/errors"
	"github.com/maschq/masc/internal/storage/filebackend"
)

func newTestEngine(t *testing.T) (*Engine, *clock.Fake) {
	t.Helper()
	dir := t.TempDir()
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	backend, err := filebackend.New(dir, false, fake)
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	e := New(backend, fake, dir)
	_, err = e.Init(context.Background(), "test-project")
	require.NoError(t, err)
	return e, fake
}

func TestInitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	r1, err := e.Init(ctx, "renamed")
	require.NoError(t, err)
	require.Equal(t, "test-project", r1.ProjectName, "second init returns the original room untouched")
}

func TestJoinThenGetAgents(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	_, err := e.Join(ctx, "agent-a", []string{"go"}, nil)
	require.NoError(t, err)
	_, err = e.Join(ctx, "agent-b", nil, nil)
	require.NoError(t, err)

	agents, err := e.GetAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	require.Equal(t, "agent-a", agents[0].Name)
	require.Equal(t, "agent-b", agents[1].Name)
}

func TestJoinRejectsInvalidName(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	_, err := e.Join(ctx, "bad name!", nil, nil)
	require.Error(t, err)
	var schemaErr *masceerr.SchemaError
	require.ErrorAs(t, err, &schemaErr)
}

// TestClaimUniqueUnderContention is the S1 scenario: N agents race to claim
// the same task; exactly one wins and the rest see TaskClaimed.
func TestClaimUniqueUnderContention(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	task, err := e.AddTask(ctx, "contested", "", 3, nil)
	require.NoError(t, err)

	const agents = 10
	for i := 0; i < agents; i++ {
		_, err := e.Join(ctx, agentName(i), nil, nil)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	results := make([]error, agents)
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = e.Claim(ctx, agentName(i), task.TaskID)
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
			continue
		}
		var claimed *masceerr.TaskClaimedError
		require.ErrorAs(t, err, &claimed, "loser must see TaskClaimed, got %v", err)
	}
	require.Equal(t, 1, successes, "exactly one agent must win the claim")

	got, err := e.getTask(ctx, task.TaskID)
	require.NoError(t, err)
	require.Equal(t, TaskClaimed, got.Status)
}

func TestReleaseRequiresAssignee(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	_, err := e.Join(ctx, "agent-a", nil, nil)
	require.NoError(t, err)
	_, err = e.Join(ctx, "agent-b", nil, nil)
	require.NoError(t, err)

	task, err := e.AddTask(ctx, "t1", "", 1, nil)
	require.NoError(t, err)
	_, err = e.Claim(ctx, "agent-a", task.TaskID)
	require.NoError(t, err)

	_, err = e.Release(ctx, "agent-b", task.TaskID)
	require.Error(t, err)
	var notAssigned *masceerr.TaskNotAssignedToYouError
	require.ErrorAs(t, err, &notAssigned)

	_, err = e.Release(ctx, "agent-a", task.TaskID)
	require.NoError(t, err)
}

func TestDoneThenTerminalRejectsFurtherTransitions(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	_, err := e.Join(ctx, "agent-a", nil, nil)
	require.NoError(t, err)
	task, err := e.AddTask(ctx, "t1", "", 1, nil)
	require.NoError(t, err)
	_, err = e.Claim(ctx, "agent-a", task.TaskID)
	require.NoError(t, err)
	_, err = e.Done(ctx, "agent-a", task.TaskID, "finished")
	require.NoError(t, err)

	_, err = e.Release(ctx, "agent-a", task.TaskID)
	require.Error(t, err)
	var invalid *masceerr.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)

	_, err = e.CancelTask(ctx, "agent-a", task.TaskID, "too late")
	require.Error(t, err)
	require.ErrorAs(t, err, &invalid)
}

func TestLeaveRevertsClaimAndReleasesLocks(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	_, err := e.Join(ctx, "agent-a", nil, nil)
	require.NoError(t, err)
	task, err := e.AddTask(ctx, "t1", "", 1, nil)
	require.NoError(t, err)
	_, err = e.Claim(ctx, "agent-a", task.TaskID)
	require.NoError(t, err)
	_, err = e.Lock(ctx, "agent-a", "src/main.go", 60)
	require.NoError(t, err)

	require.NoError(t, e.Leave(ctx, "agent-a"))

	got, err := e.getTask(ctx, task.TaskID)
	require.NoError(t, err)
	require.Equal(t, TaskTodo, got.Status)
	require.Empty(t, got.Assignee)

	_, err = e.Lock(ctx, "agent-b", "src/main.go", 60)
	require.NoError(t, err, "lock must be free after owner left")
}

func agentName(i int) string {
	return "agent-" + strconv.FormatInt(int64(i), 10)
}
