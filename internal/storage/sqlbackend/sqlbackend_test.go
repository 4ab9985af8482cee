package sqlbackend

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/maschq/masc/internal/clock"
	masceerr "github.com/maschq/masc/internal/errors"
)

func openTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := Open(":memory:", clock.NewFake(clock.Real{}.Now()))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestBackendPutGetDelete(t *testing.T) {
	ctx := context.Background()
	b := openTestBackend(t)

	_, ok, err := b.Get(ctx, "tasks/task-1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, b.Put(ctx, "tasks/task-1", []byte(`{"title":"t1"}`)))

	v, ok, err := b.Get(ctx, "tasks/task-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"title":"t1"}`, string(v))

	existed, err := b.Delete(ctx, "tasks/task-1")
	require.NoError(t, err)
	require.True(t, existed)

	existed, err = b.Delete(ctx, "tasks/task-1")
	require.NoError(t, err)
	require.False(t, existed, "delete is idempotent")
}

func TestBackendList(t *testing.T) {
	ctx := context.Background()
	b := openTestBackend(t)

	require.NoError(t, b.Put(ctx, "tasks/task-2", []byte("b")))
	require.NoError(t, b.Put(ctx, "tasks/task-1", []byte("a")))
	require.NoError(t, b.Put(ctx, "agents/a1", []byte("x")))

	keys, err := b.List(ctx, "tasks/")
	require.NoError(t, err)
	require.Equal(t, []string{"tasks/task-1", "tasks/task-2"}, keys)
}

func TestBackendAtomicIncIsLinearizable(t *testing.T) {
	ctx := context.Background()
	b := openTestBackend(t)

	const workers = 20
	done := make(chan int64, workers)
	for i := 0; i < workers; i++ {
		go func() {
			v, err := b.AtomicInc(ctx, "room.message_seq", 1)
			require.NoError(t, err)
			done <- v
		}()
	}

	seen := make(map[int64]bool, workers)
	for i := 0; i < workers; i++ {
		v := <-done
		require.False(t, seen[v], "atomic_inc returned duplicate value %d", v)
		seen[v] = true
	}

	final, err := b.AtomicInc(ctx, "room.message_seq", 0)
	require.NoError(t, err)
	require.Equal(t, int64(workers), final)
}

func TestBackendLockAtMostOneHolder(t *testing.T) {
	ctx := context.Background()
	b := openTestBackend(t)

	ok, err := b.AcquireLock(ctx, "locks/foo.txt", 60, "agent-a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.AcquireLock(ctx, "locks/foo.txt", 60, "agent-b")
	require.NoError(t, err)
	require.False(t, ok, "a second acquire must fail while the first lock is live")

	released, err := b.ReleaseLock(ctx, "locks/foo.txt", "agent-b")
	require.NoError(t, err)
	require.False(t, released, "release must fail on owner mismatch")

	released, err = b.ReleaseLock(ctx, "locks/foo.txt", "agent-a")
	require.NoError(t, err)
	require.True(t, released)

	ok, err = b.AcquireLock(ctx, "locks/foo.txt", 60, "agent-b")
	require.NoError(t, err)
	require.True(t, ok, "lock is free again after release")
}

func TestBackendPutWrapsDriverError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	b := &Backend{db: db}

	mock.ExpectExec("INSERT INTO masc_kv").
		WithArgs("tasks/task-1", []byte("x")).
		WillReturnError(sql.ErrConnDone)

	err = b.Put(context.Background(), "tasks/task-1", []byte("x"))
	require.Error(t, err)
	var ioErr *masceerr.IoError
	require.ErrorAs(t, err, &ioErr)

	require.NoError(t, mock.ExpectationsWereMet())
}
