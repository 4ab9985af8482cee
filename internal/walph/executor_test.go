package walph

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubprocessExecutorCapturesOutputOnSuccess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix shell executor test")
	}
	exec := NewSubprocessExecutor("sh", "-c", "cat; exit 0")
	ok, out, err := exec.Run(context.Background(), "hello from walph", time.Now().Add(time.Second))
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, out, "hello from walph")
}

func TestSubprocessExecutorReportsNonZeroExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix shell executor test")
	}
	exec := NewSubprocessExecutor("sh", "-c", "exit 1")
	ok, _, err := exec.Run(context.Background(), "", time.Now().Add(time.Second))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSubprocessExecutorTimesOut(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix shell executor test")
	}
	exec := NewSubprocessExecutor("sh", "-c", "sleep 5")
	_, _, err := exec.Run(context.Background(), "", time.Now().Add(20*time.Millisecond))
	require.Error(t, err)
}
