package walph

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	masceerr "github.com/maschq/masc/internal/errors"
)

// SubprocessExecutor runs one command per iteration, feeding prompt on
// stdin and capturing combined stdout+stderr, the way gopls's StdioClient
// shells out to an external binary rather than embedding the work in
// process. Grounded on teranos-QNTX/qntx-code/langserver/gopls/client.go's
// exec.Command("gopls", "serve") launch, trimmed from a long-lived JSON-RPC
// session down to one request-per-iteration subprocess.
type SubprocessExecutor struct {
	Command string
	Args    []string
}

// NewSubprocessExecutor builds an Executor that invokes command with args
// for every iteration.
func NewSubprocessExecutor(command string, args ...string) *SubprocessExecutor {
	return &SubprocessExecutor{Command: command, Args: args}
}

// Run launches the configured command, writes prompt to its stdin, and
// waits for it to exit or deadline to pass. Exit code 0 is success.
func (e *SubprocessExecutor) Run(ctx context.Context, prompt string, deadline time.Time) (bool, string, error) {
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.Command, e.Args...)
	cmd.Stdin = bytes.NewBufferString(prompt)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			return false, out.String(), &masceerr.TimeoutError{}
		}
		return false, out.String(), nil
	}
	return true, out.String(), nil
}
