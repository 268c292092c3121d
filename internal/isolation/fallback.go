package isolation

import (
	"context"
	"os/exec"
	"time"
)

var _ Isolator = (*FallbackIsolator)(nil)

// FallbackIsolator enforces a timeout and kills the process on cancellation.
type FallbackIsolator struct {
	// WaitDelay bounds how long Wait blocks for pipes after the process is killed.
	WaitDelay time.Duration
}

// NewFallbackIsolator creates a FallbackIsolator.
func NewFallbackIsolator() *FallbackIsolator {
	return &FallbackIsolator{WaitDelay: 2 * time.Second}
}

// Wrap clones cmd onto a context-aware exec.Cmd. The caller must use the
// returned command, not the original.
func (f *FallbackIsolator) Wrap(ctx context.Context, cmd *exec.Cmd, limits ResourceLimits) (*exec.Cmd, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if err := limits.ValidateWorkDir(); err != nil {
		return nil, nil, err
	}

	execCtx, cancel := ctx, context.CancelFunc(func() {})
	if limits.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, limits.Timeout)
	}

	// exec.Cmd.Cancel is only honoured for commands built with CommandContext.
	wrapped := exec.CommandContext(execCtx, cmd.Path, cmd.Args[1:]...)
	wrapped.Args = cmd.Args
	wrapped.Dir = cmd.Dir
	if limits.WorkDir != "" {
		wrapped.Dir = limits.WorkDir
	}
	wrapped.Env = cmd.Env
	wrapped.Stdin = cmd.Stdin
	wrapped.Stdout = cmd.Stdout
	wrapped.Stderr = cmd.Stderr
	wrapped.Cancel = func() error {
		if wrapped.Process != nil {
			return wrapped.Process.Kill()
		}
		return nil
	}
	wrapped.WaitDelay = f.WaitDelay

	return wrapped, cancel, nil
}
