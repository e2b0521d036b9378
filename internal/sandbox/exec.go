package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"
)

// runCommand starts name with args in its own process group, streams
// output to the writers, and waits. When ctx is canceled the whole
// group is SIGKILLed so children spawned by the sandboxed command
// cannot outlive the call. A missing binary is reported as
// ErrBackendUnavailable; a non-zero exit is not an error.
func runCommand(ctx context.Context, stdout, stderr io.Writer, name string, args ...string) (int, error) {
	return runCommandDir(ctx, "", nil, stdout, stderr, name, args...)
}

// runCommandDir is runCommand with an explicit working directory and
// environment, used by the direct backend where the host process must
// inherit neither.
func runCommandDir(ctx context.Context, dir string, env []string, stdout, stderr io.Writer, name string, args ...string) (int, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return -1, fmt.Errorf("%w: %s: %v", ErrBackendUnavailable, name, err)
		}
		return -1, fmt.Errorf("start %s: %w", name, err)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			// Negative pid targets the process group.
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		case <-done:
		}
	}()

	err := cmd.Wait()
	close(done)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return -1, ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("wait %s: %w", name, err)
	}
	return 0, nil
}
