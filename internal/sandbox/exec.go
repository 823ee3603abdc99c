package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// ExecOpts control one streamed command.
type ExecOpts struct {
	// OnData receives stdout/stderr chunks in arrival order, serialized.
	// Every chunk is delivered before Exec returns.
	OnData func(data []byte)
	// Timeout kills the command with SIGKILL on expiry; zero means none.
	Timeout time.Duration
}

// Exec runs command inside the user's sandbox container, streaming output
// through opts.OnData. hostCwd is translated to the container mount; the
// returned int is the command's exit code. Cancelling ctx kills the command
// and fails with ErrAborted.
func (m *Manager) Exec(ctx context.Context, userID, command, hostCwd string, opts ExecOpts) (int, error) {
	containerID, ok := m.cachedContainer(userID)
	if !ok {
		return -1, fmt.Errorf("user %s: %w", userID, ErrNoSandbox)
	}

	cwd := m.ContainerPath(hostCwd)
	// The runtime CLI is spawned as a child process rather than going through
	// the SDK's exec attach: killing the child tears the stream down with the
	// exact SIGKILL semantics abort and timeout require.
	cmd := exec.Command("docker", "exec", "-w", cwd, containerID, "/bin/bash", "-c", command)
	return runStreaming(ctx, cmd, opts)
}

// runStreaming starts cmd, pumps its stdout and stderr to opts.OnData, and
// enforces timeout/cancellation by SIGKILL. Shared by container and host
// execution.
func runStreaming(ctx context.Context, cmd *exec.Cmd, opts ExecOpts) (int, error) {
	// Own process group, so the kill reaches the shell's children too and the
	// output pipes actually close.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, fmt.Errorf("spawning command: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, fmt.Errorf("spawning command: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("spawning command: %w", err)
	}

	var emitMu sync.Mutex
	emit := func(data []byte) {
		if opts.OnData == nil {
			return
		}
		emitMu.Lock()
		opts.OnData(data)
		emitMu.Unlock()
	}

	var pumps errgroup.Group
	pumps.Go(func() error { return pump(stdout, emit) })
	pumps.Go(func() error { return pump(stderr, emit) })

	var stateMu sync.Mutex
	var timedOut, aborted bool
	waitDone := make(chan struct{})
	go func() {
		var timer <-chan time.Time
		if opts.Timeout > 0 {
			t := time.NewTimer(opts.Timeout)
			defer t.Stop()
			timer = t.C
		}
		select {
		case <-waitDone:
		case <-timer:
			stateMu.Lock()
			timedOut = true
			stateMu.Unlock()
			killGroup(cmd)
		case <-ctx.Done():
			stateMu.Lock()
			aborted = true
			stateMu.Unlock()
			killGroup(cmd)
		}
	}()

	// Pumps drain until the pipes close, so every OnData call happens before
	// any Timeout/Aborted failure below.
	pumps.Wait()
	waitErr := cmd.Wait()
	close(waitDone)

	stateMu.Lock()
	defer stateMu.Unlock()
	if timedOut {
		return -1, fmt.Errorf("%w after %s", ErrTimeout, opts.Timeout)
	}
	if aborted {
		return -1, ErrAborted
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("waiting for command: %w", waitErr)
	}
	return 0, nil
}

func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		cmd.Process.Kill()
	}
}

func pump(r io.Reader, emit func([]byte)) error {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			emit(chunk)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			// Pipe errors after a kill are expected; the exit path decides.
			return nil
		}
	}
}
