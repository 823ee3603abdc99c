package sandbox

import (
	"context"
	"os/exec"
)

// ExecHost runs command with /bin/bash directly on the host, used when
// sandboxing is disabled. Same streaming and kill semantics as Exec.
func ExecHost(ctx context.Context, command, cwd string, opts ExecOpts) (int, error) {
	cmd := exec.Command("/bin/bash", "-c", command)
	cmd.Dir = cwd
	return runStreaming(ctx, cmd, opts)
}
