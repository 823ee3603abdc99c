package sandbox

import "errors"

// Sentinel errors
var (
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")
	ErrImageMissing       = errors.New("sandbox image not found")
	ErrNoSandbox          = errors.New("no sandbox container for user")
	ErrTimeout            = errors.New("command timed out")
	ErrAborted            = errors.New("command aborted")
)
