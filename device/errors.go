package device

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrDeviceUnavailable means no accelerator matched the selection hint
	ErrDeviceUnavailable = errors.New("device unavailable")
	// ErrBuild means kernel source failed to compile
	ErrBuild = errors.New("program build failed")
	// ErrTransfer means a host/device copy failed
	ErrTransfer = errors.New("transfer failed")
	// ErrExecution means the device reported a fault during a dispatch
	ErrExecution = errors.New("kernel execution failed")
	// ErrProfilingUnsupported means the queue cannot report device timestamps
	ErrProfilingUnsupported = errors.New("profiling unsupported")
	// ErrNotCompleted means a dispatch has not reached the completed state
	ErrNotCompleted = errors.New("dispatch not completed")
	// ErrReleased means a resource was used after release
	ErrReleased = errors.New("resource released")
)

// BuildError carries the compiler diagnostics of a failed build
type BuildError struct {
	EntryPoint string
	Log        string
	Err        error
}

func (e *BuildError) Error() string {
	msg := fmt.Sprintf("failed to build %s", e.EntryPoint)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Log != "" {
		msg += "\n" + e.Log
	}
	return msg
}

func (e *BuildError) Is(target error) bool {
	return target == ErrBuild
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// TransferError builds an ErrTransfer with context
func TransferError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrTransfer, format, args...)
}

// ExecutionError builds an ErrExecution with context
func ExecutionError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrExecution, format, args...)
}

// CheckTransfer validates a copy of bytes against a buffer of length n
func CheckTransfer(n, bytes int64) error {
	if bytes < 0 {
		return TransferError("negative copy size %d", bytes)
	}
	if bytes > n {
		return TransferError("copy of %d bytes exceeds buffer of %d bytes", bytes, n)
	}
	return nil
}
