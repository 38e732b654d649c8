package hook

import (
	"errors"
	"fmt"
)

var (
	// ErrAttach is matched by every *AttachError.
	ErrAttach = errors.New("attach failed")
	// ErrNoHooksInstalled is returned when not a single plan entry could be installed.
	ErrNoHooksInstalled = errors.New("no hooks installed")
	// ErrProcessExited is the session error after the target process went away.
	ErrProcessExited = errors.New("target process exited")
	// ErrClosed is the session error after Close.
	ErrClosed = errors.New("session closed")
)

// AttachError is returned by Open when the session never reached Active.
type AttachError struct {
	PID      int
	Attempts int
	Err      error
}

func (e *AttachError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("attach to pid %d failed after %d attempt(s): %v", e.PID, e.Attempts, e.Err)
	}
	return fmt.Sprintf("attach to pid %d failed: %v", e.PID, e.Err)
}

func (e *AttachError) Unwrap() error { return e.Err }

func (e *AttachError) Is(target error) bool { return target == ErrAttach }

// InstallError records a plan entry that could not be installed.
type InstallError struct {
	Offset uint64
	Name   string
	Err    error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install %s @ %#x: %v", e.Name, e.Offset, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }
