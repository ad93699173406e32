package procmgr

import (
	"errors"
	"fmt"
	"strings"
)

// Domain errors for the procmgr package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, procmgr.ErrTerminated) {
//	    // process is gone, stop writing
//	}
var (
	// ErrEmptyCommand is returned when a Config has no command to run.
	ErrEmptyCommand = errors.New("procmgr: empty command")

	// ErrAlreadyStarted is returned when Start is called more than once.
	ErrAlreadyStarted = errors.New("procmgr: already started")

	// ErrNotStarted is returned for operations that require a spawned process.
	ErrNotStarted = errors.New("procmgr: not started")

	// ErrTerminated is returned for stdin writes once termination has begun.
	ErrTerminated = errors.New("procmgr: process terminated")
)

// LaunchError reports a spawn failure: the executable was not found, is not
// executable, or the OS refused to create the process. It is returned
// synchronously from Start and is terminal for the Manager.
type LaunchError struct {
	// Command is the argv that failed to launch.
	Command []string

	// Err is the underlying error from the OS.
	Err error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("procmgr: launching %q: %v", strings.Join(e.Command, " "), e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}
