package supervisor

import "errors"

// Domain errors for the supervisor package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, supervisor.ErrProcessNotFound) {
//	    // handle not found case
//	}
var (
	// ErrProcessNotFound is returned when a process ID does not exist.
	ErrProcessNotFound = errors.New("supervisor: process not found")

	// ErrProcessNotRunning is returned for operations that need a live
	// process, such as stdin writes, when it has not started or has exited.
	ErrProcessNotRunning = errors.New("supervisor: process not running")

	// ErrTooManyProcesses is returned when the configured process limit
	// would be exceeded by a launch.
	ErrTooManyProcesses = errors.New("supervisor: process limit reached")

	// ErrClosed is returned when the supervisor is shutting down.
	ErrClosed = errors.New("supervisor: closed")
)
