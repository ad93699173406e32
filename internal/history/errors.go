package history

import "errors"

// Domain errors for the history package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, history.ErrRunNotFound) {
//	    // handle not found case
//	}
var (
	// ErrRunNotFound is returned when a run ID does not exist.
	ErrRunNotFound = errors.New("history: run not found")

	// ErrRunExists is returned when creating a run with an ID that already exists.
	ErrRunExists = errors.New("history: run already exists")
)
