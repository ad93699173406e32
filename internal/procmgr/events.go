package procmgr

// Event is a lifecycle notification delivered to the owner on the channel
// returned by Manager.Events. The channel carries at most one Started and
// exactly one Exited (unless launch failed, in which case it carries
// nothing), plus any StreamError notifications, and is closed once the
// Manager is fully terminated and the stream pumps have stopped.
type Event interface {
	event()
}

// Started is delivered exactly once, after a successful spawn and strictly
// before any byte is observable on the stdout/stderr streams.
type Started struct {
	// Streams are the owner's endpoints for the child's standard I/O.
	// Ownership transfers to the owner: the Manager never reads stdout or
	// stderr itself and never writes stdin after handoff.
	Streams Streams

	// PID is the OS process ID of the child.
	PID int
}

// Exited is delivered exactly once and is terminal. It is emitted strictly
// after the OS process has been reaped, regardless of whether termination
// was natural, a Destroy, or a runtime teardown.
type Exited struct {
	// Code is the authoritative exit status. Children killed by a signal
	// report 128+signal; a wait failure that produced no status reports -1.
	Code int
}

// StreamError reports an I/O failure on one of the standard streams. The
// affected stream is closed afterwards. A StreamError does not terminate
// the process by itself.
type StreamError struct {
	// Stream is "stdin", "stdout" or "stderr".
	Stream string

	// Err is the underlying I/O error.
	Err error
}

func (Started) event()     {}
func (Exited) event()      {}
func (StreamError) event() {}
