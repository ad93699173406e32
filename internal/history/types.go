package history

import "time"

// Run is one row of the process run journal.
type Run struct {
	// ID is the supervisor-assigned UUID for this run.
	ID string `json:"id"`

	// Name is the display name, defaulting to the basename of argv[0].
	Name string `json:"name"`

	// Command is the full argv of the launched process.
	Command []string `json:"command"`

	// Dir is the working directory. Empty means inherited.
	Dir string `json:"dir,omitempty"`

	// PID is the OS process ID, 0 until the process has launched.
	PID int `json:"pid,omitempty"`

	// State is the lifecycle state as last recorded:
	// starting, running, terminating, terminated.
	State string `json:"state"`

	// ExitCode is nil until the run has ended.
	ExitCode *int `json:"exit_code,omitempty"`

	// Error holds the launch failure detail when the process never started.
	Error string `json:"error,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	ExitedAt  *time.Time `json:"exited_at,omitempty"`
}
