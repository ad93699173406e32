// Package history persists a journal of supervised process runs.
//
// Every launch gets one row in the process_runs table. The supervisor
// records lifecycle transitions as they happen: creation, the moment
// the OS process comes up, and the final exit status. Terminal columns
// are written exactly once.
//
// The journal survives restarts, so operators can inspect what ran,
// when, and how it ended even after the daemon has been cycled.
package history
