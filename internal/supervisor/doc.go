// Package supervisor manages the set of supervised processes.
//
// Each launched process is tracked by a UUID and backed by a
// procmgr.Manager. The supervisor consumes the manager's event stream,
// journals lifecycle transitions through the history repository,
// retains a bounded window of recent output for replay, and fans both
// state changes and output out to an optional Notifier (WebSocket hub,
// MQTT client).
//
// Lifecycle:
//
//	sup := supervisor.New(opts, repo)
//	snap, err := sup.Launch(ctx, supervisor.Spec{Command: []string{"sh", "-c", "..."}})
//	...
//	sup.Close(ctx) // stops every process, waits for cleanup
//
// All public methods are thread-safe.
package supervisor
