// Package procmgr supervises a single external OS process.
//
// Each Manager owns exactly one child process for its whole lifetime: it
// launches the process, hands the owner asynchronous byte streams for
// stdin/stdout/stderr, waits for the process to exit on a dedicated
// goroutine, and delivers exactly one Exited notification no matter how
// termination was triggered (natural exit, Destroy, or runtime teardown).
//
// A Manager is not reusable. Once Terminated it stays Terminated; launch a
// new Manager for a new process.
//
// Example usage:
//
//	mgr, err := procmgr.New(procmgr.Config{
//	    Name:    "worker",
//	    Command: []string{"/usr/bin/worker", "--verbose"},
//	})
//	if err != nil {
//	    return err
//	}
//	if err := mgr.Start(ctx); err != nil {
//	    return err // spawn failure, nothing was started
//	}
//	for ev := range mgr.Events() {
//	    switch ev := ev.(type) {
//	    case procmgr.Started:
//	        go consume(ev.Streams)
//	    case procmgr.Exited:
//	        log.Printf("exit code %d", ev.Code)
//	    }
//	}
package procmgr
