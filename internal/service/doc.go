// Package service executes submitted tasks.
//
// Overview
// The Dispatcher accepts a model.Request, resolves it in the operation
// catalog and admits it into the registry, which takes the resource lock and
// creates the queued task in one step. Every admitted task gets its own
// goroutine which moves it to running, executes the command through the
// Runner and records the terminal outcome.
//
// Runner is a thin, opinionated wrapper around os/exec:
//   - the environment is built from scratch, stdin is empty
//   - stdout and stderr go to the same writer, in order
//   - the process runs in its own process group
//   - timeout and cancellation send SIGTERM to the group, SIGKILL after grace
//   - Run returns only after the process is gone
//
// Data flow:
//
//	Dispatcher              registry                  Runner{cmd}
//	    |                       |                         |
//	Submit -> Admit ----------->| lock + queued           |
//	    | goroutine: Start ---->| running                 |
//	    |------------- Run(ctx, cmd, buffer) ------------>| exec.Start + Wait
//	    |                       |<------- output ---------|
//	    |<----------------- Result -----------------------| (process exits)
//	    | Finish -------------->| terminal + unlock       |
//
// Cancel on a running task cancels its context with ErrCancelled; Close
// cancels everything with ErrShutdown. The context cause is how the result
// tells a timeout, a cancellation and a shutdown apart.
//
// The Evictor drops terminal tasks from the registry on a gocron schedule.
package service
