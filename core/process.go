package core

import "context"

// Process is a handle on a supervised OS process.
type Process interface {
	Pid() int
	// Running reports whether the process is still alive.
	Running(ctx context.Context) (bool, error)
	// Terminate delivers a graceful termination signal.
	Terminate(ctx context.Context) error
	// Kill forcefully stops the process.
	Kill(ctx context.Context) error
	// Exited is closed once the process has been reaped.
	Exited() <-chan struct{}
	// Err returns the wait error and captured stderr tail after Exited closes.
	Err() error
}

// ProcessStarter starts browser processes.
type ProcessStarter interface {
	Start(ctx context.Context, path string, args []string) (Process, error)
}
