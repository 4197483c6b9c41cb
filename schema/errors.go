package schema

import "errors"

var (
	// ErrLaunchFailed marks a launch that failed after the retry budget.
	ErrLaunchFailed = errors.New("browser launch failed")
	// ErrNotStarted indicates the debugging endpoint never became ready.
	ErrNotStarted = errors.New("browser did not start")
	// ErrNoExecutable indicates no browser executable could be found or installed.
	ErrNoExecutable = errors.New("no browser executable found")
	// ErrInstallTimeout indicates the browser install helper exceeded its time budget.
	ErrInstallTimeout = errors.New("browser install timed out")
	// ErrArgsContract indicates the launch arguments lack a user data directory.
	ErrArgsContract = errors.New("launch arguments must carry --user-data-dir")
	// ErrAlreadyRunning indicates a launch was requested while a browser is held.
	ErrAlreadyRunning = errors.New("browser already running")
	// ErrStopped indicates the session was stopped while the operation ran.
	ErrStopped = errors.New("session stopped")
	// ErrBusClosed indicates the event bus no longer dispatches.
	ErrBusClosed = errors.New("event bus closed")
	// ErrUnknownEvent indicates an event kind outside the closed set.
	ErrUnknownEvent = errors.New("unknown event kind")
	// ErrHandlerMismatch indicates a watchdog's handlers do not match its Listens set.
	ErrHandlerMismatch = errors.New("watchdog handlers do not match listened events")
	// ErrNotConnected indicates the protocol transport has no browser connection.
	ErrNotConnected = errors.New("transport not connected")
	// ErrTargetNotFound indicates a target id is not known to the browser.
	ErrTargetNotFound = errors.New("target not found")
)
