package ingest

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning is returned by Start while a receive loop is active.
	ErrAlreadyRunning = errors.New("worker is already running")
	// ErrNotRunning is returned by Stop on a worker that was never started.
	ErrNotRunning = errors.New("worker is not running")
	// ErrShutdownTimeout is returned when the in-flight message outlives the stop timeout.
	ErrShutdownTimeout = errors.New("shutdown timed out waiting for in-flight message")
)

// StartupError reports a queue that could not be opened.
type StartupError struct {
	Driver string
	Queue  string
	Err    error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("start %s worker on queue %q: %v", e.Driver, e.Queue, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// ShutdownError reports an unclean stop: either the timeout elapsed or the queue failed to close.
type ShutdownError struct {
	Queue string
	Err   error
}

func (e *ShutdownError) Error() string {
	return fmt.Sprintf("stop worker on queue %q: %v", e.Queue, e.Err)
}

func (e *ShutdownError) Unwrap() error {
	return e.Err
}
