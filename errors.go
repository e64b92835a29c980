package corert

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Standard errors.
var (
	// ErrTaskTerminal is raised when Reset is called on a task not in
	// INIT, DONE, or FAILED.
	ErrTaskTerminal = errors.New("corert: reset requires INIT, DONE, or FAILED state")
	// ErrDirectionArmed is raised when a second waiter is registered for an
	// already-armed fd direction.
	ErrDirectionArmed = errors.New("corert: direction already armed")
	// ErrFdClosed is returned when arming a direction (Reactor.Register) on a
	// closed fd context. Shim calls that find the context already closed
	// before calling through report EBADF instead.
	ErrFdClosed = errors.New("corert: fd closed")
	// ErrSchedulerStopped is returned by Submit and SubmitBatch once Stop has
	// been called, whether or not the queue has drained yet.
	ErrSchedulerStopped = errors.New("corert: scheduler stopped")
)

// Errno wraps a raw syscall errno so callers can compare it with errors.Is
// against both the sentinel unix.Errno values and ErrTimedOut, while still
// carrying the originating call name for logs.
type Errno struct {
	Op  string
	Err error
}

func (e *Errno) Error() string {
	return fmt.Sprintf("corert: %s: %v", e.Op, e.Err)
}

func (e *Errno) Unwrap() error { return e.Err }

// ErrTimedOut is the error surfaced to callers when a parked operation's
// timeout elapses before the corresponding I/O event arrives. It unwraps to
// unix.ETIMEDOUT so callers doing raw errno comparisons keep working.
var ErrTimedOut = &Errno{Op: "timeout", Err: unix.ETIMEDOUT}
