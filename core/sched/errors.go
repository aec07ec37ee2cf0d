package sched

import (
	"errors"
	"fmt"
)

var (
	// ErrTerminated is returned from suspension points of a coroutine that
	// has been terminated. Bodies should propagate it.
	ErrTerminated = errors.New("coroutine terminated")

	// ErrReceiveTimeout is returned by Receive when the timeout elapses
	// before a message arrives.
	ErrReceiveTimeout = errors.New("receive timed out")

	// ErrBehaviorSwapped is returned from suspension points after a Swap
	// control message. Bodies should propagate it so the scheduler can
	// install the new behavior.
	ErrBehaviorSwapped = errors.New("behavior swapped")

	// ErrSchedulerClosed is returned by operations on a stopped scheduler.
	ErrSchedulerClosed = errors.New("scheduler closed")

	// ErrUnknownCoroutine is reported to monitors of a coroutine that does
	// not exist (already finished or never spawned).
	ErrUnknownCoroutine = errors.New("unknown coroutine")
)

// FaultError wraps an uncaught fault inside a coroutine body. The fault
// terminates that coroutine only; it is reported to monitors and never
// crashes the scheduler.
type FaultError struct {
	ID        ID
	Recovered any
	Err       error
}

func (e *FaultError) Error() string {
	if e.Recovered != nil {
		return fmt.Sprintf("coroutine %d fault: panic: %v", e.ID, e.Recovered)
	}
	return fmt.Sprintf("coroutine %d fault: %v", e.ID, e.Err)
}

func (e *FaultError) Unwrap() error { return e.Err }
