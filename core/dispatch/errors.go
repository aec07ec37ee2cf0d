package dispatch

import "errors"

var (
	// ErrStopped is returned by operations on a stopped dispatcher.
	ErrStopped = errors.New("dispatcher stopped")

	// ErrUnknownJob is returned when a job id is not (or no longer) tracked.
	ErrUnknownJob = errors.New("unknown job")

	// ErrCancelled is the terminal error of a cancelled job.
	ErrCancelled = errors.New("job cancelled")

	// ErrWorkerDied is the terminal error of jobs outstanding on a worker
	// declared dead.
	ErrWorkerDied = errors.New("worker died")

	// ErrNoWorkers is returned by fan-out submission when no eligible worker
	// exists.
	ErrNoWorkers = errors.New("no eligible workers")
)
