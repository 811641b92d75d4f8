package sim

import "errors"

var (
	// ErrUnsupported is returned for operations or configurations the
	// selected pipeline cannot honour (e.g. pausing a live feed).
	ErrUnsupported = errors.New("unsupported operation")

	// ErrInvalidState is returned when an operation is not valid in the
	// current run state.
	ErrInvalidState = errors.New("invalid run state")

	// ErrNotAvailable is returned by a Trajectory when samples for the
	// requested interval have not arrived yet.
	ErrNotAvailable = errors.New("trajectory samples not available yet")

	// ErrLockTimeout indicates a stuck pipeline stage. It is raised by panic.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrQueueOverflow is latched when a latency pipeline queue passes its
	// high watermark.
	ErrQueueOverflow = errors.New("queue watermark exceeded")

	// ErrHalted is returned by blocking pipeline helpers once the run halts.
	ErrHalted = errors.New("pipeline halted")
)
