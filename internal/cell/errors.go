package cell

import "errors"

// Domain errors for the cell package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, cell.ErrLocked) {
//	    // reject with 409
//	}
var (
	// ErrValidation is returned when a command parameter is malformed or
	// outside the device's configured range.
	ErrValidation = errors.New("cell: validation failed")

	// ErrLocked is returned when a manual command arrives while a
	// sequence run holds the cell.
	ErrLocked = errors.New("cell: locked by running sequence")

	// ErrAlreadyRunning is returned when a sequence start arrives while
	// another run is active.
	ErrAlreadyRunning = errors.New("cell: sequence already running")

	// ErrUnknownSequence is returned when a start names a sequence that
	// does not exist.
	ErrUnknownSequence = errors.New("cell: unknown sequence")

	// ErrHardwareFault is returned when a device rejects or fails an
	// operation.
	ErrHardwareFault = errors.New("cell: hardware fault")

	// ErrTimeout is returned when a device operation exceeds its deadline.
	ErrTimeout = errors.New("cell: operation timed out")

	// ErrEmergencyStopped is returned for commands refused because the
	// cell is emergency stopped.
	ErrEmergencyStopped = errors.New("cell: emergency stopped")

	// ErrNotConfirmed is returned when a recovery command arrives without
	// the explicit operator confirmation flag.
	ErrNotConfirmed = errors.New("cell: recovery not confirmed")

	// ErrNoActiveRun is returned when a stop arrives with no run active.
	ErrNoActiveRun = errors.New("cell: no active run")
)
