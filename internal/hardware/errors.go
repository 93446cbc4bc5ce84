package hardware

import "errors"

// Domain errors for the hardware package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, hardware.ErrFault) {
//	    // handle device fault
//	}
var (
	// ErrFault is returned when a device rejects or fails an operation.
	ErrFault = errors.New("hardware: device fault")

	// ErrOutOfRange is returned when a parameter is outside the device's
	// physical range (channel, port, position, volume).
	ErrOutOfRange = errors.New("hardware: parameter out of range")

	// ErrBusy is returned when a device cannot accept a command because a
	// previous motion is still in progress.
	ErrBusy = errors.New("hardware: device busy")
)
