package hardware

import "context"

// Direction is the peristaltic pump flow direction.
type Direction string

// Peristaltic pump directions.
const (
	DirectionForward Direction = "forward"
	DirectionReverse Direction = "reverse"
)

// IsValid reports whether d is a recognised direction.
func (d Direction) IsValid() bool {
	return d == DirectionForward || d == DirectionReverse
}

// SyringeDirection is the syringe plunger travel direction.
type SyringeDirection string

// Syringe plunger directions.
const (
	SyringeAspirate SyringeDirection = "aspirate"
	SyringeDispense SyringeDirection = "dispense"
)

// IsValid reports whether d is a recognised syringe direction.
func (d SyringeDirection) IsValid() bool {
	return d == SyringeAspirate || d == SyringeDispense
}

// FlowReading is a single flow sensor sample.
type FlowReading struct {
	// FlowMLMin is the instantaneous flow rate in mL/min.
	FlowMLMin float64

	// TotalML is the cumulative volume in mL since the last reset.
	TotalML float64
}

// RelayBoard drives a bank of mains relays.
type RelayBoard interface {
	// Set energises (on=true) or de-energises one channel. Channels are
	// numbered from 1.
	Set(ctx context.Context, channel int, on bool) error

	// SetAll energises or de-energises every channel in one operation.
	SetAll(ctx context.Context, on bool) error

	// States returns the current state of every channel, index 0 being
	// channel 1.
	States(ctx context.Context) ([]bool, error)
}

// RotaryValve drives a multi-port rotary selector valve.
type RotaryValve interface {
	// Select rotates the valve to the given port. Ports are numbered from 1.
	Select(ctx context.Context, port int) error

	// Port returns the currently selected port.
	Port(ctx context.Context) (int, error)
}

// SyringePump drives a precision syringe pump.
type SyringePump interface {
	// Move transfers volumeML at flowMLMin in the given direction.
	// The call returns once the motion is accepted; completion is
	// observed via Busy.
	Move(ctx context.Context, volumeML, flowMLMin float64, dir SyringeDirection) error

	// Stop halts the plunger immediately.
	Stop(ctx context.Context) error

	// Home drives the plunger to the zero position.
	Home(ctx context.Context) error

	// Busy reports whether a motion is in progress.
	Busy(ctx context.Context) (bool, error)

	// PositionML returns the current plunger position as a volume.
	PositionML(ctx context.Context) (float64, error)
}

// Axis drives a single linear axis.
type Axis interface {
	// MoveTo moves the carriage to an absolute position in millimetres.
	MoveTo(ctx context.Context, positionMM float64) error

	// Home references the axis and moves to the zero position.
	Home(ctx context.Context) error

	// Stop halts motion immediately.
	Stop(ctx context.Context) error

	// Position returns the current carriage position in millimetres.
	Position(ctx context.Context) (float64, error)
}

// TemperatureController drives the thermal control loop.
//
// The controller hardware accepts a target and an enable flag
// independently; callers own the ordering of the two writes.
type TemperatureController interface {
	// SetTarget writes the loop target in degrees Celsius.
	SetTarget(ctx context.Context, celsius float64) error

	// SetEnabled energises or de-energises the control loop.
	SetEnabled(ctx context.Context, enabled bool) error

	// Measured returns the current process temperature.
	Measured(ctx context.Context) (float64, error)

	// Ready reports whether the process temperature is within the
	// controller's settling band around the target.
	Ready(ctx context.Context) (bool, error)
}

// PeristalticPump drives a peristaltic transfer pump.
//
// SetDirection is a compound operation on the underlying hardware
// (direction pin plus mode register). Implementations must make it
// atomic: either both writes land or the previous direction is
// restored before the call returns.
type PeristalticPump interface {
	// SetRunning starts (on=true) or stops the pump.
	SetRunning(ctx context.Context, on bool) error

	// SetDirection changes the flow direction.
	SetDirection(ctx context.Context, dir Direction) error

	// Running reports whether the pump is energised.
	Running(ctx context.Context) (bool, error)

	// Direction returns the current flow direction.
	Direction(ctx context.Context) (Direction, error)
}

// FlowSensor reads a liquid flow sensor with a resettable totaliser.
type FlowSensor interface {
	// Read returns the current flow rate and cumulative total.
	Read(ctx context.Context) (FlowReading, error)

	// SetTotalising starts or stops accumulation into the total.
	SetTotalising(ctx context.Context, on bool) error

	// ResetTotal zeroes the cumulative total.
	ResetTotal(ctx context.Context) error

	// Totalising reports whether accumulation is active.
	Totalising(ctx context.Context) (bool, error)
}

// Cell bundles the drivers for one automation cell.
type Cell struct {
	Relays      RelayBoard
	Rotary      RotaryValve
	Syringe     SyringePump
	Vertical    Axis
	Horizontal  Axis
	Temperature TemperatureController
	Peristaltic PeristalticPump
	Flow        FlowSensor
}
