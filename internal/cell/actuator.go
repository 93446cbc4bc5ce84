package cell

import (
	"context"
	"fmt"
	"time"

	"github.com/warpfluidics/warpd/internal/hardware"
)

// Actuator is the sequence engine's handle on the cell hardware. It
// bypasses the operator-command lock (the engine IS the reason the cell
// is RUNNING) but still refuses everything while emergency-stopped.
// Commands run through the controller's pipeline, so an emergency stop
// pre-empts an engine write the same way it pre-empts a manual one.
//
// Numeric parameters are clamped to the configured bounds rather than
// rejected; each clamp is reported through the warn callback so the run
// records it without aborting.
type Actuator struct {
	c    *Controller
	warn func(msg string)
}

// Actuator returns an engine-facing actuator. The warn callback
// receives clamp and readiness warnings; it may be nil.
func (c *Controller) Actuator(warn func(msg string)) *Actuator {
	if warn == nil {
		warn = func(string) {}
	}
	return &Actuator{c: c, warn: warn}
}

func (a *Actuator) clamp(what string, v, lo, hi float64) float64 {
	if v < lo {
		a.warn(fmt.Sprintf("%s %.3f clamped to minimum %.3f", what, v, lo))
		return lo
	}
	if v > hi {
		a.warn(fmt.Sprintf("%s %.3f clamped to maximum %.3f", what, v, hi))
		return hi
	}
	return v
}

// SetRelay switches one relay channel.
func (a *Actuator) SetRelay(ctx context.Context, channel int, on bool) error {
	return a.c.setRelay(ctx, false, channel, on)
}

// SetAllRelays switches every relay channel.
func (a *Actuator) SetAllRelays(ctx context.Context, on bool) error {
	return a.c.setAllRelays(ctx, false, on)
}

// SelectRotaryPort rotates the selector valve.
func (a *Actuator) SelectRotaryPort(ctx context.Context, port int) error {
	return a.c.selectRotaryPort(ctx, false, port)
}

// SyringeGoto drives the plunger to an absolute position. The target
// and flow rate are clamped to the syringe limits; the transfer volume
// and direction are derived from the current plunger position inside
// the pipeline gate, so no other command can move the plunger between
// the computation and the write.
func (a *Actuator) SyringeGoto(ctx context.Context, targetML, flowMLMin float64) error {
	c := a.c
	targetML = a.clamp("syringe target mL", targetML, 0, c.cfg.Syringe.MaxVolumeML)
	flowMLMin = a.clamp("syringe flow mL/min", flowMLMin, 0.01, c.cfg.Syringe.MaxFlowMLMin)

	var volume, pos float64
	var dir hardware.SyringeDirection
	return c.exec(ctx, false,
		func() error {
			pos = c.syringe.PositionML
			volume = targetML - pos
			dir = hardware.SyringeAspirate
			if volume < 0 {
				dir = hardware.SyringeDispense
				volume = -volume
			}
			return nil
		},
		func(ctx context.Context) error {
			if volume == 0 {
				return nil
			}
			if err := c.hw.Syringe.Move(ctx, volume, flowMLMin, dir); err != nil {
				return wrapHardware("syringe move", err)
			}
			var err error
			if pos, err = c.hw.Syringe.PositionML(ctx); err != nil {
				return wrapHardware("syringe position", err)
			}
			return nil
		},
		func() { c.syringe.PositionML = pos })
}

// HomeSyringe references the plunger to zero.
func (a *Actuator) HomeSyringe(ctx context.Context) error {
	return a.c.syringeHome(ctx, false)
}

// MoveAxis moves the named axis to an absolute position, clamped to the
// axis travel.
func (a *Actuator) MoveAxis(ctx context.Context, axis string, positionMM float64) error {
	axisCfg, _, err := a.c.axisConfig(axis)
	if err != nil {
		return err
	}
	positionMM = a.clamp(axis+" axis mm", positionMM, axisCfg.MinMM, axisCfg.MaxMM)
	return a.c.axisMove(ctx, false, axis, positionMM)
}

// MoveAxisPreset moves the named axis to a configured preset position.
func (a *Actuator) MoveAxisPreset(ctx context.Context, axis, preset string) error {
	pos, err := a.c.PresetPosition(axis, preset)
	if err != nil {
		return err
	}
	return a.MoveAxis(ctx, axis, pos)
}

// HomeAxis references the named axis.
func (a *Actuator) HomeAxis(ctx context.Context, axis string) error {
	return a.c.axisHome(ctx, false, axis)
}

// HomeAll references the syringe and both axes, vertical first.
func (a *Actuator) HomeAll(ctx context.Context) error {
	return a.c.exec(ctx, false, nil, a.c.homeAllIO, func() {})
}

// SetTemperatureTarget stores or pushes the setpoint, clamped to the
// controller range.
func (a *Actuator) SetTemperatureTarget(ctx context.Context, targetC float64) error {
	targetC = a.clamp("temperature target C", targetC, a.c.cfg.Temperature.MinCelsius, a.c.cfg.Temperature.MaxCelsius)
	return a.c.setTemperatureTarget(ctx, false, targetC)
}

// SetTemperatureEnabled switches the heating loop, with pending-target
// push on enable.
func (a *Actuator) SetTemperatureEnabled(ctx context.Context, enabled bool) error {
	return a.c.setTemperatureEnabled(ctx, false, enabled)
}

// WaitTemperatureReady polls the controller until the measured value
// settles inside the ready band or the timeout expires. A timeout of
// zero or less falls back to the configured readiness deadline. A
// timeout is not an error: the hardware may simply be slow to heat, so
// the run carries on with a warning. Only a hardware fault,
// cancellation or an emergency stop aborts the wait.
//
// Returns:
//   - bool: true if the controller reported ready before the deadline
//   - error: Hardware, context or emergency-stop error only
func (a *Actuator) WaitTemperatureReady(ctx context.Context, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = a.c.cfg.Temperature.ReadyDeadline()
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		if a.c.State() == StateEmergencyStopped {
			return false, ErrEmergencyStopped
		}
		ready, err := a.c.hw.Temperature.Ready(ctx)
		if err != nil {
			return false, wrapHardware("temperature ready", err)
		}
		if ready {
			a.c.markTemperatureReady()
			return true, nil
		}
		if time.Now().After(deadline) {
			a.warn(fmt.Sprintf("temperature not ready within %s, continuing", timeout))
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// SetPeristalticRunning starts or stops the peristaltic pump.
func (a *Actuator) SetPeristalticRunning(ctx context.Context, on bool) error {
	return a.c.setPeristalticRunning(ctx, false, on)
}

// SetPeristalticDirection changes the pump flow direction.
func (a *Actuator) SetPeristalticDirection(ctx context.Context, dir hardware.Direction) error {
	return a.c.setPeristalticDirection(ctx, false, dir)
}

// SetFlowTotalising starts or stops flow accumulation.
func (a *Actuator) SetFlowTotalising(ctx context.Context, on bool) error {
	return a.c.setFlowTotalising(ctx, false, on)
}

// ResetFlowTotal zeroes the cumulative flow total.
func (a *Actuator) ResetFlowTotal(ctx context.Context) error {
	return a.c.resetFlowTotal(ctx, false)
}
