package cell

import (
	"context"
	"fmt"
)

// Temperature coordination.
//
// The controller keeps its own copy of the setpoint so that targets set
// while the loop is disabled are not lost. A target stored while
// disabled is marked pending and pushed to the hardware exactly once,
// at the moment the loop is next enabled. A target set while enabled is
// pushed immediately.

// SetTemperatureTarget stores the setpoint and, if the loop is enabled,
// pushes it to the controller straight away. While the loop is disabled
// the target is only stored and flagged pending.
func (c *Controller) SetTemperatureTarget(ctx context.Context, targetC float64) error {
	minC, maxC := c.cfg.Temperature.MinCelsius, c.cfg.Temperature.MaxCelsius
	if targetC < minC || targetC > maxC {
		return fmt.Errorf("%w: temperature target %.1f C (%.1f..%.1f)", ErrValidation, targetC, minC, maxC)
	}
	return c.setTemperatureTarget(ctx, true, targetC)
}

// setTemperatureTarget runs the target write through the pipeline. The
// enabled flag is sampled in the gate; it cannot change before the
// mirror because every command that flips it holds the command lock.
func (c *Controller) setTemperatureTarget(ctx context.Context, manual bool, targetC float64) error {
	var enabled bool
	return c.exec(ctx, manual,
		func() error {
			enabled = c.tempEnabled
			return nil
		},
		func(ctx context.Context) error {
			if !enabled {
				// Stored only; pushed on the next enable.
				return nil
			}
			if err := c.hw.Temperature.SetTarget(ctx, targetC); err != nil {
				return wrapHardware("temperature target", err)
			}
			return nil
		},
		func() {
			c.tempTarget = targetC
			c.tempPending = !enabled
			if !enabled {
				c.log.Debug("temperature target stored while loop disabled", "target_c", targetC)
			}
		})
}

// SetTemperatureEnabled switches the heating loop on or off. Enabling
// with a pending target pushes the stored setpoint first, then enables;
// if the setpoint write fails the target stays pending and the loop
// stays off. Disabling keeps the stored target untouched.
func (c *Controller) SetTemperatureEnabled(ctx context.Context, enabled bool) error {
	return c.setTemperatureEnabled(ctx, true, enabled)
}

// setTemperatureEnabled is hand-rolled rather than routed through exec
// because the enable path has two writes with distinct mirrors: a
// delivered pending target drops its flag even when the enable that
// follows it fails.
func (c *Controller) setTemperatureEnabled(ctx context.Context, manual bool, enabled bool) error {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	c.mu.Lock()
	err := c.gateLocked(manual)
	target, pending := c.tempTarget, c.tempPending
	c.mu.Unlock()
	if err != nil {
		return err
	}

	ioCtx, done := c.trackIO(ctx)
	defer done()

	if !enabled {
		if err := c.hw.Temperature.SetEnabled(ioCtx, false); err != nil {
			return c.ioFailed(wrapHardware("temperature disable", err))
		}
		return c.commitIO(func() {
			c.tempEnabled = false
			c.tempReady = false
		})
	}

	if pending {
		if err := c.hw.Temperature.SetTarget(ioCtx, target); err != nil {
			return c.ioFailed(wrapHardware("temperature target", err))
		}
		c.mirror(func() { c.tempPending = false })
	}
	if err := c.hw.Temperature.SetEnabled(ioCtx, true); err != nil {
		return c.ioFailed(wrapHardware("temperature enable", err))
	}
	return c.commitIO(func() { c.tempEnabled = true })
}

// markTemperatureReady records that the loop settled inside the ready
// band, observed by a readiness wait rather than the poller.
func (c *Controller) markTemperatureReady() {
	c.mu.Lock()
	c.tempReady = true
	c.publishLocked()
	c.mu.Unlock()
}
