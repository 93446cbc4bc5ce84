package cell

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/warpfluidics/warpd/internal/broadcast"
	"github.com/warpfluidics/warpd/internal/hardware"
	"github.com/warpfluidics/warpd/internal/infrastructure/config"
	"github.com/warpfluidics/warpd/internal/infrastructure/logging"
)

// safingTimeout bounds the detached context for emergency-stop safing
// writes. Safing must not run on the caller's context: a disconnecting
// client would otherwise abort the writes mid-way.
const safingTimeout = 15 * time.Second

// Controller owns all mutable state of one automation cell.
//
// Two locks split the work. ioMu serialises hardware commands and is
// held for the full duration of each driver call. mu guards the cached
// state and the run bookkeeping and is never held across driver I/O,
// so Snapshot and the state transitions stay responsive while a slow
// write is in flight. Every command follows the same pipeline: gate
// under mu, write under ioMu, then mirror the result into the cache
// under mu only after the write landed.
//
// An emergency stop flips the state first, cancels the context of any
// driver call in flight, and only then queues for ioMu to safe the
// outputs. Drivers must honour context cancellation for the pre-empt
// to work; they must also tolerate concurrent sensor reads, which run
// outside ioMu.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Controller struct {
	cfg config.HardwareConfig
	hw  hardware.Cell
	bus *broadcast.Broadcaster
	log *logging.Logger

	// ioMu serialises hardware commands.
	ioMu sync.Mutex

	// mu guards everything below. Never held across driver I/O.
	mu         sync.Mutex
	state      State
	lastError  string
	relays     []bool
	rotaryPort int
	syringe    SyringeStatus
	vertical   float64
	horizontal float64
	peri       PeristalticStatus
	flow       FlowStatus

	// Temperature coordinator state. tempPending marks a target stored
	// while the loop was disabled, to be pushed exactly once on enable.
	tempEnabled  bool
	tempTarget   float64
	tempPending  bool
	tempMeasured float64
	tempReady    bool

	run       *RunStatus
	cancelRun context.CancelFunc

	// ioCancel aborts the driver call in flight, if any. Written by the
	// command pipeline, fired by EmergencyStop.
	ioCancel context.CancelFunc
}

// New creates a Controller over the given drivers and seeds its state
// cache from the hardware.
//
// Parameters:
//   - cfg: Hardware limits and presets from config.yaml
//   - hw: Driver bundle (simulator or fieldbus adapter)
//   - bus: Event broadcaster for snapshots and events
//   - log: Structured logger
//
// Returns:
//   - *Controller: Ready controller in IDLE state
//   - error: If the initial hardware reads fail
func New(ctx context.Context, cfg config.HardwareConfig, hw hardware.Cell, bus *broadcast.Broadcaster, log *logging.Logger) (*Controller, error) {
	if log == nil {
		log = logging.Default()
	}

	c := &Controller{
		cfg:   cfg,
		hw:    hw,
		bus:   bus,
		log:   log.With("component", "controller"),
		state: StateIdle,
		peri:  PeristalticStatus{Direction: hardware.DirectionForward},
	}

	relays, err := hw.Relays.States(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading relay states: %w", err)
	}
	c.relays = relays

	if c.rotaryPort, err = hw.Rotary.Port(ctx); err != nil {
		return nil, fmt.Errorf("reading rotary port: %w", err)
	}
	if c.syringe.PositionML, err = hw.Syringe.PositionML(ctx); err != nil {
		return nil, fmt.Errorf("reading syringe position: %w", err)
	}
	if c.vertical, err = hw.Vertical.Position(ctx); err != nil {
		return nil, fmt.Errorf("reading vertical position: %w", err)
	}
	if c.horizontal, err = hw.Horizontal.Position(ctx); err != nil {
		return nil, fmt.Errorf("reading horizontal position: %w", err)
	}
	if c.tempMeasured, err = hw.Temperature.Measured(ctx); err != nil {
		return nil, fmt.Errorf("reading temperature: %w", err)
	}
	if c.peri.Direction, err = hw.Peristaltic.Direction(ctx); err != nil {
		return nil, fmt.Errorf("reading peristaltic direction: %w", err)
	}

	reading, err := hw.Flow.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading flow sensor: %w", err)
	}
	c.flow.FlowMLMin = reading.FlowMLMin
	c.flow.TotalML = reading.TotalML

	return c, nil
}

// Snapshot returns a deep copy of the current cell state. It only
// takes the state mutex, so it never waits behind a driver call.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// State returns the current controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// snapshotLocked builds a deep copy of the state. Caller holds c.mu.
func (c *Controller) snapshotLocked() Snapshot {
	relays := make([]bool, len(c.relays))
	copy(relays, c.relays)

	snap := Snapshot{
		State:      c.state,
		Timestamp:  time.Now(),
		Relays:     relays,
		RotaryPort: c.rotaryPort,
		Syringe:    c.syringe,
		Vertical:   AxisStatus{PositionMM: c.vertical},
		Horizontal: AxisStatus{PositionMM: c.horizontal},
		Temperature: TemperatureStatus{
			Enabled:       c.tempEnabled,
			TargetC:       c.tempTarget,
			MeasuredC:     c.tempMeasured,
			Ready:         c.tempReady,
			PendingTarget: c.tempPending,
		},
		Peristaltic: c.peri,
		Flow:        c.flow,
		LastError:   c.lastError,
	}
	if c.run != nil {
		run := *c.run
		snap.Run = &run
	}
	return snap
}

// publishLocked broadcasts the current snapshot. Caller holds c.mu.
func (c *Controller) publishLocked() {
	c.bus.Publish(broadcast.Event{
		Type:    broadcast.EventStatus,
		Payload: c.snapshotLocked(),
	})
}

// publishEventLocked broadcasts a discrete event plus a snapshot.
// Caller holds c.mu.
func (c *Controller) publishEventLocked(eventType string, payload any) {
	c.bus.Publish(broadcast.Event{Type: eventType, Payload: payload})
	c.publishLocked()
}

// guardManualLocked enforces command arbitration for operator commands.
// Caller holds c.mu.
func (c *Controller) guardManualLocked() error {
	switch c.state {
	case StateRunning:
		return ErrLocked
	case StateEmergencyStopped:
		return ErrEmergencyStopped
	default:
		return nil
	}
}

// gateLocked applies the arbitration for one command. Engine commands
// (manual=false) bypass the run lock but are still refused while
// emergency-stopped. Caller holds c.mu.
func (c *Controller) gateLocked(manual bool) error {
	if manual {
		return c.guardManualLocked()
	}
	if c.state == StateEmergencyStopped {
		return ErrEmergencyStopped
	}
	return nil
}

// wrapHardware maps driver errors onto the cell error taxonomy.
func wrapHardware(op string, err error) error {
	switch {
	case errors.Is(err, hardware.ErrOutOfRange):
		return fmt.Errorf("%w: %s: %w", ErrValidation, op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s: %w", ErrTimeout, op, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%w: %s: %w", ErrHardwareFault, op, err)
	}
}

// =============================================================================
// Command pipeline
// =============================================================================

// trackIO derives the context for one driver call and registers its
// cancel so EmergencyStop can abort a wedged write. The returned done
// must be called once the call finishes.
func (c *Controller) trackIO(ctx context.Context) (context.Context, func()) {
	ioCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.ioCancel = cancel
	stopped := c.state == StateEmergencyStopped
	c.mu.Unlock()
	if stopped {
		// The stop won between the gate check and here.
		cancel()
	}
	done := func() {
		c.mu.Lock()
		c.ioCancel = nil
		c.mu.Unlock()
		cancel()
	}
	return ioCtx, done
}

// ioFailed maps a failed driver call. A cancellation caused by an
// emergency stop surfaces as ErrEmergencyStopped, not as a bare
// context error.
func (c *Controller) ioFailed(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateEmergencyStopped {
		return ErrEmergencyStopped
	}
	return err
}

// commitIO mirrors a successful write into the cache and publishes.
// If an emergency stop pre-empted the command mid-flight the mirror is
// skipped: safing owns the cache from that point.
func (c *Controller) commitIO(mirrorFn func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateEmergencyStopped {
		return ErrEmergencyStopped
	}
	if mirrorFn != nil {
		mirrorFn()
	}
	c.publishLocked()
	return nil
}

// exec runs one hardware command through the pipeline: arbitration and
// the cache-dependent gate under the state mutex, the driver call under
// the command lock only, then the cache mirror after the write landed.
func (c *Controller) exec(ctx context.Context, manual bool, gate func() error, apply func(context.Context) error, mirrorFn func()) error {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	c.mu.Lock()
	err := c.gateLocked(manual)
	if err == nil && gate != nil {
		err = gate()
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}

	ioCtx, done := c.trackIO(ctx)
	defer done()
	if err := apply(ioCtx); err != nil {
		return c.ioFailed(err)
	}
	return c.commitIO(mirrorFn)
}

// mirror applies a cache update under the state mutex.
func (c *Controller) mirror(fn func()) {
	c.mu.Lock()
	fn()
	c.mu.Unlock()
}

// =============================================================================
// Relays
// =============================================================================

// SetRelay energises or de-energises one relay channel.
func (c *Controller) SetRelay(ctx context.Context, channel int, on bool) error {
	return c.setRelay(ctx, true, channel, on)
}

// SetAllRelays energises or de-energises every relay channel.
func (c *Controller) SetAllRelays(ctx context.Context, on bool) error {
	return c.setAllRelays(ctx, true, on)
}

func (c *Controller) setRelay(ctx context.Context, manual bool, channel int, on bool) error {
	return c.exec(ctx, manual,
		func() error {
			if channel < 1 || channel > len(c.relays) {
				return fmt.Errorf("%w: relay channel %d (1..%d)", ErrValidation, channel, len(c.relays))
			}
			return nil
		},
		func(ctx context.Context) error {
			if err := c.hw.Relays.Set(ctx, channel, on); err != nil {
				return wrapHardware("relay set", err)
			}
			return nil
		},
		func() { c.relays[channel-1] = on })
}

func (c *Controller) setAllRelays(ctx context.Context, manual bool, on bool) error {
	return c.exec(ctx, manual, nil,
		func(ctx context.Context) error {
			if err := c.hw.Relays.SetAll(ctx, on); err != nil {
				return wrapHardware("relay set all", err)
			}
			return nil
		},
		func() {
			for i := range c.relays {
				c.relays[i] = on
			}
		})
}

// =============================================================================
// Rotary valve
// =============================================================================

// SelectRotaryPort rotates the selector valve to the given port.
func (c *Controller) SelectRotaryPort(ctx context.Context, port int) error {
	return c.selectRotaryPort(ctx, true, port)
}

func (c *Controller) selectRotaryPort(ctx context.Context, manual bool, port int) error {
	if port < 1 || port > c.cfg.Rotary.Ports {
		return fmt.Errorf("%w: rotary port %d (1..%d)", ErrValidation, port, c.cfg.Rotary.Ports)
	}
	return c.exec(ctx, manual, nil,
		func(ctx context.Context) error {
			if err := c.hw.Rotary.Select(ctx, port); err != nil {
				return wrapHardware("rotary select", err)
			}
			return nil
		},
		func() { c.rotaryPort = port })
}

// =============================================================================
// Syringe pump
// =============================================================================

// MoveSyringe transfers volumeML at flowMLMin in the given direction.
// The resulting plunger position must stay within the syringe capacity.
func (c *Controller) MoveSyringe(ctx context.Context, volumeML, flowMLMin float64, dir hardware.SyringeDirection) error {
	if !dir.IsValid() {
		return fmt.Errorf("%w: syringe direction %q", ErrValidation, dir)
	}
	if volumeML < 0 || volumeML > c.cfg.Syringe.MaxVolumeML {
		return fmt.Errorf("%w: syringe volume %.3f mL (0..%.1f)", ErrValidation, volumeML, c.cfg.Syringe.MaxVolumeML)
	}
	if flowMLMin <= 0 || flowMLMin > c.cfg.Syringe.MaxFlowMLMin {
		return fmt.Errorf("%w: syringe flow %.3f mL/min (0..%.1f)", ErrValidation, flowMLMin, c.cfg.Syringe.MaxFlowMLMin)
	}
	return c.syringeMove(ctx, true, volumeML, flowMLMin, dir)
}

// syringeMove runs a relative plunger move through the pipeline. The
// capacity check reads the cached position inside the gate; the
// position re-read after the move travels from apply to mirror via pos.
func (c *Controller) syringeMove(ctx context.Context, manual bool, volumeML, flowMLMin float64, dir hardware.SyringeDirection) error {
	var pos float64
	return c.exec(ctx, manual,
		func() error {
			target := c.syringe.PositionML
			if dir == hardware.SyringeAspirate {
				target += volumeML
			} else {
				target -= volumeML
			}
			if target < 0 || target > c.cfg.Syringe.MaxVolumeML {
				return fmt.Errorf("%w: move would put plunger at %.3f mL (0..%.1f)", ErrValidation, target, c.cfg.Syringe.MaxVolumeML)
			}
			return nil
		},
		func(ctx context.Context) error {
			if err := c.hw.Syringe.Move(ctx, volumeML, flowMLMin, dir); err != nil {
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

// StopSyringe halts the plunger immediately.
func (c *Controller) StopSyringe(ctx context.Context) error {
	return c.exec(ctx, true, nil,
		func(ctx context.Context) error {
			if err := c.hw.Syringe.Stop(ctx); err != nil {
				return wrapHardware("syringe stop", err)
			}
			return nil
		},
		func() { c.syringe.Busy = false })
}

// HomeSyringe drives the plunger to the zero position.
func (c *Controller) HomeSyringe(ctx context.Context) error {
	return c.syringeHome(ctx, true)
}

func (c *Controller) syringeHome(ctx context.Context, manual bool) error {
	return c.exec(ctx, manual, nil,
		func(ctx context.Context) error {
			if err := c.hw.Syringe.Home(ctx); err != nil {
				return wrapHardware("syringe home", err)
			}
			return nil
		},
		func() { c.syringe = SyringeStatus{} })
}

// =============================================================================
// Axes
// =============================================================================

// axisConfig returns the configuration for a named axis.
func (c *Controller) axisConfig(axis string) (config.AxisConfig, hardware.Axis, error) {
	switch axis {
	case "vertical":
		return c.cfg.Vertical, c.hw.Vertical, nil
	case "horizontal":
		return c.cfg.Horizontal, c.hw.Horizontal, nil
	default:
		return config.AxisConfig{}, nil, fmt.Errorf("%w: unknown axis %q", ErrValidation, axis)
	}
}

// PresetPosition resolves a named axis preset to a position.
func (c *Controller) PresetPosition(axis, preset string) (float64, error) {
	axisCfg, _, err := c.axisConfig(axis)
	if err != nil {
		return 0, err
	}
	pos, ok := axisCfg.Presets[preset]
	if !ok {
		return 0, fmt.Errorf("%w: axis %s has no preset %q", ErrValidation, axis, preset)
	}
	return pos, nil
}

// MoveAxis moves the named axis to an absolute position.
func (c *Controller) MoveAxis(ctx context.Context, axis string, positionMM float64) error {
	axisCfg, _, err := c.axisConfig(axis)
	if err != nil {
		return err
	}
	if positionMM < axisCfg.MinMM || positionMM > axisCfg.MaxMM {
		return fmt.Errorf("%w: %s position %.2f mm (%.1f..%.1f)", ErrValidation, axis, positionMM, axisCfg.MinMM, axisCfg.MaxMM)
	}
	return c.axisMove(ctx, true, axis, positionMM)
}

// HomeAxis references the named axis and moves it to zero.
func (c *Controller) HomeAxis(ctx context.Context, axis string) error {
	return c.axisHome(ctx, true, axis)
}

// checkHorizontalClearanceLocked enforces the cross-axis interlock:
// the horizontal carriage may only move while the vertical axis sits at
// or below the clearance position (filter plate open). Caller holds c.mu.
func (c *Controller) checkHorizontalClearanceLocked() error {
	limit := c.cfg.Horizontal.ClearanceMM
	if c.vertical > limit {
		return fmt.Errorf("%w: horizontal axis locked: vertical axis at %.2f mm (> %.1f mm limit)", ErrValidation, c.vertical, limit)
	}
	return nil
}

func (c *Controller) axisMove(ctx context.Context, manual bool, axis string, positionMM float64) error {
	_, drv, err := c.axisConfig(axis)
	if err != nil {
		return err
	}
	return c.exec(ctx, manual,
		func() error {
			if axis == "horizontal" {
				return c.checkHorizontalClearanceLocked()
			}
			return nil
		},
		func(ctx context.Context) error {
			if err := drv.MoveTo(ctx, positionMM); err != nil {
				return wrapHardware(axis+" axis move", err)
			}
			return nil
		},
		func() { c.setAxisPositionLocked(axis, positionMM) })
}

func (c *Controller) axisHome(ctx context.Context, manual bool, axis string) error {
	_, drv, err := c.axisConfig(axis)
	if err != nil {
		return err
	}
	return c.exec(ctx, manual,
		func() error {
			if axis == "horizontal" {
				return c.checkHorizontalClearanceLocked()
			}
			return nil
		},
		func(ctx context.Context) error {
			if err := drv.Home(ctx); err != nil {
				return wrapHardware(axis+" axis home", err)
			}
			return nil
		},
		func() { c.setAxisPositionLocked(axis, 0) })
}

// setAxisPositionLocked updates one cached axis position. Caller holds c.mu.
func (c *Controller) setAxisPositionLocked(axis string, positionMM float64) {
	if axis == "vertical" {
		c.vertical = positionMM
	} else {
		c.horizontal = positionMM
	}
}

// =============================================================================
// Flow sensor
// =============================================================================

// SetFlowTotalising starts or stops flow accumulation.
func (c *Controller) SetFlowTotalising(ctx context.Context, on bool) error {
	return c.setFlowTotalising(ctx, true, on)
}

func (c *Controller) setFlowTotalising(ctx context.Context, manual bool, on bool) error {
	return c.exec(ctx, manual, nil,
		func(ctx context.Context) error {
			if err := c.hw.Flow.SetTotalising(ctx, on); err != nil {
				return wrapHardware("flow totalising", err)
			}
			return nil
		},
		func() { c.flow.Totalising = on })
}

// ResetFlowTotal zeroes the cumulative flow total.
func (c *Controller) ResetFlowTotal(ctx context.Context) error {
	return c.resetFlowTotal(ctx, true)
}

func (c *Controller) resetFlowTotal(ctx context.Context, manual bool) error {
	return c.exec(ctx, manual, nil,
		func(ctx context.Context) error {
			if err := c.hw.Flow.ResetTotal(ctx); err != nil {
				return wrapHardware("flow reset", err)
			}
			return nil
		},
		func() { c.flow.TotalML = 0 })
}

// =============================================================================
// Peristaltic pump
// =============================================================================

// SetPeristalticRunning starts or stops the peristaltic pump.
func (c *Controller) SetPeristalticRunning(ctx context.Context, on bool) error {
	return c.setPeristalticRunning(ctx, true, on)
}

func (c *Controller) setPeristalticRunning(ctx context.Context, manual bool, on bool) error {
	return c.exec(ctx, manual, nil,
		func(ctx context.Context) error {
			if err := c.hw.Peristaltic.SetRunning(ctx, on); err != nil {
				return wrapHardware("peristaltic run", err)
			}
			return nil
		},
		func() { c.peri.Running = on })
}

// SetPeristalticDirection changes the pump flow direction.
//
// The direction write is compound on the hardware (pin plus mode
// register). The driver makes the pair atomic and the snapshot is only
// updated after both writes land, so no observer sees a torn state.
func (c *Controller) SetPeristalticDirection(ctx context.Context, dir hardware.Direction) error {
	return c.setPeristalticDirection(ctx, true, dir)
}

func (c *Controller) setPeristalticDirection(ctx context.Context, manual bool, dir hardware.Direction) error {
	if !dir.IsValid() {
		return fmt.Errorf("%w: peristaltic direction %q", ErrValidation, dir)
	}
	return c.exec(ctx, manual, nil,
		func(ctx context.Context) error {
			if err := c.hw.Peristaltic.SetDirection(ctx, dir); err != nil {
				return wrapHardware("peristaltic direction", err)
			}
			return nil
		},
		func() { c.peri.Direction = dir })
}

// =============================================================================
// Homing and error recovery
// =============================================================================

// Home drives the syringe and both axes to their reference positions.
// Vertical homes before horizontal so the cross-axis interlock is
// satisfied. A successful home clears the ERROR state.
func (c *Controller) Home(ctx context.Context) error {
	return c.exec(ctx, true, nil, c.homeAllIO,
		func() {
			if c.state == StateError {
				c.state = StateIdle
				c.lastError = ""
			}
		})
}

// homeAllIO references the syringe and both axes, vertical first. Each
// device that homed successfully is mirrored immediately, so a failure
// part-way leaves the cache matching what the hardware actually did.
func (c *Controller) homeAllIO(ctx context.Context) error {
	if err := c.hw.Syringe.Home(ctx); err != nil {
		return wrapHardware("syringe home", err)
	}
	c.mirror(func() { c.syringe = SyringeStatus{} })

	if err := c.hw.Vertical.Home(ctx); err != nil {
		return wrapHardware("vertical axis home", err)
	}
	c.mirror(func() { c.vertical = 0 })

	if err := c.hw.Horizontal.Home(ctx); err != nil {
		return wrapHardware("horizontal axis home", err)
	}
	c.mirror(func() { c.horizontal = 0 })
	return nil
}

// ClearError acknowledges a fatal sequence failure without homing,
// returning the controller to IDLE.
func (c *Controller) ClearError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateError {
		return fmt.Errorf("%w: cell is %s, not ERROR", ErrValidation, c.state)
	}
	c.state = StateIdle
	c.lastError = ""
	c.publishLocked()
	return nil
}

// =============================================================================
// Emergency stop and recovery
// =============================================================================

// EmergencyStop is accepted in every state. It flips the state and
// cancels any active run and any driver call in flight before queueing
// for the hardware, so a wedged write cannot delay it. It then
// de-energises all outputs: relays off, pumps stopped, temperature
// loop disabled, axes halted.
//
// Safing runs on a detached context bounded by safingTimeout; the
// caller disconnecting cannot abort it. Each output is only mirrored
// as de-energised after its write succeeded, so the snapshot never
// claims a device is safe while the hardware still has it energised.
// Safing continues past individual device failures; the first failure
// is returned after everything has been attempted.
func (c *Controller) EmergencyStop(ctx context.Context) error {
	c.mu.Lock()
	if c.cancelRun != nil {
		c.cancelRun()
		c.cancelRun = nil
	}
	if c.ioCancel != nil {
		c.ioCancel()
	}
	c.state = StateEmergencyStopped
	c.run = nil
	c.mu.Unlock()

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), safingTimeout)
	defer cancel()

	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	var firstErr error
	safe := func(op string, err error, mirrorFn func()) {
		if err != nil {
			c.log.Error("emergency stop: device safing failed", "op", op, "error", err)
			if firstErr == nil {
				firstErr = wrapHardware(op, err)
			}
			return
		}
		if mirrorFn != nil {
			c.mirror(mirrorFn)
		}
	}

	safe("relay set all", c.hw.Relays.SetAll(sctx, false), func() {
		for i := range c.relays {
			c.relays[i] = false
		}
	})
	safe("syringe stop", c.hw.Syringe.Stop(sctx), func() { c.syringe.Busy = false })
	safe("peristaltic stop", c.hw.Peristaltic.SetRunning(sctx, false), func() { c.peri.Running = false })
	safe("temperature disable", c.hw.Temperature.SetEnabled(sctx, false), func() {
		c.tempEnabled = false
		c.tempReady = false
	})
	safe("vertical axis stop", c.hw.Vertical.Stop(sctx), nil)
	safe("horizontal axis stop", c.hw.Horizontal.Stop(sctx), nil)
	safe("flow totalising", c.hw.Flow.SetTotalising(sctx, false), func() { c.flow.Totalising = false })

	c.log.Warn("emergency stop executed")
	c.mu.Lock()
	c.publishEventLocked(broadcast.EventEmergencyStop, c.snapshotLocked())
	c.mu.Unlock()
	return firstErr
}

// Recover leaves EMERGENCY_STOPPED and returns to IDLE. It requires the
// explicit operator confirmation flag; without it the state is
// unchanged and ErrNotConfirmed is returned.
func (c *Controller) Recover(confirm bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateEmergencyStopped {
		return fmt.Errorf("%w: cell is %s, not EMERGENCY_STOPPED", ErrValidation, c.state)
	}
	if !confirm {
		return ErrNotConfirmed
	}

	c.state = StateIdle
	c.lastError = ""
	c.log.Info("emergency stop recovery acknowledged")
	c.publishEventLocked(broadcast.EventRecovered, c.snapshotLocked())
	return nil
}

// =============================================================================
// Run lifecycle (sequence engine facing)
// =============================================================================

// RunOutcome is the terminal state of a sequence run.
type RunOutcome string

// Run outcomes.
const (
	RunCompleted RunOutcome = "completed"
	RunFailed    RunOutcome = "failed"
	RunStopped   RunOutcome = "stopped"
)

// BeginRun transitions IDLE to RUNNING and registers the run's cancel
// function so an emergency stop can abort it.
func (c *Controller) BeginRun(runID, sequence string, stepCount int, cancel context.CancelFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateRunning:
		return ErrAlreadyRunning
	case StateEmergencyStopped:
		return ErrEmergencyStopped
	case StateError:
		return fmt.Errorf("%w: cell is in ERROR; home or clear before starting a sequence", ErrValidation)
	}

	c.state = StateRunning
	c.lastError = ""
	c.run = &RunStatus{
		ID:        runID,
		Sequence:  sequence,
		StepCount: stepCount,
		StartedAt: time.Now(),
	}
	c.cancelRun = cancel

	c.log.Info("sequence run started", "run_id", runID, "sequence", sequence, "steps", stepCount)
	c.publishEventLocked(broadcast.EventSequenceStarted, *c.run)
	return nil
}

// StepStarted records that a step began executing.
func (c *Controller) StepStarted(index int, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return
	}
	c.run.StepIndex = index
	c.run.StepName = name
	c.publishEventLocked(broadcast.EventStepStarted, *c.run)
}

// StepCompleted records that a step finished successfully.
func (c *Controller) StepCompleted(index int, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return
	}
	c.publishEventLocked(broadcast.EventStepCompleted, *c.run)
}

// StepWarning records a non-fatal step problem and keeps the run going.
func (c *Controller) StepWarning(index int, name, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return
	}
	c.run.Warnings++
	c.lastError = msg
	c.log.Warn("sequence step warning", "run_id", c.run.ID, "step", name, "warning", msg)
	c.publishEventLocked(broadcast.EventStepWarning, map[string]any{
		"run":     *c.run,
		"warning": msg,
	})
}

// RunWarnings returns the warning count of the active run.
func (c *Controller) RunWarnings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return 0
	}
	return c.run.Warnings
}

// FinishRun closes the active run: RUNNING moves to IDLE on completion
// or stop, and to ERROR on failure. A run that was pre-empted by an
// emergency stop is left alone.
func (c *Controller) FinishRun(outcome RunOutcome, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRunning {
		// Emergency stop already took the cell; nothing to close.
		return
	}

	run := c.run
	c.run = nil
	c.cancelRun = nil

	eventType := broadcast.EventSequenceCompleted
	switch outcome {
	case RunFailed:
		c.state = StateError
		c.lastError = errMsg
		eventType = broadcast.EventSequenceFailed
	case RunStopped:
		c.state = StateIdle
		eventType = broadcast.EventSequenceStopped
	default:
		c.state = StateIdle
	}

	payload := map[string]any{"outcome": string(outcome)}
	if run != nil {
		payload["run"] = *run
		c.log.Info("sequence run finished", "run_id", run.ID, "outcome", string(outcome), "error", errMsg)
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	c.publishEventLocked(eventType, payload)
}

// =============================================================================
// Telemetry
// =============================================================================

// PollTelemetry refreshes the cached sensor values (flow reading,
// measured temperature, readiness, syringe busy flag). Call it
// periodically; the broadcaster tick then carries fresh values.
//
// The reads run outside the command lock so polling stays live while a
// write is in flight; drivers serialise their own bus access.
func (c *Controller) PollTelemetry(ctx context.Context) error {
	reading, err := c.hw.Flow.Read(ctx)
	if err != nil {
		return wrapHardware("flow read", err)
	}
	measured, err := c.hw.Temperature.Measured(ctx)
	if err != nil {
		return wrapHardware("temperature read", err)
	}
	ready, err := c.hw.Temperature.Ready(ctx)
	if err != nil {
		return wrapHardware("temperature ready", err)
	}
	busy, err := c.hw.Syringe.Busy(ctx)
	if err != nil {
		return wrapHardware("syringe busy", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.flow.FlowMLMin = reading.FlowMLMin
	c.flow.TotalML = reading.TotalML
	c.tempMeasured = measured
	c.tempReady = ready
	c.syringe.Busy = busy
	return nil
}
