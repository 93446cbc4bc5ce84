package hardware

import (
	"context"
	"fmt"
	"sync"
)

// SimConfig configures the simulator backend.
type SimConfig struct {
	// RelayChannels is the number of relay channels (default 8).
	RelayChannels int

	// RotaryPorts is the number of valve ports (default 12).
	RotaryPorts int

	// TemperatureBandC is the band around the target within which the
	// temperature loop reports ready (default 0.5).
	TemperatureBandC float64
}

// SimCell holds the concrete simulator devices for one cell.
// Tests use the concrete types for fault injection and state inspection;
// production wiring uses Cell() to obtain the interface bundle.
type SimCell struct {
	Relays      *SimRelayBoard
	Rotary      *SimRotaryValve
	Syringe     *SimSyringePump
	Vertical    *SimAxis
	Horizontal  *SimAxis
	Temperature *SimTemperature
	Peristaltic *SimPeristaltic
	Flow        *SimFlowSensor
}

// NewSimCell creates a simulator cell with all devices at their power-on
// state: relays off, valve at port 1, syringe homed, axes at zero,
// temperature loop disabled, peristaltic forward, totaliser stopped.
func NewSimCell(cfg SimConfig) *SimCell {
	channels := cfg.RelayChannels
	if channels <= 0 {
		channels = 8
	}
	ports := cfg.RotaryPorts
	if ports <= 0 {
		ports = 12
	}
	band := cfg.TemperatureBandC
	if band <= 0 {
		band = 0.5
	}

	return &SimCell{
		Relays:      &SimRelayBoard{states: make([]bool, channels)},
		Rotary:      &SimRotaryValve{ports: ports, port: 1},
		Syringe:     &SimSyringePump{},
		Vertical:    &SimAxis{},
		Horizontal:  &SimAxis{},
		Temperature: &SimTemperature{measured: 20.0, band: band},
		Peristaltic: &SimPeristaltic{pin: DirectionForward, mode: modeForward},
		Flow:        &SimFlowSensor{},
	}
}

// Cell returns the interface bundle over the simulator devices.
func (s *SimCell) Cell() Cell {
	return Cell{
		Relays:      s.Relays,
		Rotary:      s.Rotary,
		Syringe:     s.Syringe,
		Vertical:    s.Vertical,
		Horizontal:  s.Horizontal,
		Temperature: s.Temperature,
		Peristaltic: s.Peristaltic,
		Flow:        s.Flow,
	}
}

// simBase provides shared fault injection for simulator devices.
type simBase struct {
	mu       sync.Mutex
	failNext error
}

// FailNext arranges for the next operation on the device to fail with err.
// The failure is consumed by that one operation.
func (b *simBase) FailNext(err error) {
	b.mu.Lock()
	b.failNext = err
	b.mu.Unlock()
}

// takeFault returns and clears the pending injected fault.
// Caller must hold b.mu.
func (b *simBase) takeFault() error {
	err := b.failNext
	b.failNext = nil
	return err
}

// SimRelayBoard is an in-memory relay board.
type SimRelayBoard struct {
	simBase
	states []bool
}

func (r *SimRelayBoard) Set(ctx context.Context, channel int, on bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFault(); err != nil {
		return err
	}
	if channel < 1 || channel > len(r.states) {
		return fmt.Errorf("%w: relay channel %d", ErrOutOfRange, channel)
	}
	r.states[channel-1] = on
	return nil
}

func (r *SimRelayBoard) SetAll(ctx context.Context, on bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFault(); err != nil {
		return err
	}
	for i := range r.states {
		r.states[i] = on
	}
	return nil
}

func (r *SimRelayBoard) States(ctx context.Context) ([]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFault(); err != nil {
		return nil, err
	}
	out := make([]bool, len(r.states))
	copy(out, r.states)
	return out, nil
}

// SimRotaryValve is an in-memory rotary selector valve.
type SimRotaryValve struct {
	simBase
	ports int
	port  int
}

func (v *SimRotaryValve) Select(ctx context.Context, port int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.takeFault(); err != nil {
		return err
	}
	if port < 1 || port > v.ports {
		return fmt.Errorf("%w: rotary port %d", ErrOutOfRange, port)
	}
	v.port = port
	return nil
}

func (v *SimRotaryValve) Port(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.takeFault(); err != nil {
		return 0, err
	}
	return v.port, nil
}

// SimSyringePump is an in-memory syringe pump. Motions complete
// instantly; tests can hold Busy high via SetBusy.
type SimSyringePump struct {
	simBase
	positionML float64
	busy       bool
}

func (p *SimSyringePump) Move(ctx context.Context, volumeML, flowMLMin float64, dir SyringeDirection) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFault(); err != nil {
		return err
	}
	if volumeML < 0 || flowMLMin <= 0 {
		return fmt.Errorf("%w: volume %.3f mL at %.3f mL/min", ErrOutOfRange, volumeML, flowMLMin)
	}
	if !dir.IsValid() {
		return fmt.Errorf("%w: syringe direction %q", ErrOutOfRange, dir)
	}
	if p.busy {
		return ErrBusy
	}
	switch dir {
	case SyringeAspirate:
		p.positionML += volumeML
	case SyringeDispense:
		p.positionML -= volumeML
		if p.positionML < 0 {
			p.positionML = 0
		}
	}
	return nil
}

func (p *SimSyringePump) Stop(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFault(); err != nil {
		return err
	}
	p.busy = false
	return nil
}

func (p *SimSyringePump) Home(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFault(); err != nil {
		return err
	}
	p.positionML = 0
	p.busy = false
	return nil
}

func (p *SimSyringePump) Busy(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy, nil
}

func (p *SimSyringePump) PositionML(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positionML, nil
}

// SetBusy forces the busy flag, for tests exercising in-motion behaviour.
func (p *SimSyringePump) SetBusy(busy bool) {
	p.mu.Lock()
	p.busy = busy
	p.mu.Unlock()
}

// SimAxis is an in-memory linear axis. Motions complete instantly.
type SimAxis struct {
	simBase
	positionMM float64
}

func (a *SimAxis) MoveTo(ctx context.Context, positionMM float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.takeFault(); err != nil {
		return err
	}
	a.positionMM = positionMM
	return nil
}

func (a *SimAxis) Home(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.takeFault(); err != nil {
		return err
	}
	a.positionMM = 0
	return nil
}

func (a *SimAxis) Stop(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.takeFault(); err != nil {
		return err
	}
	return nil
}

func (a *SimAxis) Position(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.positionMM, nil
}

// SimTemperature is an in-memory temperature control loop.
// The measured value is set directly by tests via SetMeasured; Ready
// reports whether the measured value sits within the settling band.
type SimTemperature struct {
	simBase
	target   float64
	measured float64
	band     float64
	enabled  bool

	// targetWrites counts SetTarget calls, for push-once assertions.
	targetWrites int
}

func (t *SimTemperature) SetTarget(ctx context.Context, celsius float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.takeFault(); err != nil {
		return err
	}
	t.target = celsius
	t.targetWrites++
	return nil
}

func (t *SimTemperature) SetEnabled(ctx context.Context, enabled bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.takeFault(); err != nil {
		return err
	}
	t.enabled = enabled
	return nil
}

func (t *SimTemperature) Measured(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.measured, nil
}

func (t *SimTemperature) Ready(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return false, nil
	}
	diff := t.measured - t.target
	if diff < 0 {
		diff = -diff
	}
	return diff <= t.band, nil
}

// SetMeasured sets the simulated process temperature.
func (t *SimTemperature) SetMeasured(celsius float64) {
	t.mu.Lock()
	t.measured = celsius
	t.mu.Unlock()
}

// Target returns the last written loop target.
func (t *SimTemperature) Target() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.target
}

// TargetWrites returns how many times SetTarget has been called.
func (t *SimTemperature) TargetWrites() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.targetWrites
}

// Peristaltic mode register values. The register mirrors the direction
// pin; the pair must always agree.
const (
	modeForward = 0x01
	modeReverse = 0x02
)

// SimPeristaltic is an in-memory peristaltic pump. The direction is a
// compound state (pin plus mode register) written in two steps, matching
// the real hardware; SetDirection restores the pin if the register write
// fails so observers never see the pair disagree.
type SimPeristaltic struct {
	simBase
	running bool
	pin     Direction
	mode    int

	// failRegister, when set, fails the register half of the next
	// SetDirection after the pin write has landed.
	failRegister error
}

func (p *SimPeristaltic) SetRunning(ctx context.Context, on bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFault(); err != nil {
		return err
	}
	p.running = on
	return nil
}

func (p *SimPeristaltic) SetDirection(ctx context.Context, dir Direction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFault(); err != nil {
		return err
	}
	if !dir.IsValid() {
		return fmt.Errorf("%w: direction %q", ErrOutOfRange, dir)
	}

	prevPin := p.pin

	// Pin write lands first, then the mode register.
	p.pin = dir
	if p.failRegister != nil {
		err := p.failRegister
		p.failRegister = nil
		p.pin = prevPin
		return fmt.Errorf("%w: mode register write: %w", ErrFault, err)
	}
	if dir == DirectionForward {
		p.mode = modeForward
	} else {
		p.mode = modeReverse
	}
	return nil
}

func (p *SimPeristaltic) Running(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running, nil
}

func (p *SimPeristaltic) Direction(ctx context.Context) (Direction, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pin, nil
}

// FailNextRegisterWrite arranges for the register half of the next
// SetDirection call to fail after the pin write.
func (p *SimPeristaltic) FailNextRegisterWrite(err error) {
	p.mu.Lock()
	p.failRegister = err
	p.mu.Unlock()
}

// PinAndMode returns the raw pin and mode register values, for
// consistency assertions.
func (p *SimPeristaltic) PinAndMode() (Direction, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pin, p.mode
}

// SimFlowSensor is an in-memory flow sensor with a resettable totaliser.
type SimFlowSensor struct {
	simBase
	flowMLMin  float64
	totalML    float64
	totalising bool
}

func (f *SimFlowSensor) Read(ctx context.Context) (FlowReading, error) {
	if err := ctx.Err(); err != nil {
		return FlowReading{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFault(); err != nil {
		return FlowReading{}, err
	}
	return FlowReading{FlowMLMin: f.flowMLMin, TotalML: f.totalML}, nil
}

func (f *SimFlowSensor) SetTotalising(ctx context.Context, on bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFault(); err != nil {
		return err
	}
	f.totalising = on
	return nil
}

func (f *SimFlowSensor) ResetTotal(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFault(); err != nil {
		return err
	}
	f.totalML = 0
	return nil
}

func (f *SimFlowSensor) Totalising(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.totalising, nil
}

// SetReading sets the simulated flow rate and cumulative total.
func (f *SimFlowSensor) SetReading(flowMLMin, totalML float64) {
	f.mu.Lock()
	f.flowMLMin = flowMLMin
	f.totalML = totalML
	f.mu.Unlock()
}
