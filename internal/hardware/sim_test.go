package hardware

import (
	"context"
	"errors"
	"testing"
)

func TestSimRelayBoard_SetAndStates(t *testing.T) {
	ctx := context.Background()
	cell := NewSimCell(SimConfig{RelayChannels: 4})

	if err := cell.Relays.Set(ctx, 2, true); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	states, err := cell.Relays.States(ctx)
	if err != nil {
		t.Fatalf("States() error = %v", err)
	}
	if len(states) != 4 {
		t.Fatalf("States() len = %d, want 4", len(states))
	}
	if !states[1] || states[0] || states[2] || states[3] {
		t.Errorf("States() = %v, want only channel 2 on", states)
	}

	if err := cell.Relays.SetAll(ctx, true); err != nil {
		t.Fatalf("SetAll() error = %v", err)
	}
	states, _ = cell.Relays.States(ctx)
	for i, on := range states {
		if !on {
			t.Errorf("channel %d off after SetAll(true)", i+1)
		}
	}
}

func TestSimRelayBoard_ChannelOutOfRange(t *testing.T) {
	ctx := context.Background()
	cell := NewSimCell(SimConfig{RelayChannels: 8})

	for _, channel := range []int{0, 9, -1} {
		if err := cell.Relays.Set(ctx, channel, true); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("Set(%d) error = %v, want ErrOutOfRange", channel, err)
		}
	}
}

func TestSimRotaryValve_Select(t *testing.T) {
	ctx := context.Background()
	cell := NewSimCell(SimConfig{RotaryPorts: 12})

	port, err := cell.Rotary.Port(ctx)
	if err != nil {
		t.Fatalf("Port() error = %v", err)
	}
	if port != 1 {
		t.Errorf("initial port = %d, want 1", port)
	}

	if err := cell.Rotary.Select(ctx, 6); err != nil {
		t.Fatalf("Select(6) error = %v", err)
	}
	port, _ = cell.Rotary.Port(ctx)
	if port != 6 {
		t.Errorf("port after Select(6) = %d", port)
	}

	if err := cell.Rotary.Select(ctx, 13); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Select(13) error = %v, want ErrOutOfRange", err)
	}
}

func TestSimSyringePump_MoveTracksPosition(t *testing.T) {
	ctx := context.Background()
	cell := NewSimCell(SimConfig{})

	if err := cell.Syringe.Move(ctx, 1.5, 10, SyringeAspirate); err != nil {
		t.Fatalf("Move(aspirate) error = %v", err)
	}
	pos, _ := cell.Syringe.PositionML(ctx)
	if pos != 1.5 {
		t.Errorf("position after aspirate = %v, want 1.5", pos)
	}

	if err := cell.Syringe.Move(ctx, 2.0, 10, SyringeDispense); err != nil {
		t.Fatalf("Move(dispense) error = %v", err)
	}
	pos, _ = cell.Syringe.PositionML(ctx)
	if pos != 0 {
		t.Errorf("position clamps at zero, got %v", pos)
	}
}

func TestSimSyringePump_RejectsInvalidMove(t *testing.T) {
	ctx := context.Background()
	cell := NewSimCell(SimConfig{})

	if err := cell.Syringe.Move(ctx, -1, 10, SyringeAspirate); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Move(negative volume) error = %v, want ErrOutOfRange", err)
	}
	if err := cell.Syringe.Move(ctx, 1, 0, SyringeAspirate); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Move(zero flow) error = %v, want ErrOutOfRange", err)
	}
	if err := cell.Syringe.Move(ctx, 1, 10, "sideways"); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Move(bad direction) error = %v, want ErrOutOfRange", err)
	}

	cell.Syringe.SetBusy(true)
	if err := cell.Syringe.Move(ctx, 1, 10, SyringeAspirate); !errors.Is(err, ErrBusy) {
		t.Errorf("Move() while busy error = %v, want ErrBusy", err)
	}
}

func TestSimTemperature_Ready(t *testing.T) {
	ctx := context.Background()
	cell := NewSimCell(SimConfig{})
	temp := cell.Temperature

	if err := temp.SetTarget(ctx, 40.0); err != nil {
		t.Fatalf("SetTarget() error = %v", err)
	}

	// Disabled loop is never ready
	ready, _ := temp.Ready(ctx)
	if ready {
		t.Error("Ready() = true while disabled")
	}

	if err := temp.SetEnabled(ctx, true); err != nil {
		t.Fatalf("SetEnabled() error = %v", err)
	}
	ready, _ = temp.Ready(ctx)
	if ready {
		t.Error("Ready() = true at 20C with 40C target")
	}

	temp.SetMeasured(39.8)
	ready, _ = temp.Ready(ctx)
	if !ready {
		t.Error("Ready() = false within settling band")
	}
}

func TestSimTemperature_ConfiguredBand(t *testing.T) {
	ctx := context.Background()
	cell := NewSimCell(SimConfig{TemperatureBandC: 2.0})
	temp := cell.Temperature

	if err := temp.SetTarget(ctx, 40.0); err != nil {
		t.Fatalf("SetTarget() error = %v", err)
	}
	if err := temp.SetEnabled(ctx, true); err != nil {
		t.Fatalf("SetEnabled() error = %v", err)
	}

	// 1.5C off target: outside the default 0.5 band, inside the wide one.
	temp.SetMeasured(38.5)
	ready, _ := temp.Ready(ctx)
	if !ready {
		t.Error("Ready() = false with a 2.0C band configured")
	}

	temp.SetMeasured(37.5)
	ready, _ = temp.Ready(ctx)
	if ready {
		t.Error("Ready() = true outside the configured band")
	}
}

func TestSimPeristaltic_DirectionChange(t *testing.T) {
	ctx := context.Background()
	cell := NewSimCell(SimConfig{})
	pump := cell.Peristaltic

	if err := pump.SetDirection(ctx, DirectionReverse); err != nil {
		t.Fatalf("SetDirection() error = %v", err)
	}

	pin, mode := pump.PinAndMode()
	if pin != DirectionReverse || mode != modeReverse {
		t.Errorf("pin=%v mode=%#x, want reverse pair", pin, mode)
	}
}

func TestSimPeristaltic_RegisterFailureRestoresPin(t *testing.T) {
	ctx := context.Background()
	cell := NewSimCell(SimConfig{})
	pump := cell.Peristaltic

	pump.FailNextRegisterWrite(errors.New("bus timeout"))

	err := pump.SetDirection(ctx, DirectionReverse)
	if !errors.Is(err, ErrFault) {
		t.Fatalf("SetDirection() error = %v, want ErrFault", err)
	}

	// Pin must have been restored; pair stays consistent
	pin, mode := pump.PinAndMode()
	if pin != DirectionForward || mode != modeForward {
		t.Errorf("torn state after failed write: pin=%v mode=%#x", pin, mode)
	}
}

func TestSimFlowSensor_Totaliser(t *testing.T) {
	ctx := context.Background()
	cell := NewSimCell(SimConfig{})
	flow := cell.Flow

	flow.SetReading(12.5, 103.4)

	reading, err := flow.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if reading.FlowMLMin != 12.5 || reading.TotalML != 103.4 {
		t.Errorf("Read() = %+v", reading)
	}

	if err := flow.SetTotalising(ctx, true); err != nil {
		t.Fatalf("SetTotalising() error = %v", err)
	}
	on, _ := flow.Totalising(ctx)
	if !on {
		t.Error("Totalising() = false after SetTotalising(true)")
	}

	if err := flow.ResetTotal(ctx); err != nil {
		t.Fatalf("ResetTotal() error = %v", err)
	}
	reading, _ = flow.Read(ctx)
	if reading.TotalML != 0 {
		t.Errorf("TotalML after reset = %v, want 0", reading.TotalML)
	}
}

func TestSim_FaultInjection(t *testing.T) {
	ctx := context.Background()
	cell := NewSimCell(SimConfig{})

	injected := errors.New("injected fault")
	cell.Relays.FailNext(injected)

	if err := cell.Relays.Set(ctx, 1, true); !errors.Is(err, injected) {
		t.Errorf("Set() error = %v, want injected fault", err)
	}

	// Fault is consumed by the failing call
	if err := cell.Relays.Set(ctx, 1, true); err != nil {
		t.Errorf("Set() after consumed fault error = %v", err)
	}
}

func TestSim_CancelledContext(t *testing.T) {
	cell := NewSimCell(SimConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := cell.Relays.Set(ctx, 1, true); !errors.Is(err, context.Canceled) {
		t.Errorf("Set() error = %v, want context.Canceled", err)
	}
	if _, err := cell.Flow.Read(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Read() error = %v, want context.Canceled", err)
	}
}
