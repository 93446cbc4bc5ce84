package sequence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/warpfluidics/warpd/internal/broadcast"
	"github.com/warpfluidics/warpd/internal/cell"
	"github.com/warpfluidics/warpd/internal/hardware"
	"github.com/warpfluidics/warpd/internal/infrastructure/config"
)

func testHardwareConfig() config.HardwareConfig {
	return config.HardwareConfig{
		Backend: "sim",
		Relay:   config.RelayConfig{Channels: 8},
		Rotary:  config.RotaryConfig{Ports: 12},
		Syringe: config.SyringeConfig{MaxVolumeML: 2.5, MaxFlowMLMin: 15.0},
		Vertical: config.AxisConfig{
			MinMM: 0, MaxMM: 33,
			Presets: map[string]float64{"open": 0.0, "close": 33.0},
		},
		Horizontal: config.AxisConfig{
			MinMM: 0, MaxMM: 133, ClearanceMM: 10,
			Presets: map[string]float64{"filtering": 133.0, "filter_out": 26.0, "filter_in": 0.0},
		},
		Temperature: config.TemperatureConfig{
			MinCelsius: 5, MaxCelsius: 95, ReadyBandC: 0.5, ReadyTimeout: 300,
		},
	}
}

type engineFixture struct {
	engine *Engine
	ctrl   *cell.Controller
	sim    *hardware.SimCell
	lib    *Library
	sub    *broadcast.Subscription
	repo   *SQLiteRepository
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	sim := hardware.NewSimCell(hardware.SimConfig{RelayChannels: 8, RotaryPorts: 12})
	bus := broadcast.New(64)
	t.Cleanup(bus.Close)

	ctrl, err := cell.New(context.Background(), testHardwareConfig(), sim.Cell(), bus, nil)
	if err != nil {
		t.Fatalf("cell.New() error = %v", err)
	}

	lib := NewLibrary()
	repo := NewSQLiteRepository(setupTestDB(t))
	engine := NewEngine(config.SequenceConfig{MinStepDelay: 1, HistoryLimit: 50}, ctrl, lib, repo, nil)

	sub := bus.Subscribe()
	t.Cleanup(sub.Close)

	return &engineFixture{engine: engine, ctrl: ctrl, sim: sim, lib: lib, sub: sub, repo: repo}
}

// waitForEvent drains the subscription until an event of the wanted
// type arrives or the timeout passes.
func (f *engineFixture) waitForEvent(t *testing.T, eventType string, timeout time.Duration) broadcast.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case evt := <-f.sub.Events():
			if evt.Type == eventType {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", eventType)
			return broadcast.Event{}
		}
	}
}

func TestEngine_StartUnknownSequence(t *testing.T) {
	f := newEngineFixture(t)

	if _, err := f.engine.Start("no_such_protocol"); !errors.Is(err, cell.ErrUnknownSequence) {
		t.Errorf("Start(unknown): error = %v, want ErrUnknownSequence", err)
	}
	if got := f.ctrl.State(); got != cell.StateIdle {
		t.Errorf("state = %s, want IDLE", got)
	}
}

func TestEngine_RunCompletes(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.lib.register(Sequence{
		Name: "mini",
		Steps: []Step{
			relayStep("valve on", 2, true),
			rotaryStep(3),
			syringeStep("draw", 1.0, 1.0),
			syringeStep("expel", 0.0, 1.0),
		},
	})

	runID, err := f.engine.Start("mini")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if runID == "" {
		t.Fatal("Start() returned empty run id")
	}

	f.waitForEvent(t, broadcast.EventSequenceCompleted, 5*time.Second)

	if got := f.ctrl.State(); got != cell.StateIdle {
		t.Errorf("state after run = %s, want IDLE", got)
	}

	// The hardware saw every step.
	states, _ := f.sim.Relays.States(ctx)
	if !states[1] {
		t.Error("relay 2 not energised by the run")
	}
	port, _ := f.sim.Rotary.Port(ctx)
	if port != 3 {
		t.Errorf("rotary port = %d, want 3", port)
	}

	// History records the completion.
	runs, err := f.repo.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != runID || runs[0].State != RunStateCompleted {
		t.Errorf("history = %+v, want one completed run %s", runs, runID)
	}
	if runs[0].StepsDone != 4 {
		t.Errorf("steps_done = %d, want 4", runs[0].StepsDone)
	}
}

func TestEngine_SecondStartWhileRunning(t *testing.T) {
	f := newEngineFixture(t)

	f.lib.register(Sequence{
		Name:  "slow",
		Steps: []Step{waitStep("settle", 2*time.Second)},
	})

	if _, err := f.engine.Start("slow"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := f.engine.Start("slow"); !errors.Is(err, cell.ErrAlreadyRunning) {
		t.Errorf("second Start: error = %v, want ErrAlreadyRunning", err)
	}

	if err := f.engine.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	f.waitForEvent(t, broadcast.EventSequenceStopped, 5*time.Second)
}

func TestEngine_StopCancelsRun(t *testing.T) {
	f := newEngineFixture(t)

	f.lib.register(Sequence{
		Name: "interruptible",
		Steps: []Step{
			relayStep("valve on", 1, true),
			waitStep("long soak", 30*time.Second),
			relayStep("valve off", 1, false),
		},
	})

	runID, err := f.engine.Start("interruptible")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Give the run a moment to reach the soak step, then stop it.
	f.waitForEvent(t, broadcast.EventStepStarted, 5*time.Second)
	if err := f.engine.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	f.waitForEvent(t, broadcast.EventSequenceStopped, 5*time.Second)
	if got := f.ctrl.State(); got != cell.StateIdle {
		t.Errorf("state after stop = %s, want IDLE", got)
	}

	runs, err := f.repo.ListRuns(context.Background(), 1)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != runID || runs[0].State != RunStateStopped {
		t.Errorf("history = %+v, want stopped run %s", runs, runID)
	}
}

func TestEngine_StopWithoutRun(t *testing.T) {
	f := newEngineFixture(t)
	if err := f.engine.Stop(); !errors.Is(err, cell.ErrNoActiveRun) {
		t.Errorf("Stop(): error = %v, want ErrNoActiveRun", err)
	}
}

func TestEngine_FatalStepAbortsRun(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.lib.register(Sequence{
		Name: "fragile",
		Steps: []Step{
			{Name: "bad relay", Policy: PolicyFatal, Relay: &RelayAction{Channel: 99, On: true}},
			relayStep("never reached", 1, true),
		},
	})

	if _, err := f.engine.Start("fragile"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f.waitForEvent(t, broadcast.EventSequenceFailed, 5*time.Second)

	if got := f.ctrl.State(); got != cell.StateError {
		t.Errorf("state after fatal failure = %s, want ERROR", got)
	}
	states, _ := f.sim.Relays.States(ctx)
	if states[0] {
		t.Error("step after the fatal failure was still executed")
	}

	runs, err := f.repo.ListRuns(ctx, 1)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if runs[0].State != RunStateFailed || runs[0].Error == "" {
		t.Errorf("history = %+v, want failed run with error text", runs[0])
	}
}

func TestEngine_WarnStepContinuesRun(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.lib.register(Sequence{
		Name: "tolerant",
		Steps: []Step{
			{Name: "bad relay", Policy: PolicyWarn, Relay: &RelayAction{Channel: 99, On: true}},
			relayStep("good relay", 3, true),
		},
	})

	if _, err := f.engine.Start("tolerant"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f.waitForEvent(t, broadcast.EventSequenceCompleted, 5*time.Second)

	if got := f.ctrl.State(); got != cell.StateIdle {
		t.Errorf("state = %s, want IDLE", got)
	}
	states, _ := f.sim.Relays.States(ctx)
	if !states[2] {
		t.Error("step after the warned failure was not executed")
	}

	runs, err := f.repo.ListRuns(ctx, 1)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if runs[0].State != RunStateCompleted || runs[0].Warnings == 0 {
		t.Errorf("history = %+v, want completed run with warnings", runs[0])
	}
}

func TestEngine_OutOfRangeParametersClampWithWarning(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.lib.register(Sequence{
		Name: "overdrawn",
		Steps: []Step{
			syringeStep("draw past capacity", 5.0, 1.0),
			syringeStep("expel", 0.0, 1.0),
		},
	})

	if _, err := f.engine.Start("overdrawn"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f.waitForEvent(t, broadcast.EventSequenceCompleted, 5*time.Second)

	runs, err := f.repo.ListRuns(ctx, 1)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if runs[0].State != RunStateCompleted {
		t.Errorf("state = %s, want completed (clamp is not a failure)", runs[0].State)
	}
	if runs[0].Warnings == 0 {
		t.Error("clamped parameter did not record a warning")
	}
}

func TestEngine_EmergencyStopPreemptsRun(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.lib.register(Sequence{
		Name:  "soak",
		Steps: []Step{waitStep("long soak", 30*time.Second)},
	})

	if _, err := f.engine.Start("soak"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f.waitForEvent(t, broadcast.EventStepStarted, 5*time.Second)

	if err := f.ctrl.EmergencyStop(ctx); err != nil {
		t.Fatalf("EmergencyStop: %v", err)
	}

	// The run goroutine winds down without dragging the cell to IDLE.
	f.waitForEvent(t, broadcast.EventEmergencyStop, 5*time.Second)
	deadline := time.Now().Add(5 * time.Second)
	for f.engine.Running() {
		if time.Now().After(deadline) {
			t.Fatal("run goroutine did not exit after emergency stop")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := f.ctrl.State(); got != cell.StateEmergencyStopped {
		t.Errorf("state = %s, want EMERGENCY_STOPPED", got)
	}
}
