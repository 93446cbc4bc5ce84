package sequence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warpfluidics/warpd/internal/cell"
	"github.com/warpfluidics/warpd/internal/hardware"
	"github.com/warpfluidics/warpd/internal/infrastructure/config"
	"github.com/warpfluidics/warpd/internal/infrastructure/logging"
)

// defaultFlowMLMin is used for syringe steps that do not name a rate.
const defaultFlowMLMin = 2.0

// Engine runs sequences against the cell controller, one at a time.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Engine struct {
	cfg  config.SequenceConfig
	ctrl *cell.Controller
	lib  *Library
	repo Repository
	log  *logging.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewEngine creates a sequence engine.
//
// Parameters:
//   - cfg: Step timing and history settings
//   - ctrl: Cell controller the runs execute against
//   - lib: Sequence library
//   - repo: Run history store; may be nil to disable persistence
//   - log: Structured logger
func NewEngine(cfg config.SequenceConfig, ctrl *cell.Controller, lib *Library, repo Repository, log *logging.Logger) *Engine {
	if log == nil {
		log = logging.Default()
	}
	return &Engine{
		cfg:  cfg,
		ctrl: ctrl,
		lib:  lib,
		repo: repo,
		log:  log.With("component", "sequence"),
	}
}

// Start launches the named sequence in a background goroutine.
//
// Returns:
//   - string: Run ID for tracking the run
//   - error: cell.ErrUnknownSequence, cell.ErrAlreadyRunning or a
//     state-gating error from the controller
func (e *Engine) Start(name string) (string, error) {
	seq, ok := e.lib.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: %q", cell.ErrUnknownSequence, name)
	}

	runID := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.Background())

	if err := e.ctrl.BeginRun(runID, name, len(seq.Steps), cancel); err != nil {
		cancel()
		return "", err
	}

	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	if e.repo != nil {
		rec := &RunRecord{
			ID:         runID,
			Sequence:   name,
			State:      RunStateRunning,
			StartedAt:  time.Now().UTC(),
			StepsTotal: len(seq.Steps),
		}
		if err := e.repo.CreateRun(context.Background(), rec); err != nil {
			e.log.Error("recording run start failed", "run_id", runID, "error", err)
		}
	}

	go e.run(runCtx, runID, seq)
	return runID, nil
}

// Running reports whether a run goroutine is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancel != nil
}

// Stop cancels the active run. The run winds down at the next step
// boundary and the cell returns to IDLE.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel == nil {
		return cell.ErrNoActiveRun
	}
	e.cancel()
	return nil
}

// run is the goroutine body for one sequence run.
func (e *Engine) run(ctx context.Context, runID string, seq Sequence) {
	defer func() {
		e.mu.Lock()
		e.cancel = nil
		e.mu.Unlock()
	}()

	// The warn callback attributes clamp warnings to the step that is
	// executing; stepIdx/stepName are only written by this goroutine.
	var stepIdx int
	var stepName string
	act := e.ctrl.Actuator(func(msg string) {
		e.ctrl.StepWarning(stepIdx, stepName, msg)
	})

	minDelay := time.Duration(e.cfg.MinStepDelay) * time.Millisecond
	outcome := cell.RunCompleted
	errMsg := ""
	stepsDone := 0

	for i, step := range seq.Steps {
		if ctx.Err() != nil {
			outcome = cell.RunStopped
			break
		}

		stepIdx, stepName = i, step.Name
		e.ctrl.StepStarted(i, step.Name)

		err := e.executeStep(ctx, act, step)
		switch {
		case err == nil:
			stepsDone++
			e.ctrl.StepCompleted(i, step.Name)
		case ctx.Err() != nil || errors.Is(err, context.Canceled):
			outcome = cell.RunStopped
		case errors.Is(err, cell.ErrEmergencyStopped):
			// The controller already owns the terminal state.
			outcome = cell.RunStopped
		case step.Policy == PolicyFatal:
			outcome = cell.RunFailed
			errMsg = fmt.Sprintf("step %d (%s): %v", i+1, step.Name, err)
		default:
			e.ctrl.StepWarning(i, step.Name, err.Error())
		}
		if outcome != cell.RunCompleted {
			break
		}

		// Inter-step settle delay, interruptible by stop.
		if i < len(seq.Steps)-1 && minDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(minDelay):
			}
		}
	}

	if ctx.Err() != nil && outcome == cell.RunCompleted {
		outcome = cell.RunStopped
	}

	warnings := e.ctrl.RunWarnings()
	e.ctrl.FinishRun(outcome, errMsg)

	if e.repo != nil {
		now := time.Now().UTC()
		rec := &RunRecord{
			ID:         runID,
			Sequence:   seq.Name,
			State:      runStateFor(outcome),
			FinishedAt: &now,
			StepsTotal: len(seq.Steps),
			StepsDone:  stepsDone,
			Warnings:   warnings,
			Error:      errMsg,
		}
		if err := e.repo.FinishRun(context.Background(), rec); err != nil {
			e.log.Error("recording run finish failed", "run_id", runID, "error", err)
		}
	}
}

func runStateFor(outcome cell.RunOutcome) string {
	switch outcome {
	case cell.RunFailed:
		return RunStateFailed
	case cell.RunStopped:
		return RunStateStopped
	default:
		return RunStateCompleted
	}
}

// executeStep dispatches one step to the actuator.
func (e *Engine) executeStep(ctx context.Context, act *cell.Actuator, step Step) error {
	switch {
	case step.Relay != nil:
		if step.Relay.All {
			return act.SetAllRelays(ctx, step.Relay.On)
		}
		return act.SetRelay(ctx, step.Relay.Channel, step.Relay.On)

	case step.Rotary != nil:
		return act.SelectRotaryPort(ctx, step.Rotary.Port)

	case step.Syringe != nil:
		if step.Syringe.Home {
			return act.HomeSyringe(ctx)
		}
		flow := step.Syringe.FlowMLMin
		if flow <= 0 {
			flow = defaultFlowMLMin
		}
		return act.SyringeGoto(ctx, step.Syringe.TargetML, flow)

	case step.Axis != nil:
		a := step.Axis
		switch {
		case a.Home:
			return act.HomeAxis(ctx, a.Axis)
		case a.Preset != "":
			return act.MoveAxisPreset(ctx, a.Axis, a.Preset)
		case a.PositionMM != nil:
			return act.MoveAxis(ctx, a.Axis, *a.PositionMM)
		default:
			return fmt.Errorf("%w: axis step %q has no target", cell.ErrValidation, step.Name)
		}

	case step.Wait != nil:
		if step.Wait.ForReady {
			// Readiness timeout is a warning, never a failure.
			_, err := act.WaitTemperatureReady(ctx, step.Wait.Duration)
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(step.Wait.Duration):
			return nil
		}

	case step.Temperature != nil:
		if step.Temperature.TargetC != nil {
			if err := act.SetTemperatureTarget(ctx, *step.Temperature.TargetC); err != nil {
				return err
			}
		}
		if step.Temperature.Enabled != nil {
			return act.SetTemperatureEnabled(ctx, *step.Temperature.Enabled)
		}
		return nil

	case step.Peristaltic != nil:
		if step.Peristaltic.Direction != hardware.Direction("") {
			if err := act.SetPeristalticDirection(ctx, step.Peristaltic.Direction); err != nil {
				return err
			}
		}
		if step.Peristaltic.Running != nil {
			return act.SetPeristalticRunning(ctx, *step.Peristaltic.Running)
		}
		return nil

	case step.Flow != nil:
		if step.Flow.Reset {
			if err := act.ResetFlowTotal(ctx); err != nil {
				return err
			}
		}
		if step.Flow.Totalising != nil {
			return act.SetFlowTotalising(ctx, *step.Flow.Totalising)
		}
		return nil

	case step.HomeAll != nil:
		return act.HomeAll(ctx)

	default:
		return fmt.Errorf("%w: step %q has no action", cell.ErrValidation, step.Name)
	}
}
