// Package cell implements the orchestration core for one WARP
// automation cell: the controller state machine, command arbitration,
// the temperature loop coordinator and the status snapshot model.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────┐
//	│                         Controller                           │
//	│                                                              │
//	│  ┌───────────────┐  ┌────────────────┐  ┌────────────────┐   │
//	│  │ State machine │  │    Arbiter     │  │  Temperature   │   │
//	│  │ IDLE/RUNNING/ │  │ manual vs run, │  │  coordinator   │   │
//	│  │ ERROR/E-STOP  │  │ e-stop wins    │  │ (pending push) │   │
//	│  └───────────────┘  └────────────────┘  └────────────────┘   │
//	│          │                  │                   │            │
//	│          └──────────────────┼───────────────────┘            │
//	│                             ▼                                │
//	│                   hardware.Cell drivers                      │
//	└──────────────┬───────────────────────────────┬───────────────┘
//	               │                               │
//	               ▼                               ▼
//	      broadcast.Broadcaster            sequence.Engine
//	      (status + events)                (via Actuator)
//
// # Arbitration
//
// The controller is the single owner of all mutable cell state. Every
// mutation happens under one mutex and publishes a fresh immutable
// Snapshot. Manual commands are rejected with ErrLocked while a
// sequence run holds the cell (RUNNING); they are accepted in IDLE and
// ERROR. The emergency stop is accepted in every state, cancels any
// active run and de-energises all outputs. Leaving EMERGENCY_STOPPED
// requires the explicit, operator-confirmed recovery command.
//
// # Sequence access
//
// The sequence engine acts on the cell through an Actuator, which
// bypasses the manual-command lock (the run owns the cell) but still
// refuses to act after an emergency stop. Numeric step parameters are
// clamped to the configured device bounds; clamping produces warnings,
// never errors.
package cell
