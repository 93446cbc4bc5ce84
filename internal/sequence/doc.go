// Package sequence executes predefined multi-step protocols against the
// cell controller.
//
// A Sequence is an ordered list of Steps. The Engine runs at most one
// sequence at a time in its own goroutine, driving the hardware through
// the controller's Actuator so operator commands stay locked out for
// the duration of the run.
//
// Step failures are policy-driven: a step marked PolicyWarn logs a
// warning and the run continues; a step marked PolicyFatal aborts the
// run and leaves the cell in the ERROR state. Out-of-range numeric
// parameters never abort a run; they are clamped to the hardware bounds
// and recorded as warnings.
//
// Run outcomes are persisted to SQLite through the Repository so recent
// history survives a restart.
package sequence
