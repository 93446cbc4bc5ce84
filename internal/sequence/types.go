package sequence

import (
	"time"

	"github.com/warpfluidics/warpd/internal/hardware"
)

// Policy decides what a step failure does to the run.
type Policy string

const (
	// PolicyFatal aborts the run on failure and puts the cell in ERROR.
	PolicyFatal Policy = "fatal"

	// PolicyWarn records a warning on failure and continues with the
	// next step.
	PolicyWarn Policy = "warn"
)

// Step is one action in a sequence. Exactly one of the action fields is
// set; the engine dispatches on whichever is non-nil.
type Step struct {
	// Name identifies the step in logs, events and run records.
	Name string `json:"name"`

	// Policy defaults to PolicyWarn when empty.
	Policy Policy `json:"policy,omitempty"`

	Relay       *RelayAction       `json:"relay,omitempty"`
	Rotary      *RotaryAction      `json:"rotary,omitempty"`
	Syringe     *SyringeAction     `json:"syringe,omitempty"`
	Axis        *AxisAction        `json:"axis,omitempty"`
	Wait        *WaitAction        `json:"wait,omitempty"`
	Temperature *TemperatureAction `json:"temperature,omitempty"`
	Peristaltic *PeristalticAction `json:"peristaltic,omitempty"`
	Flow        *FlowAction        `json:"flow,omitempty"`
	HomeAll     *HomeAllAction     `json:"home_all,omitempty"`
}

// RelayAction switches one relay channel, or every channel when All is
// set.
type RelayAction struct {
	Channel int  `json:"channel,omitempty"`
	All     bool `json:"all,omitempty"`
	On      bool `json:"on"`
}

// RotaryAction rotates the selector valve to a port.
type RotaryAction struct {
	Port int `json:"port"`
}

// SyringeAction drives the plunger to an absolute position, or homes it
// when Home is set.
type SyringeAction struct {
	TargetML  float64 `json:"target_ml,omitempty"`
	FlowMLMin float64 `json:"flow_ml_min,omitempty"`
	Home      bool    `json:"home,omitempty"`
}

// AxisAction moves a named axis. Preset takes priority over PositionMM;
// Home homes the axis instead of moving it.
type AxisAction struct {
	Axis       string   `json:"axis"`
	Preset     string   `json:"preset,omitempty"`
	PositionMM *float64 `json:"position_mm,omitempty"`
	Home       bool     `json:"home,omitempty"`
}

// WaitAction pauses the run. ForReady waits for the temperature loop to
// settle instead of a fixed duration, up to Duration before giving up
// with a warning.
type WaitAction struct {
	Duration time.Duration `json:"duration"`
	ForReady bool          `json:"for_ready,omitempty"`
}

// TemperatureAction updates the heating loop setpoint and/or enable
// state. Nil fields are left unchanged.
type TemperatureAction struct {
	TargetC *float64 `json:"target_c,omitempty"`
	Enabled *bool    `json:"enabled,omitempty"`
}

// PeristalticAction updates the peristaltic pump. Nil fields are left
// unchanged.
type PeristalticAction struct {
	Running   *bool              `json:"running,omitempty"`
	Direction hardware.Direction `json:"direction,omitempty"`
}

// FlowAction controls the flow totaliser.
type FlowAction struct {
	Totalising *bool `json:"totalising,omitempty"`
	Reset      bool  `json:"reset,omitempty"`
}

// HomeAllAction references the syringe and both axes.
type HomeAllAction struct{}

// Sequence is a named, ordered protocol.
type Sequence struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Steps       []Step `json:"-"`

	// StepCount is exported for listings without serialising every step.
	StepCount int `json:"step_count"`
}
