package cell

import (
	"time"

	"github.com/warpfluidics/warpd/internal/hardware"
)

// State is the controller's top-level operating state.
type State string

// Controller states.
const (
	// StateIdle accepts manual commands and sequence starts.
	StateIdle State = "IDLE"

	// StateRunning means a sequence run holds the cell; manual commands
	// are rejected with ErrLocked.
	StateRunning State = "RUNNING"

	// StateError is entered after a fatal step failure. Manual commands
	// are accepted so the operator can investigate and recover.
	StateError State = "ERROR"

	// StateEmergencyStopped is entered by the emergency stop. Only the
	// explicit, confirmed recovery command leaves it.
	StateEmergencyStopped State = "EMERGENCY_STOPPED"
)

// SyringeStatus is the syringe pump portion of a snapshot.
type SyringeStatus struct {
	PositionML float64 `json:"position_ml"`
	Busy       bool    `json:"busy"`
}

// AxisStatus is one linear axis portion of a snapshot.
type AxisStatus struct {
	PositionMM float64 `json:"position_mm"`
}

// TemperatureStatus is the temperature loop portion of a snapshot.
type TemperatureStatus struct {
	Enabled       bool    `json:"enabled"`
	TargetC       float64 `json:"target_c"`
	MeasuredC     float64 `json:"measured_c"`
	Ready         bool    `json:"ready"`
	PendingTarget bool    `json:"pending_target"`
}

// PeristalticStatus is the peristaltic pump portion of a snapshot.
type PeristalticStatus struct {
	Running   bool               `json:"running"`
	Direction hardware.Direction `json:"direction"`
}

// FlowStatus is the flow sensor portion of a snapshot.
type FlowStatus struct {
	FlowMLMin  float64 `json:"flow_ml_min"`
	TotalML    float64 `json:"total_ml"`
	Totalising bool    `json:"totalising"`
}

// RunStatus describes the active sequence run, if any.
type RunStatus struct {
	ID        string    `json:"id"`
	Sequence  string    `json:"sequence"`
	StepIndex int       `json:"step_index"`
	StepCount int       `json:"step_count"`
	StepName  string    `json:"step_name"`
	Warnings  int       `json:"warnings"`
	StartedAt time.Time `json:"started_at"`
}

// Snapshot is an immutable view of the whole cell at one instant.
// Snapshots are deep copies; holders can never observe later mutations.
type Snapshot struct {
	State       State             `json:"state"`
	Timestamp   time.Time         `json:"timestamp"`
	Relays      []bool            `json:"relays"`
	RotaryPort  int               `json:"rotary_port"`
	Syringe     SyringeStatus     `json:"syringe"`
	Vertical    AxisStatus        `json:"vertical"`
	Horizontal  AxisStatus        `json:"horizontal"`
	Temperature TemperatureStatus `json:"temperature"`
	Peristaltic PeristalticStatus `json:"peristaltic"`
	Flow        FlowStatus        `json:"flow"`
	Run         *RunStatus        `json:"run,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
}
