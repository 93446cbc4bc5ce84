// Package hardware defines the driver interfaces for the devices in a
// WARP automation cell, plus an in-memory simulator backend.
//
// The controller talks to devices exclusively through these interfaces.
// Real backends adapt whatever fieldbus the installation uses; the
// simulator backend is deterministic and used for development and tests.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────┐
//	│                       cell.Controller                        │
//	└──────┬───────┬────────┬───────┬────────┬─────────┬───────────┘
//	       │       │        │       │        │         │
//	       ▼       ▼        ▼       ▼        ▼         ▼
//	  RelayBoard Rotary  Syringe  Axis  Temperature Peristaltic
//	             Valve    Pump   (x2)   Controller    Pump
//	       │       │        │       │        │         │
//	       └───────┴────────┴───┬───┴────────┴─────────┘
//	                            ▼
//	              backend (sim.go, or a fieldbus adapter)
//
// # Key Types
//
//   - Cell: The full set of drivers for one automation cell
//   - RelayBoard, RotaryValve, SyringePump, Axis,
//     TemperatureController, PeristalticPump, FlowSensor: driver interfaces
//   - Sim*: deterministic in-memory implementations with fault injection
//
// # Usage
//
//	cell := hardware.NewSimCell(hardware.SimConfig{
//	    RelayChannels: 8,
//	    RotaryPorts:   12,
//	})
//	err := cell.Relays.Set(ctx, 3, true)
//
// All driver methods accept a context and return an error; backends must
// be safe for concurrent use.
package hardware
