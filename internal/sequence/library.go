package sequence

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Rotary valve port assignments for the builtin protocols.
const (
	portWaste     = 1
	portSample    = 2
	portWater     = 3
	portAir       = 4
	portOutlet    = 5
	portDetergent = 6
)

// Library holds the named sequences the engine can run.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Library struct {
	mu   sync.RWMutex
	seqs map[string]Sequence
}

// NewLibrary creates a library preloaded with the builtin protocols.
func NewLibrary() *Library {
	l := &Library{seqs: make(map[string]Sequence)}
	l.register(samplingSequence())
	l.register(cleaningSequence())
	return l
}

// Register adds or replaces a sequence. The name must be non-empty and
// the sequence must contain at least one step.
func (l *Library) Register(seq Sequence) error {
	if seq.Name == "" {
		return fmt.Errorf("sequence name is required")
	}
	if len(seq.Steps) == 0 {
		return fmt.Errorf("sequence %q has no steps", seq.Name)
	}
	l.register(seq)
	return nil
}

func (l *Library) register(seq Sequence) {
	seq.StepCount = len(seq.Steps)
	l.mu.Lock()
	l.seqs[seq.Name] = seq
	l.mu.Unlock()
}

// Get returns the named sequence.
func (l *Library) Get(name string) (Sequence, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	seq, ok := l.seqs[name]
	return seq, ok
}

// List returns all sequences sorted by name.
func (l *Library) List() []Sequence {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Sequence, 0, len(l.seqs))
	for _, seq := range l.seqs {
		out = append(out, seq)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Step construction helpers. The builtin protocols are long; these keep
// them readable.

func relayStep(name string, channel int, on bool) Step {
	return Step{Name: name, Relay: &RelayAction{Channel: channel, On: on}}
}

func allRelaysStep(name string, on bool) Step {
	return Step{Name: name, Relay: &RelayAction{All: true, On: on}}
}

func rotaryStep(port int) Step {
	return Step{Name: fmt.Sprintf("select port %d", port), Rotary: &RotaryAction{Port: port}}
}

func syringeStep(name string, targetML, flowMLMin float64) Step {
	return Step{Name: name, Syringe: &SyringeAction{TargetML: targetML, FlowMLMin: flowMLMin}}
}

func axisPresetStep(name, axis, preset string) Step {
	return Step{Name: name, Axis: &AxisAction{Axis: axis, Preset: preset}}
}

func waitStep(name string, d time.Duration) Step {
	return Step{Name: name, Wait: &WaitAction{Duration: d}}
}

// samplingSequence is the filter sampling protocol: load a fresh
// filter, draw a sample, push it through the filter membrane, then
// chase with water and air before re-homing.
func samplingSequence() Sequence {
	steps := []Step{
		{Name: "initialise and home", Policy: PolicyFatal, HomeAll: &HomeAllAction{}},

		relayStep("filter loader on", 5, true),
		waitStep("filter loading", 2*time.Second),
		relayStep("filter loader off", 5, false),
		relayStep("filter pusher on", 6, true),
		waitStep("filter seating", 2*time.Second),
		relayStep("filter pusher off", 6, false),

		axisPresetStep("carriage to filtering position", "horizontal", "filtering"),
		axisPresetStep("close filter plate", "vertical", "close"),

		rotaryStep(portAir),
		syringeStep("draw air gap", 0.1, 1.0),
		rotaryStep(portSample),
		syringeStep("draw sample", 1.6, 1.0),
		rotaryStep(portOutlet),
		syringeStep("push sample through filter", 0.0, 0.2),

		rotaryStep(portAir),
		syringeStep("draw air chase", 2.0, 2.0),
		rotaryStep(portOutlet),
		syringeStep("air chase through filter", 0.0, 1.0),

		rotaryStep(portAir),
		syringeStep("draw air gap", 0.1, 1.0),
		rotaryStep(portWater),
		syringeStep("draw rinse water", 1.3, 1.0),
		rotaryStep(portOutlet),
		relayStep("outlet valve open", 2, true),
		syringeStep("rinse through filter", 0.0, 1.0),

		rotaryStep(portAir),
		syringeStep("draw final air chase", 2.0, 2.0),
		rotaryStep(portOutlet),
		syringeStep("final air chase", 0.0, 1.0),
		relayStep("outlet valve closed", 2, false),

		{Name: "re-home", HomeAll: &HomeAllAction{}},
		allRelaysStep("all relays off", false),
	}
	return Sequence{
		Name:        "sequence1",
		Description: "Filter sampling: load filter, draw sample, filter, rinse and chase",
		Steps:       steps,
	}
}

// cleaningSequence flushes the sample path with water and detergent,
// then dries it with air. Steps default to WARN so a single sticky
// valve does not abandon the flush.
func cleaningSequence() Sequence {
	steps := []Step{
		axisPresetStep("carriage to filtering position", "horizontal", "filtering"),
		axisPresetStep("close filter plate", "vertical", "close"),
	}

	flush := func(fromPort int, volume float64, toPort int) {
		steps = append(steps,
			rotaryStep(fromPort),
			syringeStep(fmt.Sprintf("draw %.1f mL from port %d", volume, fromPort), volume, 0),
			rotaryStep(toPort),
			syringeStep(fmt.Sprintf("flush to port %d", toPort), 0.0, 0),
		)
	}

	// Pre-rinse the waste and outlet paths with water.
	flush(portWater, 2.5, portWaste)
	flush(portWater, 2.5, portOutlet)
	flush(portAir, 2.5, portOutlet)

	// Detergent wash through the sample inlet.
	steps = append(steps,
		relayStep("sample inlet valve open", 1, true),
		rotaryStep(portDetergent),
		syringeStep("draw detergent", 2.5, 0),
		waitStep("detergent soak", time.Second),
		relayStep("sample inlet valve closed", 1, false),
		syringeStep("expel detergent", 0.0, 0),
	)
	flush(portDetergent, 2.5, portWaste)

	// Water rinse cycles to clear detergent residue.
	flush(portWater, 2.5, portOutlet)
	flush(portWater, 2.5, portOutlet)

	// Final rinse through the outlet valve.
	steps = append(steps,
		rotaryStep(portWater),
		syringeStep("draw final rinse", 1.0, 0),
		rotaryStep(portOutlet),
		relayStep("outlet valve open", 2, true),
		syringeStep("final rinse out", 0.0, 0),
		relayStep("outlet valve closed", 2, false),
	)

	// Dry the path with air.
	flush(portAir, 2.5, portOutlet)
	steps = append(steps,
		rotaryStep(portAir),
		syringeStep("draw drying air", 1.0, 0),
		rotaryStep(portOutlet),
		relayStep("outlet valve open", 2, true),
		syringeStep("drying air out", 0.0, 0),
		relayStep("outlet valve closed", 2, false),

		axisPresetStep("open filter plate", "vertical", "open"),
		Step{Name: "home carriage", Axis: &AxisAction{Axis: "horizontal", Home: true}},
	)

	return Sequence{
		Name:        "cleaning_sequence",
		Description: "Flush the sample path with water and detergent, then dry with air",
		Steps:       steps,
	}
}
