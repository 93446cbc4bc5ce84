package telemetry

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/warpfluidics/warpd/internal/broadcast"
	"github.com/warpfluidics/warpd/internal/cell"
	"github.com/warpfluidics/warpd/internal/infrastructure/logging"
)

// fakeMQTT records published messages in memory.
type fakeMQTT struct {
	mu       sync.Mutex
	messages []fakeMessage
}

type fakeMessage struct {
	topic    string
	payload  []byte
	retained bool
}

func (f *fakeMQTT) Publish(topic string, payload []byte, _ byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, fakeMessage{topic: topic, payload: payload, retained: retained})
	return nil
}

func (f *fakeMQTT) PublishRetained(topic string, payload []byte) error {
	return f.Publish(topic, payload, 1, true)
}

func (f *fakeMQTT) snapshot() []fakeMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fakeMessage, len(f.messages))
	copy(out, f.messages)
	return out
}

// fakeMetrics records influx writes in memory.
type fakeMetrics struct {
	mu    sync.Mutex
	flow  int
	temp  int
	axes  []string
	cells []string
}

func (f *fakeMetrics) WriteFlowMetric(cellID string, _, _ float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flow++
	f.cells = append(f.cells, cellID)
}

func (f *fakeMetrics) WriteTemperatureMetric(string, float64, float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.temp++
}

func (f *fakeMetrics) WriteAxisMetric(_, axis string, _ float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.axes = append(f.axes, axis)
}

func startPublisher(t *testing.T, mq MQTTPublisher, mw MetricWriter) *broadcast.Broadcaster {
	t.Helper()
	bus := broadcast.New(16)
	t.Cleanup(bus.Close)

	pub := NewPublisher("cell-001", 1, bus, mq, mw, logging.Default())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go pub.Run(ctx)

	// Wait for the publisher's subscription before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("publisher never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return bus
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPublisher_StatusRetained(t *testing.T) {
	mq := &fakeMQTT{}
	bus := startPublisher(t, mq, nil)

	snap := cell.Snapshot{State: cell.StateIdle, RotaryPort: 3}
	bus.Publish(broadcast.Event{Type: broadcast.EventStatus, Payload: snap})

	waitFor(t, func() bool { return len(mq.snapshot()) == 1 }, "status message never published")

	msg := mq.snapshot()[0]
	if msg.topic != "warpd/cell/cell-001/status" {
		t.Errorf("topic = %q", msg.topic)
	}
	if !msg.retained {
		t.Error("status message should be retained")
	}

	var got cell.Snapshot
	if err := json.Unmarshal(msg.payload, &got); err != nil {
		t.Fatalf("unmarshalling payload: %v", err)
	}
	if got.State != cell.StateIdle || got.RotaryPort != 3 {
		t.Errorf("payload = %+v", got)
	}
}

func TestPublisher_StatusWithWrongPayloadDropped(t *testing.T) {
	mq := &fakeMQTT{}
	bus := startPublisher(t, mq, nil)

	// Status-typed event carrying something other than a snapshot is
	// logged and skipped, then normal publishing resumes.
	bus.Publish(broadcast.Event{Type: broadcast.EventStatus, Payload: "not a snapshot"})
	bus.Publish(broadcast.Event{Type: broadcast.EventStatus, Payload: cell.Snapshot{State: cell.StateIdle}})

	waitFor(t, func() bool { return len(mq.snapshot()) == 1 }, "valid status never published")

	msg := mq.snapshot()[0]
	var got cell.Snapshot
	if err := json.Unmarshal(msg.payload, &got); err != nil {
		t.Fatalf("unmarshalling payload: %v", err)
	}
	if got.State != cell.StateIdle {
		t.Errorf("payload = %+v, want the snapshot event only", got)
	}
}

func TestPublisher_EventTopics(t *testing.T) {
	mq := &fakeMQTT{}
	bus := startPublisher(t, mq, nil)

	bus.Publish(broadcast.Event{
		Type:    broadcast.EventStepStarted,
		Payload: map[string]any{"step_index": 2},
	})

	waitFor(t, func() bool { return len(mq.snapshot()) == 1 }, "event message never published")

	msg := mq.snapshot()[0]
	if msg.topic != "warpd/cell/cell-001/event/step_started" {
		t.Errorf("topic = %q", msg.topic)
	}
	if msg.retained {
		t.Error("event messages must not be retained")
	}
	if !strings.Contains(string(msg.payload), `"step_index":2`) {
		t.Errorf("payload = %s", msg.payload)
	}
}

func TestPublisher_WritesMetricsOnStatus(t *testing.T) {
	mw := &fakeMetrics{}
	bus := startPublisher(t, nil, mw)

	bus.Publish(broadcast.Event{Type: broadcast.EventStatus, Payload: cell.Snapshot{}})

	waitFor(t, func() bool {
		mw.mu.Lock()
		defer mw.mu.Unlock()
		return mw.flow == 1 && mw.temp == 1 && len(mw.axes) == 2
	}, "metrics never written")

	mw.mu.Lock()
	defer mw.mu.Unlock()
	if mw.axes[0] != "vertical" || mw.axes[1] != "horizontal" {
		t.Errorf("axes = %v", mw.axes)
	}
	if mw.cells[0] != "cell-001" {
		t.Errorf("cell tag = %q", mw.cells[0])
	}
}

func TestPublisher_NilSinksAreSkipped(t *testing.T) {
	bus := startPublisher(t, nil, nil)

	// Must not panic with both sinks absent.
	bus.Publish(broadcast.Event{Type: broadcast.EventStatus, Payload: cell.Snapshot{}})
	bus.Publish(broadcast.Event{Type: broadcast.EventRecovered})
	time.Sleep(20 * time.Millisecond)
}
