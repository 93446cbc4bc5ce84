package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types published on the bus.
const (
	// EventStatus carries a full status snapshot. Published on every
	// mutation and on the periodic tick.
	EventStatus = "status"

	// EventSequenceStarted through EventSequenceStopped track sequence
	// run lifecycle.
	EventSequenceStarted   = "sequence_started"
	EventSequenceCompleted = "sequence_completed"
	EventSequenceFailed    = "sequence_failed"
	EventSequenceStopped   = "sequence_stopped"

	// EventStepStarted through EventStepWarning track individual steps.
	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepWarning   = "step_warning"

	// EventEmergencyStop signals an emergency stop was executed.
	EventEmergencyStop = "emergency_stop"

	// EventRecovered signals an acknowledged recovery from emergency stop.
	EventRecovered = "recovered"
)

// Event is a single message on the bus.
type Event struct {
	// Type is one of the Event* constants.
	Type string `json:"type"`

	// Time is when the event was published.
	Time time.Time `json:"time"`

	// Payload is the event body: a status snapshot for EventStatus,
	// step/run details for sequence events. Must be JSON-marshallable.
	Payload any `json:"payload,omitempty"`
}

// Subscription is one consumer's attachment to the bus.
type Subscription struct {
	id     string
	ch     chan Event
	bus    *Broadcaster
	closed bool

	mu      sync.Mutex
	dropped uint64
}

// Events returns the receive channel. The channel is closed when the
// subscription or the broadcaster is closed.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped returns how many events were discarded because this
// subscriber's buffer was full.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close detaches the subscription from the bus. Safe to call more than
// once.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// Broadcaster fans events out to subscribers with per-subscriber
// bounded buffers. Safe for concurrent use.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription
	bufSize int
	closed  bool
}

// New creates a broadcaster whose subscribers each buffer up to bufSize
// events.
func New(bufSize int) *Broadcaster {
	if bufSize < 1 {
		bufSize = 1
	}
	return &Broadcaster{
		subs:    make(map[string]*Subscription),
		bufSize: bufSize,
	}
}

// Subscribe attaches a new consumer.
func (b *Broadcaster) Subscribe() *Subscription {
	sub := &Subscription{
		id:  uuid.NewString(),
		ch:  make(chan Event, b.bufSize),
		bus: b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		sub.closed = true
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers evt to every subscriber without blocking. If a
// subscriber's buffer is full, its oldest buffered event is dropped to
// make room.
func (b *Broadcaster) Publish(evt Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
			// Buffer full: drop the oldest, then retry once. The
			// second send can still miss if the consumer drained
			// concurrently, in which case the buffer has room and
			// the loop below lands it.
			select {
			case <-sub.ch:
				sub.mu.Lock()
				sub.dropped++
				sub.mu.Unlock()
			default:
			}
			select {
			case sub.ch <- evt:
			default:
			}
		}
	}
}

// SubscriberCount returns the number of attached subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close detaches every subscriber and closes their channels. Publish
// becomes a no-op afterwards.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.closed = true
		close(sub.ch)
	}
}

func (b *Broadcaster) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return
	}
	delete(b.subs, s.id)
	s.closed = true
	close(s.ch)
}

// RunTicker publishes the event produced by snapshotFn at every tick
// until ctx is cancelled. Run it on its own goroutine.
func (b *Broadcaster) RunTicker(ctx context.Context, interval time.Duration, snapshotFn func() Event) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Publish(snapshotFn())
		}
	}
}
