package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestBroadcaster_DeliversToAllSubscribers(t *testing.T) {
	bus := New(8)
	defer bus.Close()

	subA := bus.Subscribe()
	subB := bus.Subscribe()

	bus.Publish(Event{Type: EventStepStarted, Payload: "step 1"})

	for _, sub := range []*Subscription{subA, subB} {
		select {
		case evt := <-sub.Events():
			if evt.Type != EventStepStarted {
				t.Errorf("Type = %q, want %q", evt.Type, EventStepStarted)
			}
			if evt.Time.IsZero() {
				t.Error("Time was not stamped")
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for event")
		}
	}
}

func TestBroadcaster_DropsOldestWhenFull(t *testing.T) {
	bus := New(2)
	defer bus.Close()

	sub := bus.Subscribe()

	// Fill the buffer, then overflow it without draining.
	bus.Publish(Event{Type: "a"})
	bus.Publish(Event{Type: "b"})
	bus.Publish(Event{Type: "c"})

	if sub.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", sub.Dropped())
	}

	// Oldest ("a") was discarded; "b" and "c" remain in order.
	got := []string{(<-sub.Events()).Type, (<-sub.Events()).Type}
	if got[0] != "b" || got[1] != "c" {
		t.Errorf("buffered events = %v, want [b c]", got)
	}
}

func TestBroadcaster_PublishNeverBlocks(t *testing.T) {
	bus := New(1)
	defer bus.Close()

	// Subscriber that never drains.
	bus.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			bus.Publish(Event{Type: EventStatus})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked on a stalled subscriber")
	}
}

func TestBroadcaster_SlowSubscriberDoesNotStarveOthers(t *testing.T) {
	bus := New(4)
	defer bus.Close()

	slow := bus.Subscribe()
	fast := bus.Subscribe()
	_ = slow // never drained

	var received int
	var mu sync.Mutex
	done := make(chan struct{})
	go func() {
		for range fast.Events() {
			mu.Lock()
			received++
			if received == 100 {
				mu.Unlock()
				close(done)
				return
			}
			mu.Unlock()
		}
	}()

	for i := 0; i < 100; i++ {
		bus.Publish(Event{Type: EventStatus})
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("fast subscriber starved by slow one")
	}
}

func TestSubscription_CloseIsIdempotent(t *testing.T) {
	bus := New(4)
	defer bus.Close()

	sub := bus.Subscribe()
	sub.Close()
	sub.Close() // must not panic

	if bus.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() = %d after close, want 0", bus.SubscriberCount())
	}

	// Channel is closed
	if _, ok := <-sub.Events(); ok {
		t.Error("Events() channel open after Close()")
	}
}

func TestBroadcaster_CloseClosesSubscribers(t *testing.T) {
	bus := New(4)
	sub := bus.Subscribe()

	bus.Close()
	bus.Close() // idempotent

	if _, ok := <-sub.Events(); ok {
		t.Error("subscriber channel open after broadcaster Close()")
	}

	// Publish after close is a no-op
	bus.Publish(Event{Type: EventStatus})

	// Subscribe after close returns a closed subscription
	late := bus.Subscribe()
	if _, ok := <-late.Events(); ok {
		t.Error("late subscription channel open on closed broadcaster")
	}
}

func TestBroadcaster_RunTicker(t *testing.T) {
	bus := New(8)
	defer bus.Close()

	sub := bus.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go bus.RunTicker(ctx, 10*time.Millisecond, func() Event {
		return Event{Type: EventStatus, Payload: "tick"}
	})

	select {
	case evt := <-sub.Events():
		if evt.Type != EventStatus {
			t.Errorf("Type = %q, want %q", evt.Type, EventStatus)
		}
	case <-time.After(time.Second):
		t.Fatal("no tick received")
	}
}

func TestBroadcaster_ConcurrentPublishSubscribe(t *testing.T) {
	bus := New(16)
	defer bus.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Publish(Event{Type: EventStatus})
			}
		}()
	}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := bus.Subscribe()
			for j := 0; j < 10; j++ {
				select {
				case <-sub.Events():
				case <-time.After(100 * time.Millisecond):
				}
			}
			sub.Close()
		}()
	}
	wg.Wait()
}
