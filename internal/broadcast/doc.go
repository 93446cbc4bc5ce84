// Package broadcast provides the event fan-out for warpd.
//
// The broadcaster carries status snapshots and sequence events from the
// controller to every attached consumer: the SSE handler, the WebSocket
// hub, the MQTT publisher and the telemetry writer.
//
// # Delivery Semantics
//
// Each subscriber owns a bounded buffer. When a subscriber falls behind,
// the OLDEST buffered event is dropped to make room for the newest, and
// the drop is counted. Publishing never blocks, regardless of how slow
// any subscriber is; one stalled consumer cannot affect the others.
//
// Alongside mutation-driven events, the broadcaster emits a periodic
// tick event carrying the current snapshot, so consumers that missed a
// dropped event converge on fresh state within one tick interval.
//
// # Usage
//
//	bus := broadcast.New(64)
//	sub := bus.Subscribe()
//	defer sub.Close()
//
//	go func() {
//	    for evt := range sub.Events() {
//	        handle(evt)
//	    }
//	}()
//
//	bus.Publish(broadcast.Event{Type: broadcast.EventStatus, Payload: snap})
package broadcast
