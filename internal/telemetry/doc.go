// Package telemetry forwards cell events to external consumers.
//
// The Publisher subscribes to the event broadcaster and relays status
// snapshots and discrete events to the MQTT broker and the InfluxDB
// telemetry store. Both sinks are optional; a nil client simply skips
// that sink. The Poller drives the controller's sensor refresh on a
// fixed interval so snapshots carry fresh readings.
package telemetry
