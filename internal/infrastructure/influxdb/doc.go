// Package influxdb provides InfluxDB connectivity for warpd.
//
// It wraps the official influxdb-client-go v2 library with warpd-specific
// patterns for connection management, metric writing, and health monitoring.
//
// # Purpose
//
// This package handles time-series data storage for:
//   - Flow sensor readings (rate and cumulative volume)
//   - Temperature loop state (measured, target, enabled)
//   - Axis positions
//
// # Usage
//
//	cfg := config.InfluxDBConfig{
//	    URL:    "http://localhost:8086",
//	    Token:  "your-token",
//	    Org:    "warpfluidics",
//	    Bucket: "telemetry",
//	}
//
//	client, err := influxdb.Connect(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Write flow telemetry
//	client.WriteFlowMetric("cell-001", 12.5, 103.4)
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are logged via a callback.
// Connection and health check errors are returned directly.
//
// # Performance
//
// Writes are batched according to config settings (batch_size, flush_interval).
// This reduces network overhead for high-frequency telemetry data.
package influxdb
