// Package mqtt provides MQTT client connectivity for warpd.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// warpd optionally mirrors its status snapshots and sequence events onto
// an MQTT broker so dashboards and site supervisors can observe the cell
// without holding an HTTP connection open.
//
//	warpd ↔ MQTT Broker ↔ Supervisory consumers
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//   - Message payloads are not encrypted beyond TLS transport
//
// # Performance Characteristics
//
//   - Connection: <1 second to local broker
//   - Publish latency: <10ms for QoS 1 to local broker
//   - Reconnect: Exponential backoff 1s-60s with jitter
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Subscribe to all cell status snapshots
//	err = client.Subscribe(mqtt.Topics{}.AllCellStatus(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	// Publish a snapshot
//	topic := mqtt.Topics{}.CellStatus("cell-001")
//	client.PublishRetained(topic, snapshotJSON)
package mqtt
