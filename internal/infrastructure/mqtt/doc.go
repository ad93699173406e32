// Package mqtt provides MQTT client connectivity for Runlet.
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
// Runlet publishes process lifecycle snapshots and output chunks to the
// broker so external systems (dashboards, alerting, other automation)
// can observe supervised processes without connecting to the HTTP API.
// The daemon also listens for a shutdown request topic.
//
//	Runlet → MQTT Broker → observers
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
//   - Message throughput: Broker-limited (typically 10K+ msg/sec)
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Subscribe to every process state change
//	err = client.Subscribe(mqtt.Topics{}.AllProcessStates(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	// Publish a state snapshot
//	topic := mqtt.Topics{}.ProcessState(id)
//	client.Publish(topic, snapshotJSON, 1, true)
package mqtt
