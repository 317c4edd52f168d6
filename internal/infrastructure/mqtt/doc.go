// Package mqtt provides MQTT client connectivity for DeepSeek Control.
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
// DeepSeek Control uses MQTT as the bus between the controller and Home
// Assistant. HA mirrors entity state onto deepseek/state/... topics and
// consumes actuator commands from deepseek/command/... topics, which
// decouples the evaluation loop from the HA instance itself.
//
//	Home Assistant ↔ MQTT Broker ↔ DeepSeek Control
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Subscribe to all entity state updates
//	err = client.Subscribe(mqtt.Topics{}.AllEntityStates(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	// Publish a command
//	topic := mqtt.Topics{}.EntityCommand("light", "hallway")
//	client.Publish(topic, []byte(`{"action":"turn_on"}`), 1, false)
package mqtt
