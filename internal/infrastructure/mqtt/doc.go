// Package mqtt connects the BenQ bridge to the Gray Logic broker.
//
// The bridge subscribes to its command topic and the shared request topic,
// and publishes acknowledgments, state and health:
//
//	Gray Logic Core <-> broker <-> BenQ bridge <-> projector
//
// Sessions are clean. The client keeps its own routing table and
// subscribes it again after every reconnect, then re-announces itself as
// online on graylogic/system/status/{client_id}. The will (normally the
// bridge's offline health message, see WithWill) covers crashes.
//
// Usage:
//
//	client, err := mqtt.Connect(cfg.MQTT, mqtt.WithWill(healthTopic, offline))
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.BridgeCommand("benq", "projector-lounge"), 1,
//	    func(topic string, payload []byte) error {
//	        return handle(payload)
//	    })
//
// Set cfg.Broker.TLS outside local development.
package mqtt
