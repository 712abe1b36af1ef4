package mqtt

import "strings"

// Root is the first level of every Gray Logic topic.
const Root = "graylogic"

// Topics builds Gray Logic topic names. Bridge topics are
// graylogic/{kind}/{protocol}/{address}; the BenQ bridge uses protocol
// "benq" and its device ID as address.
//
//	mqtt.Topics{}.BridgeState("benq", "projector-lounge")
//	// graylogic/state/benq/projector-lounge
type Topics struct{}

func topic(levels ...string) string {
	return Root + "/" + strings.Join(levels, "/")
}

// BridgeCommand is where Core sends commands for one device.
func (Topics) BridgeCommand(protocol, address string) string {
	return topic("command", protocol, address)
}

// BridgeAck carries the bridge's answer to each command.
func (Topics) BridgeAck(protocol, address string) string {
	return topic("ack", protocol, address)
}

// BridgeState carries retained device state.
func (Topics) BridgeState(protocol, address string) string {
	return topic("state", protocol, address)
}

// BridgeHealth carries retained bridge health, one topic per protocol.
func (Topics) BridgeHealth(protocol string) string {
	return topic("health", protocol)
}

// BridgeRequest is one request/response exchange, addressed by request ID.
func (Topics) BridgeRequest(protocol, requestID string) string {
	return topic("request", protocol, requestID)
}

// BridgeResponse answers the request with the same ID.
func (Topics) BridgeResponse(protocol, requestID string) string {
	return topic("response", protocol, requestID)
}

// BridgeRequests matches every request for protocol.
func (Topics) BridgeRequests(protocol string) string {
	return topic("request", protocol, "#")
}

// SystemStatus carries one MQTT client's retained presence.
func (Topics) SystemStatus(clientID string) string {
	return topic("system", "status", clientID)
}
