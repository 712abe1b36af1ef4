package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-benq/internal/infrastructure/config"
)

const (
	connectTimeout   = 10 * time.Second
	operationTimeout = 5 * time.Second
	keepAlive        = 60 * time.Second

	// disconnectQuiesceMs lets queued acks and state messages drain.
	disconnectQuiesceMs = 1000

	maxQoS = 2
)

// Option customises Connect.
type Option func(*will)

// will is the message the broker publishes when the bridge vanishes
// without disconnecting.
type will struct {
	topic   string
	payload []byte
}

// WithWill sets the Last Will and Testament. The BenQ bridge passes its
// offline health message so Core sees the bridge drop even after a crash.
// Without it the will is an offline presence message on the client's
// system status topic.
func WithWill(topic string, payload []byte) Option {
	return func(w *will) {
		w.topic = topic
		w.payload = payload
	}
}

// presence is the retained online/offline message on the system status
// topic.
type presence struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

// presencePayload encodes a presence message stamped with the current time.
func presencePayload(clientID, status, reason string) []byte {
	payload, err := json.Marshal(presence{
		Status:    status,
		ClientID:  clientID,
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		// Only strings are marshalled.
		panic(err)
	}
	return payload
}

// brokerOptions maps the bridge's MQTT configuration onto paho options.
// Sessions are clean; subscriptions are restored by the client itself
// after a reconnect.
func brokerOptions(cfg config.MQTTConfig, w will) *pahomqtt.ClientOptions {
	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port)).
		SetClientID(cfg.Broker.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second).
		SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(keepAlive)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}
	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	if w.topic == "" {
		w.topic = Topics{}.SystemStatus(cfg.Broker.ClientID)
		w.payload = presencePayload(cfg.Broker.ClientID, "offline", "unexpected_disconnect")
	}
	opts.SetBinaryWill(w.topic, w.payload, 1, true)

	return opts
}
