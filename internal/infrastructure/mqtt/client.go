package mqtt

import (
	"context"
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-benq/internal/infrastructure/config"
)

// Logger receives the client's connection and handler diagnostics.
// *logging.Logger satisfies it.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// MessageHandler handles one message received on a subscribed topic.
// paho runs handlers on its own goroutines; a returned error is logged.
type MessageHandler func(topic string, payload []byte) error

// route is one subscription the client re-establishes after a reconnect.
type route struct {
	qos     byte
	handler MessageHandler
}

// Client is the bridge's connection to the Gray Logic broker.
//
// The broker session is clean, so the client remembers its own routes and
// subscribes them again every time paho reconnects. A retained presence
// message on the system status topic goes online on every connect and
// offline on Close.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Client struct {
	paho     pahomqtt.Client
	clientID string
	qos      byte

	mu           sync.RWMutex
	routes       map[string]route
	online       bool
	onConnect    func()
	onDisconnect func(err error)
	logger       Logger
}

func newClient(clientID string, qos byte) *Client {
	return &Client{
		clientID: clientID,
		qos:      qos,
		routes:   make(map[string]route),
	}
}

// Connect dials the broker and waits for the first connection.
//
// Parameters:
//   - cfg: MQTT section of the bridge configuration
//   - opts: WithWill to replace the default offline presence will
//
// Returns:
//   - *Client: Connected client; paho reconnects it on its own afterwards
//   - error: ErrConnectionFailed wrapping the cause
func Connect(cfg config.MQTTConfig, opts ...Option) (*Client, error) {
	var w will
	for _, opt := range opts {
		opt(&w)
	}

	c := newClient(cfg.Broker.ClientID, byte(cfg.QoS)) //nolint:gosec // QoS validated by config
	options := brokerOptions(cfg, w).
		SetOnConnectHandler(func(pahomqtt.Client) { c.connected() }).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.lost(err) }).
		SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
			c.log(func(l Logger) { l.Warn("reconnecting to broker", "host", cfg.Broker.Host) })
		})
	c.paho = pahomqtt.NewClient(options)

	token := c.paho.Connect()
	if !token.WaitTimeout(connectTimeout) {
		c.paho.Disconnect(0)
		return nil, fmt.Errorf("%w: no answer from %s:%d within %v",
			ErrConnectionFailed, cfg.Broker.Host, cfg.Broker.Port, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The connect handler runs on its own goroutine and may not have fired.
	c.mu.Lock()
	c.online = true
	c.mu.Unlock()
	return c, nil
}

// connected runs on every (re)connect.
func (c *Client) connected() {
	c.mu.Lock()
	c.online = true
	routes := make(map[string]route, len(c.routes))
	for topic, r := range c.routes {
		routes[topic] = r
	}
	hook := c.onConnect
	c.mu.Unlock()

	for topic, r := range routes {
		token := c.paho.Subscribe(topic, r.qos, c.deliver(r.handler))
		if err := wait(token); err != nil {
			c.log(func(l Logger) { l.Error("restoring subscription", "topic", topic, "error", err) })
		}
	}
	if len(routes) > 0 {
		c.log(func(l Logger) { l.Info("subscriptions restored", "count", len(routes)) })
	}

	c.announce("online", "")
	if hook != nil {
		hook()
	}
}

// lost runs when paho drops the connection.
func (c *Client) lost(err error) {
	c.mu.Lock()
	c.online = false
	hook := c.onDisconnect
	c.mu.Unlock()

	if hook != nil {
		hook(err)
	}
}

// announce publishes the retained presence message. Failures are logged;
// the will covers a broker that never saw the online message.
func (c *Client) announce(status, reason string) {
	token := c.paho.Publish(Topics{}.SystemStatus(c.clientID), c.qos, true,
		presencePayload(c.clientID, status, reason))
	if err := wait(token); err != nil {
		c.log(func(l Logger) { l.Warn("publishing presence", "status", status, "error", err) })
	}
}

// Close publishes the offline presence message and disconnects. Safe on a
// nil client and more than once.
func (c *Client) Close() error {
	if c == nil || c.paho == nil {
		return nil
	}
	if c.IsConnected() {
		c.announce("offline", "shutdown")
	}
	c.paho.Disconnect(disconnectQuiesceMs)

	c.mu.Lock()
	c.online = false
	c.mu.Unlock()
	return nil
}

// IsConnected reports whether the broker connection is up.
func (c *Client) IsConnected() bool {
	if c == nil || c.paho == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online && c.paho.IsConnected()
}

// HealthCheck returns ErrNotConnected while the broker is unreachable.
// The bridge's health reporter calls it on every report.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// SetOnConnect sets a hook run after every reconnect, once subscriptions
// are restored.
func (c *Client) SetOnConnect(hook func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = hook
}

// SetOnDisconnect sets a hook run when the connection drops.
func (c *Client) SetOnDisconnect(hook func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = hook
}

// SetLogger sets the logger. Without one, diagnostics are dropped.
func (c *Client) SetLogger(logger Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger = logger
}

// log calls fn with the logger, if one is set.
func (c *Client) log(fn func(Logger)) {
	c.mu.RLock()
	logger := c.logger
	c.mu.RUnlock()
	if logger != nil {
		fn(logger)
	}
}
