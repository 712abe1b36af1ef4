package benq

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// Transport types accepted by TransportConfig.
const (
	TransportSerial = "serial"
	TransportTelnet = "telnet"
)

// Bridge defaults.
const (
	// defaultCommandTimeout bounds one MQTT command including retries.
	defaultCommandTimeout = 30 * time.Second

	// defaultReconnectInterval is the initial delay between reconnection attempts.
	defaultReconnectInterval = 5 * time.Second

	// maxReconnectInterval is the maximum delay between reconnection attempts.
	maxReconnectInterval = 2 * time.Minute
)

// BridgeConfig contains bridge identity and operational settings.
type BridgeConfig struct {
	// ID uniquely identifies this bridge instance in health messages.
	ID string

	// DeviceID is the Gray Logic device identifier of the projector.
	// It is the address segment of command, ack and state topics.
	DeviceID string

	// HealthInterval is how often to publish health status.
	// Default: 30 seconds.
	HealthInterval time.Duration

	// CommandTimeout bounds a single MQTT command end to end.
	// Default: 30 seconds.
	CommandTimeout time.Duration

	// ReconnectInterval is the initial delay between reconnection attempts
	// after the projector link is lost. It grows by half on every failure
	// up to two minutes.
	// Default: 5 seconds.
	ReconnectInterval time.Duration
}

func (c *BridgeConfig) applyDefaults() {
	if c.HealthInterval == 0 {
		c.HealthInterval = defaultHealthInterval
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = defaultCommandTimeout
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = defaultReconnectInterval
	}
}

// Validate checks the bridge settings.
func (c BridgeConfig) Validate() error {
	var errs []string
	if c.ID == "" {
		errs = append(errs, "bridge id is required")
	}
	if c.DeviceID == "" {
		errs = append(errs, "device id is required")
	} else if strings.ContainsAny(c.DeviceID, "/+#") {
		errs = append(errs, fmt.Sprintf("device id %q must not contain MQTT wildcards or separators", c.DeviceID))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

// TransportConfig selects and configures the projector link.
type TransportConfig struct {
	// Type is "serial" or "telnet".
	Type string

	Serial SerialConfig
	Telnet TelnetConfig

	// Record, when set, receives a copy of every byte read from the
	// projector.
	Record io.Writer
}

// NewTransport builds the transport described by cfg. The transport is
// not opened.
//
// Parameters:
//   - cfg: Transport selection and settings
//
// Returns:
//   - Transport: Unopened transport, wrapped for recording if cfg.Record is set
//   - error: ErrInvalidConfig for an unknown type or invalid settings
func NewTransport(cfg TransportConfig) (Transport, error) {
	var (
		t   Transport
		err error
	)

	switch strings.ToLower(cfg.Type) {
	case TransportSerial:
		t, err = NewSerialTransport(cfg.Serial)
	case TransportTelnet:
		t, err = NewTelnetTransport(cfg.Telnet)
	default:
		return nil, fmt.Errorf("%w: unknown transport type %q", ErrInvalidConfig, cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Record != nil {
		t = NewRecordingTransport(t, cfg.Record)
	}
	return t, nil
}
