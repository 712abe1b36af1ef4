package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport types.
const (
	TransportSerial = "serial"
	TransportTelnet = "telnet"
)

// Prompt modes of a telnet link.
const (
	PromptAuto = "auto"
	PromptOn   = "on"
	PromptOff  = "off"
)

// validBaudRates are the rates BenQ RS232 ports can be set to.
var validBaudRates = []int{2400, 4800, 9600, 14400, 19200, 38400, 57600, 115200}

// Config is the root configuration structure for the BenQ bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Bridge    BridgeConfig    `yaml:"bridge"`
	Device    DeviceConfig    `yaml:"device"`
	Transport TransportConfig `yaml:"transport"`
	Protocol  ProtocolConfig  `yaml:"protocol"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Recording RecordingConfig `yaml:"recording"`
}

// BridgeConfig contains bridge identity and operational settings.
type BridgeConfig struct {
	// ID uniquely identifies this bridge instance in health messages.
	ID string `yaml:"id"`

	// HealthInterval is how often to publish health status (seconds).
	HealthInterval int `yaml:"health_interval"`

	// ReconnectInterval is the initial delay before reconnecting to a lost
	// projector (seconds).
	ReconnectInterval int `yaml:"reconnect_interval"`
}

// DeviceConfig identifies the projector.
type DeviceConfig struct {
	// ID is the Gray Logic device identifier, used in MQTT topics.
	ID string `yaml:"id"`

	// Name is a human-readable label.
	Name string `yaml:"name"`

	// ModelHint selects a quirk profile before the model is queried.
	// Leave empty to discover the model on connect.
	ModelHint string `yaml:"model_hint"`
}

// TransportConfig selects the link to the projector.
type TransportConfig struct {
	// Type is "serial" or "telnet". Empty means it is supplied on the command line.
	Type   string       `yaml:"type"`
	Serial SerialConfig `yaml:"serial"`
	Telnet TelnetConfig `yaml:"telnet"`
}

// SerialConfig contains RS232 settings.
type SerialConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
}

// TelnetConfig contains network settings.
type TelnetConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// Prompt is "on" for serial-to-network adapters that forward the '>'
	// prompt, "off" for LAN-native projectors, or "auto" to detect the
	// prompt on connect.
	Prompt string `yaml:"prompt"`
}

// ProtocolConfig tunes the command dispatcher and examiner.
type ProtocolConfig struct {
	// ResponseTimeout bounds one attempt of one command.
	ResponseTimeout time.Duration `yaml:"response_timeout"`

	// Retries is the number of additional attempts after a timeout.
	Retries int `yaml:"retries"`

	// QuirksFile overlays the built-in quirk profiles (optional).
	QuirksFile string `yaml:"quirks_file"`

	// TablesFile replaces the built-in candidate tables (optional).
	TablesFile string `yaml:"tables_file"`

	// QueryDelay is the pause between examiner queries.
	QueryDelay time.Duration `yaml:"query_delay"`

	// PowerOnTime and PowerOffTime are the lamp warm-up and cool-down windows.
	PowerOnTime  time.Duration `yaml:"power_on_time"`
	PowerOffTime time.Duration `yaml:"power_off_time"`
}

// MonitorConfig configures state polling.
type MonitorConfig struct {
	Interval time.Duration `yaml:"interval"`

	// Keys are polled every round after pow.
	Keys []string `yaml:"keys"`

	// OnKeys are polled only while the projector is on.
	OnKeys []string `yaml:"on_keys"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	// Path is the SQLite file. Empty disables state history.
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// RetentionDays prunes state history older than this. 0 keeps everything.
	RetentionDays int `yaml:"retention_days"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// String implements fmt.Stringer, redacting the password.
func (a MQTTAuthConfig) String() string {
	password := ""
	if a.Password != "" {
		password = "[REDACTED]"
	}
	return fmt.Sprintf("{Username:%s Password:%s}", a.Username, password)
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// RecordingConfig controls capture of raw projector output.
type RecordingConfig struct {
	// Enabled turns recording on for every session (the CLI --record flag
	// does the same for one run).
	Enabled bool `yaml:"enabled"`

	// Directory receives one timestamped file per session.
	Directory string `yaml:"directory"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults), skipped when path is empty
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYLOGIC_BENQ_SECTION_KEY
// For example: GRAYLOGIC_BENQ_DEVICE_ID, GRAYLOGIC_BENQ_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file, or "" for defaults only
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Bridge: BridgeConfig{
			ID:                "benq-bridge-01",
			HealthInterval:    30,
			ReconnectInterval: 5,
		},
		Device: DeviceConfig{
			ID: "projector-01",
		},
		Transport: TransportConfig{
			Serial: SerialConfig{
				BaudRate: 115200,
			},
			Telnet: TelnetConfig{
				Port:        8000,
				DialTimeout: 5 * time.Second,
				Prompt:      PromptAuto,
			},
		},
		Protocol: ProtocolConfig{
			ResponseTimeout: 5 * time.Second,
			Retries:         2,
			QueryDelay:      100 * time.Millisecond,
			PowerOnTime:     30 * time.Second,
			PowerOffTime:    90 * time.Second,
		},
		Monitor: MonitorConfig{
			Interval: 5 * time.Second,
			Keys:     []string{},
			OnKeys:   []string{"sour", "appmod", "ltim"},
		},
		Database: DatabaseConfig{
			WALMode:       true,
			BusyTimeout:   5,
			RetentionDays: 90,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-benq",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Recording: RecordingConfig{
			Directory: ".",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GRAYLOGIC_BENQ_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Bridge and device
	if v := os.Getenv("GRAYLOGIC_BENQ_BRIDGE_ID"); v != "" {
		cfg.Bridge.ID = v
	}
	if v := os.Getenv("GRAYLOGIC_BENQ_DEVICE_ID"); v != "" {
		cfg.Device.ID = v
	}
	if v := os.Getenv("GRAYLOGIC_BENQ_DEVICE_MODEL"); v != "" {
		cfg.Device.ModelHint = v
	}

	// Transport
	if v := os.Getenv("GRAYLOGIC_BENQ_TRANSPORT_TYPE"); v != "" {
		cfg.Transport.Type = v
	}
	if v := os.Getenv("GRAYLOGIC_BENQ_SERIAL_PORT"); v != "" {
		cfg.Transport.Serial.Port = v
	}
	if v := os.Getenv("GRAYLOGIC_BENQ_SERIAL_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Transport.Serial.BaudRate = n
		}
	}
	if v := os.Getenv("GRAYLOGIC_BENQ_TELNET_HOST"); v != "" {
		cfg.Transport.Telnet.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_BENQ_TELNET_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Transport.Telnet.Port = n
		}
	}
	if v := os.Getenv("GRAYLOGIC_BENQ_TELNET_PROMPT"); v != "" {
		cfg.Transport.Telnet.Prompt = v
	}

	// Database
	if v := os.Getenv("GRAYLOGIC_BENQ_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("GRAYLOGIC_BENQ_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_BENQ_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRAYLOGIC_BENQ_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("GRAYLOGIC_BENQ_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("GRAYLOGIC_BENQ_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	errs = append(errs, c.validateBridge()...)
	errs = append(errs, c.validateTransport()...)
	errs = append(errs, c.validateProtocol()...)
	errs = append(errs, c.validateMonitor()...)

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.Database.RetentionDays < 0 {
		errs = append(errs, "database.retention_days must not be negative")
	}
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// validateBridge validates bridge and device identity.
func (c *Config) validateBridge() []string {
	var errs []string
	if c.Bridge.ID == "" {
		errs = append(errs, "bridge.id is required")
	}
	if c.Bridge.HealthInterval < 1 {
		errs = append(errs, "bridge.health_interval must be at least 1 second")
	}
	if c.Device.ID == "" {
		errs = append(errs, "device.id is required")
	} else if strings.ContainsAny(c.Device.ID, "/+#") {
		errs = append(errs, "device.id must not contain '/', '+' or '#'")
	}
	return errs
}

// validateTransport validates the selected transport. An empty type is
// allowed because the CLI supplies the transport on its command line.
func (c *Config) validateTransport() []string {
	var errs []string
	switch strings.ToLower(c.Transport.Type) {
	case "":
	case TransportSerial:
		if c.Transport.Serial.Port == "" {
			errs = append(errs, "transport.serial.port is required")
		}
		if !slices.Contains(validBaudRates, c.Transport.Serial.BaudRate) {
			errs = append(errs, fmt.Sprintf("transport.serial.baud_rate %d is not supported", c.Transport.Serial.BaudRate))
		}
	case TransportTelnet:
		if c.Transport.Telnet.Host == "" {
			errs = append(errs, "transport.telnet.host is required")
		}
		if c.Transport.Telnet.Port < 1 || c.Transport.Telnet.Port > 65535 {
			errs = append(errs, "transport.telnet.port must be between 1 and 65535")
		}
		switch strings.ToLower(c.Transport.Telnet.Prompt) {
		case "", PromptAuto, PromptOn, PromptOff:
		default:
			errs = append(errs, fmt.Sprintf("transport.telnet.prompt %q must be auto, on or off", c.Transport.Telnet.Prompt))
		}
	default:
		errs = append(errs, fmt.Sprintf("transport.type %q must be serial or telnet", c.Transport.Type))
	}
	return errs
}

// validateProtocol validates dispatcher and examiner timings.
func (c *Config) validateProtocol() []string {
	var errs []string
	if c.Protocol.ResponseTimeout <= 0 {
		errs = append(errs, "protocol.response_timeout must be positive")
	}
	if c.Protocol.Retries < 0 {
		errs = append(errs, "protocol.retries must not be negative")
	}
	if c.Protocol.QueryDelay < 0 {
		errs = append(errs, "protocol.query_delay must not be negative")
	}
	return errs
}

// validateMonitor validates polling settings.
func (c *Config) validateMonitor() []string {
	var errs []string
	if c.Monitor.Interval <= 0 {
		errs = append(errs, "monitor.interval must be positive")
	}
	for _, k := range append(slices.Clone(c.Monitor.Keys), c.Monitor.OnKeys...) {
		if k == "" {
			errs = append(errs, "monitor keys must not be empty")
			break
		}
	}
	return errs
}

// GetHealthInterval returns the health reporting interval as a Duration.
func (c *Config) GetHealthInterval() time.Duration {
	return time.Duration(c.Bridge.HealthInterval) * time.Second
}

// GetReconnectInterval returns the projector reconnect delay as a Duration.
func (c *Config) GetReconnectInterval() time.Duration {
	return time.Duration(c.Bridge.ReconnectInterval) * time.Second
}

// GetRetention returns the state history retention as a Duration, or 0
// when history is kept forever.
func (c *Config) GetRetention() time.Duration {
	return time.Duration(c.Database.RetentionDays) * 24 * time.Hour
}
