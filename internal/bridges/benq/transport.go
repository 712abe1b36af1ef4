package benq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ziutek/telnet"
	"go.bug.st/serial"
)

// Transport defaults.
const (
	// DefaultBaudRate is the factory setting of BenQ RS232 ports.
	DefaultBaudRate = 115200

	// DefaultTelnetPort is the port of the projector's LAN control and of
	// the common serial-to-network bridges.
	DefaultTelnetPort = 8000

	// defaultDialTimeout bounds opening a network connection.
	defaultDialTimeout = 5 * time.Second

	// readBufferSize is the size of a single transport read.
	readBufferSize = 256
)

// Prompt modes of a network link.
const (
	// PromptAuto detects the prompt on the link after it is opened.
	PromptAuto = "auto"

	// PromptOn is for serial-to-network bridges forwarding the '>' prompt.
	PromptOn = "on"

	// PromptOff is for LAN-native projectors, which have no prompt.
	PromptOff = "off"
)

// BaudRates lists the rates BenQ projectors can be configured for.
var BaudRates = []int{2400, 4800, 9600, 14400, 19200, 38400, 57600, 115200}

// Transport is the byte stream to the projector.
//
// Read returns ErrReadTimeout when no bytes arrived in time. Any other
// error means the link is gone.
type Transport interface {
	Open(ctx context.Context) error
	Read(timeout time.Duration) ([]byte, error)
	Write(p []byte) error
	Close() error

	// Prompt reports whether the link prints a '>' prompt.
	Prompt() bool

	String() string
}

// PromptDetector is implemented by transports whose prompt behaviour is
// only known once the link is open.
type PromptDetector interface {
	// DetectPrompt reports whether the prompt has to be detected.
	DetectPrompt() bool

	// SetPrompt records the detected behaviour.
	SetPrompt(on bool)
}

var (
	_ PromptDetector = (*TelnetTransport)(nil)
	_ PromptDetector = (*RecordingTransport)(nil)

	_ Transport = (*SerialTransport)(nil)
	_ Transport = (*TelnetTransport)(nil)
	_ Transport = (*RecordingTransport)(nil)
)

// SerialConfig configures an RS232 link.
type SerialConfig struct {
	// Port is the device path, e.g. /dev/ttyUSB0.
	Port string

	// BaudRate must be one of BaudRates. Default: 115200.
	BaudRate int
}

// SerialTransport talks to the projector's RS232 port. Serial links
// always show the '>' prompt.
type SerialTransport struct {
	cfg SerialConfig

	mu   sync.Mutex
	port serial.Port
}

// NewSerialTransport validates cfg and returns an unopened transport.
func NewSerialTransport(cfg SerialConfig) (*SerialTransport, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.Port == "" {
		return nil, fmt.Errorf("%w: serial port is required", ErrInvalidConfig)
	}
	if !slices.Contains(BaudRates, cfg.BaudRate) {
		return nil, fmt.Errorf("%w: unsupported baud rate %d", ErrInvalidConfig, cfg.BaudRate)
	}
	return &SerialTransport{cfg: cfg}, nil
}

// Open opens the port at 8N1.
func (t *SerialTransport) Open(_ context.Context) error {
	mode := &serial.Mode{
		BaudRate: t.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(t.cfg.Port, mode)
	if err != nil {
		return fmt.Errorf("opening %s: %w", t.cfg.Port, err)
	}

	t.mu.Lock()
	t.port = port
	t.mu.Unlock()
	return nil
}

// Read waits up to timeout for bytes.
func (t *SerialTransport) Read(timeout time.Duration) ([]byte, error) {
	port := t.current()
	if port == nil {
		return nil, ErrNotConnected
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		return nil, fmt.Errorf("set read timeout: %w", err)
	}

	buf := make([]byte, readBufferSize)
	n, err := port.Read(buf)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrReadTimeout
	}
	return buf[:n], nil
}

// Write sends p in full.
func (t *SerialTransport) Write(p []byte) error {
	port := t.current()
	if port == nil {
		return ErrNotConnected
	}
	_, err := port.Write(p)
	return err
}

// Close closes the port. Safe to call more than once.
func (t *SerialTransport) Close() error {
	t.mu.Lock()
	port := t.port
	t.port = nil
	t.mu.Unlock()

	if port == nil {
		return nil
	}
	return port.Close()
}

// Prompt is always true on RS232.
func (t *SerialTransport) Prompt() bool { return true }

func (t *SerialTransport) String() string {
	return fmt.Sprintf("serial %s@%d", t.cfg.Port, t.cfg.BaudRate)
}

func (t *SerialTransport) current() serial.Port {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port
}

// TelnetConfig configures a network link.
type TelnetConfig struct {
	Host string

	// Port defaults to 8000.
	Port int

	// DialTimeout defaults to 5 seconds.
	DialTimeout time.Duration

	// Prompt is PromptAuto, PromptOn or PromptOff. Default: PromptAuto.
	Prompt string
}

// TelnetTransport talks to a projector over TCP with telnet option
// negotiation handled by github.com/ziutek/telnet.
type TelnetTransport struct {
	cfg    TelnetConfig
	prompt atomic.Bool

	mu   sync.Mutex
	conn *telnet.Conn
}

// NewTelnetTransport validates cfg and returns an unopened transport.
func NewTelnetTransport(cfg TelnetConfig) (*TelnetTransport, error) {
	if cfg.Port == 0 {
		cfg.Port = DefaultTelnetPort
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	cfg.Prompt = strings.ToLower(cfg.Prompt)
	if cfg.Prompt == "" {
		cfg.Prompt = PromptAuto
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: host is required", ErrInvalidConfig)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("%w: invalid port %d", ErrInvalidConfig, cfg.Port)
	}
	switch cfg.Prompt {
	case PromptAuto, PromptOn, PromptOff:
	default:
		return nil, fmt.Errorf("%w: unknown prompt mode %q", ErrInvalidConfig, cfg.Prompt)
	}

	t := &TelnetTransport{cfg: cfg}
	t.prompt.Store(cfg.Prompt == PromptOn)
	return t, nil
}

// Open dials the projector. The dial timeout is shortened to the context
// deadline when that is sooner.
func (t *TelnetTransport) Open(ctx context.Context) error {
	timeout := t.cfg.DialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	conn, err := telnet.DialTimeout("tcp", t.address(), timeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.address(), err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	return nil
}

// Read waits up to timeout for bytes.
func (t *TelnetTransport) Read(timeout time.Duration) ([]byte, error) {
	conn := t.current()
	if conn == nil {
		return nil, ErrNotConnected
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}

	buf := make([]byte, readBufferSize)
	n, err := conn.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return nil, ErrReadTimeout
	}
	if err == nil {
		return nil, ErrReadTimeout
	}
	return nil, err
}

// Write sends p in full.
func (t *TelnetTransport) Write(p []byte) error {
	conn := t.current()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.SetWriteDeadline(time.Now().Add(t.cfg.DialTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	_, err := conn.Write(p)
	return err
}

// Close closes the connection. Safe to call more than once.
func (t *TelnetTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Prompt reports the configured or detected prompt behaviour. In auto mode
// it is false until SetPrompt is called.
func (t *TelnetTransport) Prompt() bool { return t.prompt.Load() }

// DetectPrompt is true in auto mode.
func (t *TelnetTransport) DetectPrompt() bool { return t.cfg.Prompt == PromptAuto }

// SetPrompt records the detected prompt behaviour. Ignored unless in auto mode.
func (t *TelnetTransport) SetPrompt(on bool) {
	if t.DetectPrompt() {
		t.prompt.Store(on)
	}
}

func (t *TelnetTransport) String() string {
	return "telnet " + t.address()
}

func (t *TelnetTransport) address() string {
	return net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
}

func (t *TelnetTransport) current() *telnet.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// RecordingTransport copies every byte read from the wrapped transport to
// a writer, producing a raw session capture.
type RecordingTransport struct {
	Transport

	mu  sync.Mutex
	out io.Writer
}

// NewRecordingTransport wraps t so that received bytes are written to out.
func NewRecordingTransport(t Transport, out io.Writer) *RecordingTransport {
	return &RecordingTransport{Transport: t, out: out}
}

// Read forwards to the wrapped transport and records what arrived.
// Recording failures do not fail the read.
func (r *RecordingTransport) Read(timeout time.Duration) ([]byte, error) {
	p, err := r.Transport.Read(timeout)
	if len(p) > 0 {
		r.mu.Lock()
		_, _ = r.out.Write(p) //nolint:errcheck // Recording is best-effort
		r.mu.Unlock()
	}
	return p, err
}

// DetectPrompt forwards to the wrapped transport.
func (r *RecordingTransport) DetectPrompt() bool {
	pd, ok := r.Transport.(PromptDetector)
	return ok && pd.DetectPrompt()
}

// SetPrompt forwards to the wrapped transport.
func (r *RecordingTransport) SetPrompt(on bool) {
	if pd, ok := r.Transport.(PromptDetector); ok {
		pd.SetPrompt(on)
	}
}

func (r *RecordingTransport) String() string {
	return r.Transport.String() + " (recording)"
}
