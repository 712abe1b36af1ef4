package benq

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTransport(t *testing.T) {
	tr, err := NewTransport(TransportConfig{Type: "Telnet", Telnet: TelnetConfig{Host: "10.0.0.40"}})
	require.NoError(t, err)
	assert.Equal(t, "telnet 10.0.0.40:8000", tr.String())
	assert.False(t, tr.Prompt())

	tr, err = NewTransport(TransportConfig{Type: TransportSerial, Serial: SerialConfig{Port: "/dev/ttyUSB0"}})
	require.NoError(t, err)
	assert.Equal(t, "serial /dev/ttyUSB0@115200", tr.String())
	assert.True(t, tr.Prompt())

	var rec bytes.Buffer
	tr, err = NewTransport(TransportConfig{
		Type:   TransportTelnet,
		Telnet: TelnetConfig{Host: "10.0.0.40", Prompt: PromptOn},
		Record: &rec,
	})
	require.NoError(t, err)
	assert.IsType(t, &RecordingTransport{}, tr)
	assert.True(t, tr.Prompt())
	assert.Equal(t, "telnet 10.0.0.40:8000 (recording)", tr.String())
}

func TestNewTransport_Invalid(t *testing.T) {
	tests := []struct {
		name string
		cfg  TransportConfig
	}{
		{"unknown type", TransportConfig{Type: "bluetooth"}},
		{"empty type", TransportConfig{}},
		{"serial without port", TransportConfig{Type: TransportSerial}},
		{"unsupported baud", TransportConfig{Type: TransportSerial, Serial: SerialConfig{Port: "/dev/ttyS0", BaudRate: 12345}}},
		{"telnet without host", TransportConfig{Type: TransportTelnet}},
		{"telnet port out of range", TransportConfig{Type: TransportTelnet, Telnet: TelnetConfig{Host: "h", Port: 70000}}},
		{"unknown prompt mode", TransportConfig{Type: TransportTelnet, Telnet: TelnetConfig{Host: "h", Prompt: "sometimes"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTransport(tt.cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestTelnetTransport_PromptModes(t *testing.T) {
	auto, err := NewTelnetTransport(TelnetConfig{Host: "10.0.0.40"})
	require.NoError(t, err)
	assert.True(t, auto.DetectPrompt(), "auto is the default")
	assert.False(t, auto.Prompt())
	auto.SetPrompt(true)
	assert.True(t, auto.Prompt())

	off, err := NewTelnetTransport(TelnetConfig{Host: "10.0.0.40", Prompt: "OFF"})
	require.NoError(t, err)
	assert.False(t, off.DetectPrompt())
	off.SetPrompt(true)
	assert.False(t, off.Prompt(), "fixed modes ignore detection")

	on, err := NewTelnetTransport(TelnetConfig{Host: "10.0.0.40", Prompt: PromptOn})
	require.NoError(t, err)
	assert.True(t, on.Prompt())

	var rec bytes.Buffer
	wrapped := NewRecordingTransport(auto, &rec)
	assert.True(t, wrapped.DetectPrompt())
	wrapped.SetPrompt(false)
	assert.False(t, wrapped.Prompt())

	serialOnly := NewRecordingTransport(&SerialTransport{}, &rec)
	assert.False(t, serialOnly.DetectPrompt())
}

func TestRecordingTransport(t *testing.T) {
	sim := newSimProjector(map[string]string{"pow": "ON"})
	var rec bytes.Buffer
	tr := NewRecordingTransport(sim.link(), &rec)
	d := newTestDispatcher(tr, 0)

	_, err := d.Execute(context.Background(), Query("pow"), 0)
	require.NoError(t, err)

	assert.Equal(t, "*pow=?#\r\n*POW=ON#\r\n", rec.String())
	require.NoError(t, tr.Close())
}

func TestSerialTransport_NotOpen(t *testing.T) {
	tr, err := NewSerialTransport(SerialConfig{Port: "/dev/ttyUSB0"})
	require.NoError(t, err)

	_, err = tr.Read(time.Millisecond)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, tr.Write([]byte("x")), ErrNotConnected)
	assert.NoError(t, tr.Close())
}

// listenProjector accepts one connection and hands it to serve.
func listenProjector(t *testing.T, serve func(net.Conn)) TelnetConfig {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() }) //nolint:errcheck // Test cleanup

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return TelnetConfig{Host: "127.0.0.1", Port: addr.Port, DialTimeout: time.Second}
}

func TestTelnetTransport_RoundTrip(t *testing.T) {
	cfg := listenProjector(t, func(conn net.Conn) {
		buf := make([]byte, 64)
		n, err := conn.Read(buf)
		if err != nil || !bytes.Contains(buf[:n], []byte("*pow=?#")) {
			return
		}
		conn.Write([]byte("*pow=?#\r\n*POW=ON#\r\n")) //nolint:errcheck // Test server
		time.Sleep(200 * time.Millisecond)
	})

	tr, err := NewTelnetTransport(cfg)
	require.NoError(t, err)
	require.NoError(t, tr.Open(context.Background()))
	defer tr.Close()
	assert.Equal(t, "telnet 127.0.0.1:"+strconv.Itoa(cfg.Port), tr.String())

	d := NewDispatcher(tr, nil, DispatcherOptions{Timeout: time.Second})
	reply, err := d.Execute(context.Background(), Query("pow"), 0)
	require.NoError(t, err)
	assert.Equal(t, "ON", reply.Value)
}

func TestTelnetTransport_ReadTimeout(t *testing.T) {
	cfg := listenProjector(t, func(net.Conn) {
		time.Sleep(200 * time.Millisecond)
	})

	tr, err := NewTelnetTransport(cfg)
	require.NoError(t, err)
	require.NoError(t, tr.Open(context.Background()))
	defer tr.Close()

	_, err = tr.Read(20 * time.Millisecond)
	assert.ErrorIs(t, err, ErrReadTimeout)
}

func TestTelnetTransport_OpenCancelled(t *testing.T) {
	tr, err := NewTelnetTransport(TelnetConfig{Host: "127.0.0.1", Port: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, tr.Open(ctx), context.Canceled)

	_, err = tr.Read(time.Millisecond)
	assert.ErrorIs(t, err, ErrNotConnected)
}
