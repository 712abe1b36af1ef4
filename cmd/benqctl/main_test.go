package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-benq/internal/bridges/benq"
	"github.com/nerrad567/gray-logic-benq/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-benq/internal/infrastructure/logging"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    cliOptions
		wantErr bool
	}{
		{
			name: "serial status",
			args: []string{"serial", "/dev/ttyUSB0", "115200", "status"},
			want: cliOptions{mode: modeSerial, port: "/dev/ttyUSB0", baud: 115200, action: actionStatus},
		},
		{
			name: "telnet with flags",
			args: []string{"--debug", "--record", "telnet", "10.0.0.40", "8000", "examine"},
			want: cliOptions{debug: true, record: true, mode: modeTelnet, host: "10.0.0.40", tcp: 8000, action: actionExamine},
		},
		{
			name: "bridge with config",
			args: []string{"--config", "/etc/benq.yaml", "bridge"},
			want: cliOptions{configPath: "/etc/benq.yaml", mode: modeBridge},
		},
		{name: "no mode", args: nil, wantErr: true},
		{name: "unknown mode", args: []string{"usb", "x", "y", "status"}, wantErr: true},
		{name: "serial missing action", args: []string{"serial", "/dev/ttyUSB0", "9600"}, wantErr: true},
		{name: "bad baud", args: []string{"serial", "/dev/ttyUSB0", "fast", "on"}, wantErr: true},
		{name: "bad port", args: []string{"telnet", "10.0.0.40", "0", "on"}, wantErr: true},
		{name: "unknown action", args: []string{"telnet", "10.0.0.40", "8000", "reboot"}, wantErr: true},
		{name: "bridge with extra args", args: []string{"bridge", "now"}, wantErr: true},
		{name: "unknown flag", args: []string{"--wait", "bridge"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseArgs(tt.args)
			if tt.wantErr {
				if !errors.Is(err, errUsage) {
					t.Fatalf("parseArgs() error = %v, want errUsage", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseArgs() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("parseArgs() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestApplyTransportArgs(t *testing.T) {
	cfg := config.Default()
	applyTransportArgs(cfg, cliOptions{mode: modeTelnet, host: "10.0.0.40", tcp: 4352, record: true})

	if cfg.Transport.Type != config.TransportTelnet {
		t.Errorf("Transport.Type = %q, want telnet", cfg.Transport.Type)
	}
	if cfg.Transport.Telnet.Host != "10.0.0.40" || cfg.Transport.Telnet.Port != 4352 {
		t.Errorf("Telnet = %+v", cfg.Transport.Telnet)
	}
	if !cfg.Recording.Enabled {
		t.Error("Recording.Enabled = false, want true with --record")
	}

	tc := transportConfig(cfg)
	if tc.Type != config.TransportTelnet || tc.Telnet.Host != "10.0.0.40" || tc.Telnet.DialTimeout != cfg.Transport.Telnet.DialTimeout {
		t.Errorf("transportConfig() = %+v", tc)
	}
}

func TestConfigPath(t *testing.T) {
	t.Setenv("GRAYLOGIC_BENQ_CONFIG", "/from/env.yaml")

	if got := configPath(cliOptions{}); got != "/from/env.yaml" {
		t.Errorf("configPath() = %q, want env value", got)
	}
	if got := configPath(cliOptions{configPath: "/from/flag.yaml"}); got != "/from/flag.yaml" {
		t.Errorf("configPath() = %q, want flag value", got)
	}
}

func TestRun_UsageError(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"serial"}, &stdout, &stderr)
	if !errors.Is(err, errUsage) {
		t.Errorf("run() error = %v, want errUsage", err)
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"--config", "/nonexistent/path/config.yaml", "bridge"}, &stdout, &stderr)
	if err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
	if !strings.Contains(err.Error(), "loading config") {
		t.Errorf("run() error = %v, want loading config error", err)
	}
}

func TestRun_BridgeWithoutTransport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
device:
  id: projector-test
logging:
  output: discard
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv("GRAYLOGIC_BENQ_TRANSPORT_TYPE", "")

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"--config", path, "bridge"}, &stdout, &stderr)
	if !errors.Is(err, errNoTransport) {
		t.Errorf("run() error = %v, want errNoTransport", err)
	}
}

func TestRun_UnreachableProjector(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var stdout, stderr bytes.Buffer
	// Port 1 on loopback refuses connections
	err := run(ctx, []string{"telnet", "127.0.0.1", "1", "status"}, &stdout, &stderr)
	if !errors.Is(err, benq.ErrNotConnected) {
		t.Errorf("run() error = %v, want ErrNotConnected", err)
	}
}

func TestOpenSession_ClosesTransportWhenDiscoveryFails(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	// The peer accepts and never answers; it reports when the client hangs up.
	hungUp := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		for {
			if _, err := conn.Read(buf); err != nil {
				if errors.Is(err, io.EOF) {
					close(hungUp)
				}
				return
			}
		}
	}()

	cfg := config.Default()
	cfg.Transport.Type = config.TransportTelnet
	cfg.Transport.Telnet.Host = "127.0.0.1"
	cfg.Transport.Telnet.Port = ln.Addr().(*net.TCPAddr).Port
	cfg.Transport.Telnet.Prompt = config.PromptOff
	cfg.Protocol.ResponseTimeout = 20 * time.Millisecond
	cfg.Protocol.Retries = 10

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = openSession(ctx, cfg, logging.Default())
	if err == nil {
		t.Fatal("openSession() succeeded against a silent projector")
	}

	select {
	case <-hungUp:
	case <-time.After(2 * time.Second):
		t.Error("transport left open after failed connect")
	}
}

func TestCreateRecording(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "captures")
	now := time.Date(2026, 10, 17, 20, 30, 15, 0, time.Local)

	f, err := createRecording(dir, now)
	if err != nil {
		t.Fatalf("createRecording() error = %v", err)
	}
	defer f.Close()

	want := filepath.Join(dir, "20261017-203015.txt")
	if f.Name() != want {
		t.Errorf("recording = %q, want %q", f.Name(), want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Errorf("recording file missing: %v", err)
	}
}

func TestParseShellCommand(t *testing.T) {
	tests := []struct {
		line      string
		wantKey   string
		wantValue string
		wantQuery bool
		wantErr   bool
	}{
		{line: "pow", wantKey: "pow", wantQuery: true},
		{line: "POW=?", wantKey: "pow", wantQuery: true},
		{line: "*sour=hdmi#", wantKey: "sour", wantValue: "hdmi"},
		{line: " vol = + ", wantKey: "vol", wantValue: "+"},
		{line: "=on", wantErr: true},
		{line: "bad key=1", wantErr: true},
		{line: "pow=o#n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			cmd, err := parseShellCommand(tt.line)
			if tt.wantErr {
				if !errors.Is(err, benq.ErrInvalidCommand) {
					t.Fatalf("parseShellCommand(%q) error = %v, want ErrInvalidCommand", tt.line, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseShellCommand(%q) error = %v", tt.line, err)
			}
			if cmd.Key != tt.wantKey || cmd.IsQuery() != tt.wantQuery {
				t.Errorf("parseShellCommand(%q) = %+v", tt.line, cmd)
			}
			if !tt.wantQuery && cmd.Value != tt.wantValue {
				t.Errorf("value = %q, want %q", cmd.Value, tt.wantValue)
			}
		})
	}
}

func TestShellLine_LocalCommands(t *testing.T) {
	var out bytes.Buffer
	ctx := context.Background()

	quit, err := shellLine(ctx, nil, &out, "  ")
	if quit || err != nil {
		t.Errorf("blank line: quit=%v err=%v", quit, err)
	}

	quit, err = shellLine(ctx, nil, &out, "help")
	if quit || err != nil {
		t.Errorf("help: quit=%v err=%v", quit, err)
	}
	if !strings.Contains(out.String(), "key=value") {
		t.Errorf("help output = %q", out.String())
	}

	out.Reset()
	quit, err = shellLine(ctx, nil, &out, "bad key")
	if quit || err != nil {
		t.Errorf("invalid command: quit=%v err=%v", quit, err)
	}
	if !strings.HasPrefix(out.String(), "error:") {
		t.Errorf("invalid command output = %q", out.String())
	}

	for _, line := range []string{"quit", "EXIT"} {
		quit, err = shellLine(ctx, nil, &out, line)
		if !quit || err != nil {
			t.Errorf("%s: quit=%v err=%v", line, quit, err)
		}
	}
}

func TestProgressLine(t *testing.T) {
	got := progressLine(benq.ExamineEvent{Key: "sour", Value: "hdmi", Result: benq.OutcomeSupported})
	if got != "sour=hdmi supported" {
		t.Errorf("progressLine() = %q", got)
	}
	got = progressLine(benq.ExamineEvent{Key: "bri", Result: benq.OutcomeUnsupported})
	if got != "bri unsupported" {
		t.Errorf("progressLine() = %q", got)
	}
}

func TestIsTerminal_Buffer(t *testing.T) {
	if isTerminal(&bytes.Buffer{}) {
		t.Error("isTerminal(bytes.Buffer) = true")
	}
}

func TestMetricsAdapter_NilClient(t *testing.T) {
	a := &metricsAdapter{}

	// Disabled InfluxDB: writes must be dropped without panicking
	a.WriteProjectorState("projector-01", "ltim", "1383")
	a.WriteBridgeStats("projector-01", benq.DispatcherStats{CommandsTx: 3}, 1)
}

func TestOrUnknown(t *testing.T) {
	if orUnknown("") != "unknown" || orUnknown(" ") != "unknown" || orUnknown("w1070") != "w1070" {
		t.Error("orUnknown() mismatch")
	}
}
