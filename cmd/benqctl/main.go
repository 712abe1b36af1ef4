// benqctl controls BenQ projectors over RS232 or the network and runs the
// Gray Logic MQTT bridge for them.
//
// Usage:
//
//	benqctl [--debug] [--record] [--config file] serial <port> <baud> <action>
//	benqctl [--debug] [--record] [--config file] telnet <host> <port> <action>
//	benqctl [--debug] [--config file] bridge
//
// Actions: status, on, off, monitor, examine, shell.
//
// The bridge reads its transport from the configuration file (or the
// GRAYLOGIC_BENQ_* environment) and serves commands on
// graylogic/command/benq/{device_id} until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"syscall"

	"github.com/nerrad567/gray-logic-benq/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-benq/internal/infrastructure/logging"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Modes select how the projector is reached.
const (
	modeSerial = config.TransportSerial
	modeTelnet = config.TransportTelnet
	modeBridge = "bridge"
)

// Actions run against a directly connected projector.
const (
	actionStatus  = "status"
	actionOn      = "on"
	actionOff     = "off"
	actionMonitor = "monitor"
	actionExamine = "examine"
	actionShell   = "shell"
)

var actions = []string{actionStatus, actionOn, actionOff, actionMonitor, actionExamine, actionShell}

// errUsage marks command line mistakes; main prints the usage text for it.
var errUsage = errors.New("usage")

const usageText = `Usage:
  benqctl [--debug] [--record] [--config file] serial <port> <baud> <action>
  benqctl [--debug] [--record] [--config file] telnet <host> <port> <action>
  benqctl [--debug] [--config file] bridge

Actions:
  status   print model, power and current settings
  on       power the projector on
  off      power the projector off
  monitor  print state changes until interrupted
  examine  discover supported commands and modes (projector must be on)
  shell    interactive raw command console

Flags:
`

// cliOptions is the parsed command line.
type cliOptions struct {
	debug      bool
	record     bool
	configPath string

	mode   string
	port   string // serial device
	baud   int
	host   string
	tcp    int // telnet port
	action string
}

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
			printUsage(os.Stderr)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - args: Command line arguments without the program name
//   - stdout: Receives action output
//   - stderr: Receives log output for direct actions
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, err := parseArgs(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath(opts))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if opts.debug {
		cfg.Logging.Level = "debug"
	}

	if opts.mode == modeBridge {
		log := logging.New(cfg.Logging, version)
		log.Info("starting BenQ bridge",
			"version", version,
			"commit", commit,
			"build_date", date,
		)
		return runBridge(ctx, cfg, opts, log)
	}

	// Direct actions keep stdout for their own output
	cfg.Logging.Format = "text"
	log := logging.NewWithWriter(cfg.Logging, version, stderr)
	applyTransportArgs(cfg, opts)

	return runAction(ctx, cfg, opts, log, stdout)
}

// parseArgs parses flags and the positional mode arguments.
func parseArgs(args []string) (cliOptions, error) {
	var opts cliOptions

	fs := flag.NewFlagSet("benqctl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.BoolVar(&opts.debug, "debug", false, "enable debug logging")
	fs.BoolVar(&opts.record, "record", false, "record raw projector output to a timestamped file")
	fs.StringVar(&opts.configPath, "config", "", "configuration file (default $GRAYLOGIC_BENQ_CONFIG)")

	if err := fs.Parse(args); err != nil {
		return opts, fmt.Errorf("%w: %w", errUsage, err)
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return opts, fmt.Errorf("%w: missing mode", errUsage)
	}

	opts.mode = rest[0]
	switch opts.mode {
	case modeBridge:
		if len(rest) != 1 {
			return opts, fmt.Errorf("%w: bridge takes no arguments", errUsage)
		}
		return opts, nil

	case modeSerial:
		if len(rest) != 4 {
			return opts, fmt.Errorf("%w: serial needs <port> <baud> <action>", errUsage)
		}
		baud, err := strconv.Atoi(rest[2])
		if err != nil {
			return opts, fmt.Errorf("%w: invalid baud rate %q", errUsage, rest[2])
		}
		opts.port, opts.baud = rest[1], baud

	case modeTelnet:
		if len(rest) != 4 {
			return opts, fmt.Errorf("%w: telnet needs <host> <port> <action>", errUsage)
		}
		port, err := strconv.Atoi(rest[2])
		if err != nil || port < 1 || port > 65535 {
			return opts, fmt.Errorf("%w: invalid port %q", errUsage, rest[2])
		}
		opts.host, opts.tcp = rest[1], port

	default:
		return opts, fmt.Errorf("%w: unknown mode %q", errUsage, opts.mode)
	}

	opts.action = rest[3]
	if !slices.Contains(actions, opts.action) {
		return opts, fmt.Errorf("%w: unknown action %q", errUsage, opts.action)
	}
	return opts, nil
}

// configPath returns the --config flag, GRAYLOGIC_BENQ_CONFIG, or "" for
// built-in defaults.
func configPath(opts cliOptions) string {
	if opts.configPath != "" {
		return opts.configPath
	}
	return os.Getenv("GRAYLOGIC_BENQ_CONFIG")
}

// applyTransportArgs overrides the configured transport with the command line.
func applyTransportArgs(cfg *config.Config, opts cliOptions) {
	cfg.Transport.Type = opts.mode
	switch opts.mode {
	case modeSerial:
		cfg.Transport.Serial.Port = opts.port
		cfg.Transport.Serial.BaudRate = opts.baud
	case modeTelnet:
		cfg.Transport.Telnet.Host = opts.host
		cfg.Transport.Telnet.Port = opts.tcp
	}
	if opts.record {
		cfg.Recording.Enabled = true
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, usageText)
	fmt.Fprintln(w, "  --config file  configuration file (default $GRAYLOGIC_BENQ_CONFIG)")
	fmt.Fprintln(w, "  --debug        enable debug logging")
	fmt.Fprintln(w, "  --record       record raw projector output to a timestamped file")
}
