package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"golang.org/x/term"

	"github.com/nerrad567/gray-logic-benq/internal/bridges/benq"
	"github.com/nerrad567/gray-logic-benq/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-benq/internal/infrastructure/logging"
)

// statusKeys are read by the status action in any power state.
var statusKeys = []string{"directpower", "ltim", "ltim2", "pp"}

// statusOnKeys are read only while the projector is on.
var statusOnKeys = []string{
	"3d", "appmod", "asp", "bc", "blank", "bri", "color", "con", "ct",
	"highaltitude", "lampm", "qas", "sharp", "sour", "vol", "mute",
}

// errPoweredOff is returned by examine when the projector is in standby.
var errPoweredOff = errors.New("projector needs to be on to examine its features")

// runAction connects to the projector, runs one action and disconnects.
func runAction(ctx context.Context, cfg *config.Config, opts cliOptions, log *logging.Logger, stdout io.Writer) error {
	s, err := openSession(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := s.Close(); closeErr != nil {
			log.Error("error closing projector", "error", closeErr)
		}
	}()

	p := s.projector
	switch opts.action {
	case actionStatus:
		return printStatus(ctx, p, stdout)
	case actionOn:
		return p.TurnOn(ctx)
	case actionOff:
		return p.TurnOff(ctx)
	case actionMonitor:
		return monitor(ctx, cfg, p, log, stdout)
	case actionExamine:
		return examine(ctx, cfg, p, log, stdout)
	case actionShell:
		return shell(ctx, p, stdout)
	default:
		return fmt.Errorf("%w: unknown action %q", errUsage, opts.action)
	}
}

// printStatus reads the status keys and prints them as an aligned table.
func printStatus(ctx context.Context, p *benq.Projector, w io.Writer) error {
	power, err := p.UpdatePower(ctx)
	if err != nil && errors.Is(err, benq.ErrConnectionLost) {
		return err
	}

	keys := slices.Clone(statusKeys)
	if power == benq.PowerOn {
		keys = append(keys, statusOnKeys...)
	}
	values, err := p.Status(ctx, keys)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Model\t%s\n", orUnknown(p.Model()))
	fmt.Fprintf(tw, "Power\t%s\n", power)
	if mac := p.MAC(); mac != "" {
		fmt.Fprintf(tw, "MAC\t%s\n", mac)
	}
	for _, key := range keys {
		if v, ok := values[key]; ok {
			fmt.Fprintf(tw, "%s\t%s\n", key, v)
		}
	}
	return tw.Flush()
}

// monitor prints every state change until ctx is cancelled.
func monitor(ctx context.Context, cfg *config.Config, p *benq.Projector, log *logging.Logger, w io.Writer) error {
	m := benq.NewMonitor(p, monitorOptions(cfg))
	m.SetLogger(log.Component("monitor"))

	remove := m.Observe(func(ev benq.Event) {
		switch ev.Kind {
		case benq.EventChange:
			fmt.Fprintf(w, "%s %s %s -> %s\n", ev.Time.Format("15:04:05"), ev.Key, orUnknown(ev.Previous), ev.Value)
		case benq.EventConnectionLost:
			fmt.Fprintf(w, "%s connection lost: %v\n", ev.Time.Format("15:04:05"), ev.Err)
		}
	})
	defer remove()

	return m.Run(ctx)
}

// examine queries the projector and prints the report as JSON.
func examine(ctx context.Context, cfg *config.Config, p *benq.Projector, log *logging.Logger, w io.Writer) error {
	if p.PowerStatus() != benq.PowerOn {
		return errPoweredOff
	}

	tables, err := benq.LoadTables(cfg.Protocol.TablesFile)
	if err != nil {
		return err
	}

	opts := benq.ExaminerOptions{
		Timeout:    cfg.Protocol.ResponseTimeout,
		QueryDelay: cfg.Protocol.QueryDelay,
	}
	progress := isTerminal(w)
	if progress {
		opts.Progress = func(ev benq.ExamineEvent) {
			fmt.Fprintf(os.Stderr, "\r\033[K%s", progressLine(ev))
		}
	}

	e := benq.NewExaminer(p, opts)
	e.SetLogger(log.Component("examiner"))

	report, examErr := e.Examine(ctx, tables)
	if progress {
		fmt.Fprint(os.Stderr, "\r\033[K")
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "\t")
	if err := enc.Encode(report); err != nil {
		return err
	}
	return examErr
}

// progressLine renders one query event, e.g. "sour=hdmi supported".
func progressLine(ev benq.ExamineEvent) string {
	if ev.Value != "" {
		return fmt.Sprintf("%s=%s %s", ev.Key, ev.Value, ev.Result)
	}
	return fmt.Sprintf("%s %s", ev.Key, ev.Result)
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	return ok && term.IsTerminal(int(f.Fd())) //nolint:gosec // File descriptors fit in int
}

func monitorOptions(cfg *config.Config) benq.MonitorOptions {
	return benq.MonitorOptions{
		Interval: cfg.Monitor.Interval,
		Keys:     cfg.Monitor.Keys,
		OnKeys:   cfg.Monitor.OnKeys,
		Timeout:  cfg.Protocol.ResponseTimeout,
	}
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unknown"
	}
	return s
}
