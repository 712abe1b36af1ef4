package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/chzyer/readline"

	"github.com/nerrad567/gray-logic-benq/internal/bridges/benq"
)

const shellHelp = `Enter commands as key=value or key=? (a bare key queries it).
The *...# framing is optional. "state" prints the cache, "quit" exits.
`

// shell runs an interactive console issuing raw commands.
func shell(ctx context.Context, p *benq.Projector, w io.Writer) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "benq> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
		Stdout:          w,
	})
	if err != nil {
		return fmt.Errorf("starting shell: %w", err)
	}
	defer rl.Close()

	// Unblock Readline when the context ends
	stop := context.AfterFunc(ctx, func() { rl.Close() })
	defer stop()

	fmt.Fprintf(w, "Connected to %s (%s)\n", orUnknown(p.Model()), p.Transport().String())
	fmt.Fprint(w, shellHelp)

	for {
		line, err := rl.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			if line == "" {
				return nil
			}
			continue
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		quit, err := shellLine(ctx, p, w, line)
		if err != nil {
			return err
		}
		if quit {
			return nil
		}
	}
}

// shellLine executes one console line. It returns quit for "quit"/"exit",
// and an error only when the connection is gone.
func shellLine(ctx context.Context, p *benq.Projector, w io.Writer, line string) (quit bool, err error) {
	line = strings.TrimSpace(line)
	switch strings.ToLower(line) {
	case "":
		return false, nil
	case "quit", "exit":
		return true, nil
	case "help", "?":
		fmt.Fprint(w, shellHelp)
		return false, nil
	case "state":
		values := p.State().Values()
		for _, key := range slices.Sorted(maps.Keys(values)) {
			fmt.Fprintf(w, "%s=%s\n", key, values[key])
		}
		return false, nil
	}

	cmd, err := parseShellCommand(line)
	if err != nil {
		fmt.Fprintf(w, "error: %v\n", err)
		return false, nil
	}

	reply, err := p.Execute(ctx, cmd, 0)
	switch {
	case err == nil:
		suffix := ""
		if reply.Echoed {
			suffix = " (echo)"
		}
		fmt.Fprintf(w, "%s=%s%s\n", reply.Key, reply.Value, suffix)
	case errors.Is(err, benq.ErrConnectionLost):
		return false, err
	default:
		fmt.Fprintf(w, "error: %v\n", err)
	}
	return false, nil
}

// parseShellCommand accepts "pow", "pow=?", "pow=on" and "*pow=on#".
func parseShellCommand(line string) (benq.Command, error) {
	line = strings.TrimPrefix(strings.TrimSpace(line), "*")
	line = strings.TrimSuffix(line, "#")

	key, value, hasValue := strings.Cut(line, "=")
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)

	var cmd benq.Command
	if !hasValue || value == "?" {
		cmd = benq.Query(key)
	} else {
		cmd = benq.Set(key, value)
	}
	if err := cmd.Validate(); err != nil {
		return benq.Command{}, err
	}
	return cmd, nil
}
