package benq

import (
	"bytes"
	"errors"
	"fmt"
	"time"
)

// promptWaitTimeout bounds waiting for the prompt after a bare carriage
// return.
const promptWaitTimeout = time.Second

// AwaitPrompt writes a bare carriage return and reports whether the link
// answers with the '>' prompt. Serial links and serial-to-network bridges
// print it; LAN-native projectors stay silent or send an empty line.
//
// Everything read while waiting is discarded, so AwaitPrompt also drains
// late replies from an earlier command.
//
// Parameters:
//   - t: Open transport; no command may be in flight
//   - timeout: How long to wait for the prompt
//
// Returns:
//   - bool: True if the link printed the prompt
//   - error: ErrConnectionLost if the transport failed
func AwaitPrompt(t Transport, timeout time.Duration) (bool, error) {
	if err := t.Write([]byte{'\r'}); err != nil {
		return false, fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}

	var received []byte
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		data, err := t.Read(remaining)
		if errors.Is(err, ErrReadTimeout) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("%w: %w", ErrConnectionLost, err)
		}
		received = append(received, data...)
		if bytes.HasSuffix(bytes.Trim(received, whitespace), []byte{promptChar}) {
			return true, nil
		}
	}
}

// resync waits for the prompt before a command is retried, so the retry
// starts on a clean line. Called with the connection held.
func (d *Dispatcher) resync(timeout time.Duration) error {
	ok, err := AwaitPrompt(d.transport, timeout)
	d.framer.Reset()
	if err != nil {
		d.connectionErrors.Add(1)
		d.lost.Store(true)
		d.logError("connection lost", "transport", d.transport.String(), "error", err)
		return err
	}
	if !ok {
		d.logDebug("no prompt before retry", "transport", d.transport.String())
	}
	return nil
}
