package benq

import (
	"errors"
	"fmt"
)

// Domain errors for the BenQ bridge package.
var (
	// ErrTimeout is returned for a single attempt that saw no matching
	// reply within the per-attempt timeout. It is retried by the
	// dispatcher and only reaches callers wrapped in a FailedError.
	ErrTimeout = errors.New("benq: no reply within timeout")

	// ErrCommandRejected is returned when the projector answered with an
	// explicit error token. It is never retried.
	ErrCommandRejected = errors.New("benq: command rejected by projector")

	// ErrMalformedReply marks a frame that could not be normalized with
	// the active quirk profile.
	ErrMalformedReply = errors.New("benq: malformed reply")

	// ErrCommandFailed is returned once the retry budget is exhausted.
	ErrCommandFailed = errors.New("benq: command failed")

	// ErrConnectionLost is returned when the transport fails with anything
	// other than a read timeout. The session is unusable afterwards.
	ErrConnectionLost = errors.New("benq: connection lost")

	// ErrReadTimeout is returned by transports when no bytes arrived
	// within the requested read timeout.
	ErrReadTimeout = errors.New("benq: read timeout")

	// ErrNotConnected is returned when an operation requires an open
	// transport.
	ErrNotConnected = errors.New("benq: not connected to projector")

	// ErrInvalidCommand is returned for keys or values that cannot be
	// encoded on the wire.
	ErrInvalidCommand = errors.New("benq: invalid command")

	// ErrInvalidConfig is returned when transport or bridge configuration
	// is unusable.
	ErrInvalidConfig = errors.New("benq: invalid configuration")

	// ErrPoweredOff is returned for operations that need the lamp on.
	ErrPoweredOff = errors.New("benq: projector is powered off")

	// ErrUnsupported is returned for commands and values the last
	// examination found missing on this projector.
	ErrUnsupported = errors.New("benq: not supported by this projector")

	// ErrPowerTransition is returned when a power command arrives while
	// the lamp is still warming up or cooling down.
	ErrPowerTransition = errors.New("benq: projector is changing power state")
)

// RejectedError carries the error token the projector sent back.
type RejectedError struct {
	Key   string
	Value string
	Token string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("benq: %s rejected: %s", describe(e.Key, e.Value), e.Token)
}

// Is reports ErrCommandRejected so callers can use errors.Is.
func (e *RejectedError) Is(target error) bool {
	return target == ErrCommandRejected
}

// FailedError is returned when every attempt for a command timed out.
// It unwraps to both ErrCommandFailed and the last attempt's cause.
type FailedError struct {
	Key      string
	Value    string
	Attempts int
	Cause    error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("benq: %s failed after %d attempts: %v", describe(e.Key, e.Value), e.Attempts, e.Cause)
}

func (e *FailedError) Unwrap() []error {
	return []error{ErrCommandFailed, e.Cause}
}

// MalformedReplyError describes a frame that no quirk rule could repair.
type MalformedReplyError struct {
	Raw string
}

func (e *MalformedReplyError) Error() string {
	return fmt.Sprintf("benq: malformed reply %q", e.Raw)
}

func (e *MalformedReplyError) Unwrap() error {
	return ErrMalformedReply
}

// timeoutError is the cause recorded for an attempt that timed out. When
// malformed frames arrived during the attempt they are kept for diagnostics.
type timeoutError struct {
	after     string
	malformed []string
}

func (e *timeoutError) Error() string {
	if len(e.malformed) == 0 {
		return fmt.Sprintf("no reply within %s", e.after)
	}
	return fmt.Sprintf("no reply within %s (%d malformed frames, last %q)",
		e.after, len(e.malformed), e.malformed[len(e.malformed)-1])
}

func (e *timeoutError) Unwrap() error {
	return ErrTimeout
}

func describe(key, value string) string {
	if value == "" {
		return key + "=?"
	}
	return key + "=" + value
}
