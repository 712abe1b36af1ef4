package benq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Dispatcher defaults.
const (
	// DefaultResponseTimeout is the per-attempt wait for a reply.
	DefaultResponseTimeout = 5 * time.Second

	// DefaultRetries is the number of extra attempts after a timeout.
	DefaultRetries = 2
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// DispatcherOptions configure timeouts and retries.
type DispatcherOptions struct {
	// Timeout is the per-attempt reply timeout. Default: 5 seconds.
	Timeout time.Duration

	// Retries is the number of additional attempts after a timeout.
	// Zero disables retries.
	Retries int

	// Profile is the initial quirk profile. Default: DefaultProfile().
	Profile *QuirkProfile
}

// Reply is a resolved command.
type Reply struct {
	Key   string
	Value string

	// Previous is the value cached before this reply, Changed reports
	// whether the reply altered the cache.
	Previous string
	Changed  bool

	// Attempts is how many times the command was written.
	Attempts int

	// Echoed is set when the projector only echoed a set command and the
	// requested value was taken as the result.
	Echoed bool
}

// DispatcherStats holds operational statistics.
type DispatcherStats struct {
	CommandsTx       uint64
	RepliesRx        uint64
	Timeouts         uint64
	Rejected         uint64
	Failed           uint64
	MalformedFrames  uint64
	ConnectionErrors uint64
	LastActivity     time.Time
	InFlight         bool
	ConnectionLost   bool
}

// Dispatcher serialises commands on one connection and correlates replies.
//
// Thread Safety:
//   - Execute is safe for concurrent use. Callers are admitted one at a
//     time in arrival order; only one command is ever on the wire.
//   - The device state cache is written while the connection is held.
type Dispatcher struct {
	transport Transport
	framer    *Framer
	state     *DeviceState

	// lock admits one Execute at a time, FIFO, and lets waiters give up
	// when their context ends.
	lock    *semaphore.Weighted
	profile atomic.Pointer[QuirkProfile]

	timeout time.Duration
	retries int

	inFlight atomic.Bool
	lost     atomic.Bool

	// Logger (optional)
	logger   Logger
	loggerMu sync.RWMutex

	// Statistics
	commandsTx       atomic.Uint64
	repliesRx        atomic.Uint64
	timeouts         atomic.Uint64
	rejected         atomic.Uint64
	failed           atomic.Uint64
	malformedFrames  atomic.Uint64
	connectionErrors atomic.Uint64
	lastActivity     atomic.Int64
}

// NewDispatcher creates a dispatcher for an open transport.
func NewDispatcher(t Transport, state *DeviceState, opts DispatcherOptions) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultResponseTimeout
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Profile == nil {
		opts.Profile = DefaultProfile()
	}
	if state == nil {
		state = NewDeviceState()
	}

	d := &Dispatcher{
		transport: t,
		framer: NewFramer(FramerOptions{
			Prompt:         t.Prompt(),
			HashTerminated: !t.Prompt(),
		}),
		state:   state,
		lock:    semaphore.NewWeighted(1),
		timeout: opts.Timeout,
		retries: opts.Retries,
	}
	d.profile.Store(opts.Profile)
	return d
}

// Execute writes cmd and waits for its reply.
//
// Waiting for the connection honours ctx. Once the command is on the wire
// the current attempt always runs to completion; ctx is checked again
// only between attempts.
//
// Parameters:
//   - ctx: Cancels waiting for the connection and further retries
//   - cmd: Query or set command
//   - timeout: Per-attempt timeout; zero uses the dispatcher default
//
// Returns:
//   - Reply: Resolved key and value
//   - error: *RejectedError, *FailedError, ErrConnectionLost, ctx error
func (d *Dispatcher) Execute(ctx context.Context, cmd Command, timeout time.Duration) (Reply, error) {
	if err := cmd.Validate(); err != nil {
		return Reply{}, err
	}
	if timeout <= 0 {
		timeout = d.timeout
	}

	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}
	if err := d.lock.Acquire(ctx, 1); err != nil {
		return Reply{}, err
	}
	defer d.lock.Release(1)

	if d.lost.Load() {
		return Reply{}, fmt.Errorf("%w: session closed by earlier failure", ErrConnectionLost)
	}

	d.inFlight.Store(true)
	defer d.inFlight.Store(false)

	// Bytes left over from an earlier command cannot belong to this one.
	d.framer.Reset()

	profile := d.Profile()
	wire := Encode(cmd)
	cmd.Issued = time.Now()

	var cause error
	attempts := 0
	for attempts < d.retries+1 {
		if attempts > 0 {
			if err := ctx.Err(); err != nil {
				cause = errors.Join(cause, err)
				break
			}
			if d.transport.Prompt() {
				if err := d.resync(timeout); err != nil {
					return Reply{}, err
				}
			}
			d.logDebug("retrying command", "command", cmd.String(), "attempt", attempts+1)
		}
		attempts++

		reply, err := d.attempt(cmd, wire, timeout, profile)
		if err == nil {
			reply.Attempts = attempts
			d.resolve(cmd, &reply)
			return reply, nil
		}
		if !errors.Is(err, ErrTimeout) {
			return Reply{}, err
		}
		d.timeouts.Add(1)
		cause = err
	}

	d.failed.Add(1)
	d.logWarn("command failed", "command", cmd.String(), "attempts", attempts, "error", cause)
	return Reply{}, &FailedError{Key: cmd.Key, Value: cmd.Value, Attempts: attempts, Cause: cause}
}

// attempt writes the command once and reads until a terminal frame or the
// attempt times out.
func (d *Dispatcher) attempt(cmd Command, wire []byte, timeout time.Duration, profile *QuirkProfile) (Reply, error) {
	if err := d.transport.Write(wire); err != nil {
		return Reply{}, d.connectionLost(err)
	}
	d.commandsTx.Add(1)
	d.touch()

	echo := echoFilter{
		line:      encodeLine(cmd),
		query:     cmd.IsQuery(),
		remaining: profile.EchoCount(cmd.Key),
	}
	var malformed []string
	deadline := time.Now().Add(timeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			if echo.seen > 0 && !cmd.IsQuery() {
				d.logDebug("set command only echoed", "command", cmd.String())
				return Reply{Key: cmd.Key, Value: cmd.Value, Echoed: true}, nil
			}
			return Reply{}, &timeoutError{after: timeout.String(), malformed: malformed}
		}

		data, err := d.transport.Read(remaining)
		if errors.Is(err, ErrReadTimeout) {
			continue
		}
		if err != nil {
			return Reply{}, d.connectionLost(err)
		}
		d.touch()

		for raw := range d.framer.Feed(data) {
			frame := Normalize(raw, profile)
			if echo.consume(frame) {
				continue
			}

			switch frame.Kind {
			case FrameEmpty:
				continue

			case FrameError:
				d.rejected.Add(1)
				d.logDebug("command rejected", "command", cmd.String(), "token", frame.Token)
				return Reply{}, &RejectedError{Key: cmd.Key, Value: cmd.Value, Token: frame.Token}

			case FrameReply:
				if frame.Key != cmd.Key {
					d.logDebug("ignoring reply for other key", "command", cmd.String(), "frame", frame.Raw)
					continue
				}
				if cmd.IsQuery() && frame.Value == queryValue {
					continue
				}
				d.repliesRx.Add(1)
				return Reply{Key: frame.Key, Value: frame.Value}, nil

			case FrameBare:
				if cmd.IsQuery() && profile.AcceptsBareValue(cmd.Key) {
					d.repliesRx.Add(1)
					return Reply{Key: cmd.Key, Value: frame.Value}, nil
				}
			}

			// Malformed, or a bare value the profile does not expect.
			d.malformedFrames.Add(1)
			malformed = append(malformed, frame.Raw)
			d.logWarn("malformed reply", "command", cmd.String(), "frame", frame.Raw,
				"profile", profile.Model)
		}
	}
}

// resolve writes the reply into the cache while the connection is held.
// "ok" and empty acknowledgements of set commands cache the requested value.
func (d *Dispatcher) resolve(cmd Command, reply *Reply) {
	value := reply.Value
	if !cmd.IsQuery() && (value == "" || strings.EqualFold(value, "ok")) {
		value = cmd.Value
	}
	// A step answers with the step, not the new level.
	if isStep(value) {
		prev, _ := d.state.Get(cmd.Key)
		reply.Previous = prev
		return
	}
	prev, _, changed := d.state.Observe(cmd.Key, value)
	reply.Previous = prev.Value
	reply.Changed = changed
}

func (d *Dispatcher) connectionLost(err error) error {
	d.connectionErrors.Add(1)
	d.lost.Store(true)
	d.framer.Reset()
	d.logError("connection lost", "transport", d.transport.String(), "error", err)
	return fmt.Errorf("%w: %w", ErrConnectionLost, err)
}

func (d *Dispatcher) touch() {
	d.lastActivity.Store(time.Now().Unix())
}

// echoFilter recognises the projector echoing the command line back.
type echoFilter struct {
	line      string
	query     bool
	remaining int
	seen      int
}

// consume reports whether frame is an echo to skip. A query echo is never
// a reply, so it is always skipped. A set echo is skipped only as often as
// the profile expects, after which an identical frame is the reply.
func (e *echoFilter) consume(frame ResponseFrame) bool {
	if frame.Line != e.line {
		return false
	}
	if e.query {
		e.seen++
		return true
	}
	if e.remaining > 0 {
		e.remaining--
		e.seen++
		return true
	}
	return false
}

// SetProfile switches the quirk profile for subsequent commands.
func (d *Dispatcher) SetProfile(p *QuirkProfile) {
	if p != nil {
		d.profile.Store(p)
	}
}

// Profile returns the active quirk profile.
func (d *Dispatcher) Profile() *QuirkProfile {
	return d.profile.Load()
}

// State returns the device state cache the dispatcher writes to.
func (d *Dispatcher) State() *DeviceState {
	return d.state
}

// ConnectionLost reports whether the session has failed.
func (d *Dispatcher) ConnectionLost() bool {
	return d.lost.Load()
}

// SetLogger sets the logger for this dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.loggerMu.Lock()
	d.logger = logger
	d.loggerMu.Unlock()
}

// Stats returns current operational statistics.
func (d *Dispatcher) Stats() DispatcherStats {
	var last time.Time
	if ts := d.lastActivity.Load(); ts != 0 {
		last = time.Unix(ts, 0)
	}
	return DispatcherStats{
		CommandsTx:       d.commandsTx.Load(),
		RepliesRx:        d.repliesRx.Load(),
		Timeouts:         d.timeouts.Load(),
		Rejected:         d.rejected.Load(),
		Failed:           d.failed.Load(),
		MalformedFrames:  d.malformedFrames.Load(),
		ConnectionErrors: d.connectionErrors.Load(),
		LastActivity:     last,
		InFlight:         d.inFlight.Load(),
		ConnectionLost:   d.lost.Load(),
	}
}

func (d *Dispatcher) getLogger() Logger {
	d.loggerMu.RLock()
	defer d.loggerMu.RUnlock()
	return d.logger
}

func (d *Dispatcher) logDebug(msg string, keysAndValues ...any) {
	if logger := d.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (d *Dispatcher) logWarn(msg string, keysAndValues ...any) {
	if logger := d.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (d *Dispatcher) logError(msg string, keysAndValues ...any) {
	if logger := d.getLogger(); logger != nil {
		logger.Error(msg, keysAndValues...)
	}
}
