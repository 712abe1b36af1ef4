package benq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Power transition defaults. The lamp needs time to warm up and cool down;
// during that window pow already reports the target state but most other
// commands are blocked.
const (
	DefaultPowerOnTime  = 30 * time.Second
	DefaultPowerOffTime = 90 * time.Second
)

// PowerStatus is the projector's power state including transitions.
type PowerStatus int

// Power states.
const (
	PowerUnknown PowerStatus = iota
	PowerOff
	PowerPoweringOn
	PowerOn
	PowerPoweringOff
)

func (s PowerStatus) String() string {
	switch s {
	case PowerOff:
		return "off"
	case PowerPoweringOn:
		return "powering_on"
	case PowerOn:
		return "on"
	case PowerPoweringOff:
		return "powering_off"
	default:
		return "unknown"
	}
}

// ProjectorOptions configure a projector session.
type ProjectorOptions struct {
	// ModelHint skips model discovery and selects its quirk profile.
	ModelHint string

	// Quirks resolves model names to profiles. Default: built-in profiles.
	Quirks *QuirkRegistry

	// Timeout and Retries are passed to the dispatcher.
	Timeout time.Duration
	Retries int

	// PowerOnTime and PowerOffTime bound the power transitions.
	PowerOnTime  time.Duration
	PowerOffTime time.Duration
}

// Projector is one projector session: transport, dispatcher, cache and the
// power state machine.
//
// Thread Safety:
//   - All methods are safe for concurrent use; commands are serialised by
//     the dispatcher.
type Projector struct {
	transport Transport
	opts      ProjectorOptions
	state     *DeviceState

	mu          sync.RWMutex
	dispatcher  *Dispatcher
	model       string
	mac         string
	power       PowerStatus
	powerChange time.Time

	capabilities *ExaminationReport

	// volumeSteps is set once the model rejected a direct volume level.
	volumeSteps atomic.Bool

	now func() time.Time

	logger Logger
}

var _ Executor = (*Projector)(nil)

// NewProjector creates a session on an unopened transport.
func NewProjector(t Transport, opts ProjectorOptions) *Projector {
	if opts.Quirks == nil {
		opts.Quirks = builtinRegistry()
	}
	if opts.PowerOnTime <= 0 {
		opts.PowerOnTime = DefaultPowerOnTime
	}
	if opts.PowerOffTime <= 0 {
		opts.PowerOffTime = DefaultPowerOffTime
	}
	return &Projector{
		transport: t,
		opts:      opts,
		state:     NewDeviceState(),
		now:       time.Now,
	}
}

// SetLogger sets the logger used by the session and its dispatcher.
// Call before Connect.
func (p *Projector) SetLogger(logger Logger) {
	p.mu.Lock()
	p.logger = logger
	d := p.dispatcher
	p.mu.Unlock()
	if d != nil {
		d.SetLogger(logger)
	}
}

// Connect opens the transport, checks for the prompt when the transport
// asks for it, identifies the model, selects its quirk profile and reads
// the power state.
//
// Parameters:
//   - ctx: Bounds opening the transport and the discovery queries
//
// Returns:
//   - error: If the transport cannot be opened or is lost during discovery
func (p *Projector) Connect(ctx context.Context) error {
	if err := p.transport.Open(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}

	// The framer depends on the prompt, so it is settled before the
	// dispatcher is built.
	if pd, ok := p.transport.(PromptDetector); ok && pd.DetectPrompt() {
		prompt, err := AwaitPrompt(p.transport, p.promptTimeout())
		if err != nil {
			return err
		}
		pd.SetPrompt(prompt)
		p.logInfo("prompt detected", "transport", p.transport.String(), "prompt", prompt)
	}

	model := strings.ToLower(p.opts.ModelHint)
	profile := LenientProfile()
	if model != "" {
		profile = p.opts.Quirks.Lookup(model)
	}

	d := NewDispatcher(p.transport, p.state, DispatcherOptions{
		Timeout: p.opts.Timeout,
		Retries: p.opts.Retries,
		Profile: profile,
	})

	p.mu.Lock()
	p.dispatcher = d
	logger := p.logger
	p.mu.Unlock()
	if logger != nil {
		d.SetLogger(logger)
	}

	if model == "" {
		reply, err := d.Execute(ctx, Query("modelname"), 0)
		switch {
		case err == nil:
			model = strings.ToLower(reply.Value)
		case errors.Is(err, ErrConnectionLost), ctx.Err() != nil:
			return err
		default:
			p.logWarn("model discovery failed, using default profile", "error", err)
		}
		d.SetProfile(p.opts.Quirks.Lookup(model))
	}

	p.mu.Lock()
	p.model = model
	p.mu.Unlock()

	p.logInfo("connected to projector", "transport", p.transport.String(), "model", model,
		"profile", d.Profile().Model)

	if _, err := p.UpdatePower(ctx); err != nil {
		if errors.Is(err, ErrConnectionLost) || ctx.Err() != nil {
			return err
		}
		p.logWarn("reading power state failed", "error", err)
	}

	if mac, err := p.Query(ctx, "macaddr"); err == nil {
		p.mu.Lock()
		p.mac = strings.ToLower(mac)
		p.mu.Unlock()
	} else if errors.Is(err, ErrConnectionLost) {
		return err
	}
	return nil
}

func (p *Projector) promptTimeout() time.Duration {
	if p.opts.Timeout > 0 && p.opts.Timeout < promptWaitTimeout {
		return p.opts.Timeout
	}
	return promptWaitTimeout
}

// Close ends the session and forgets cached state.
func (p *Projector) Close() error {
	p.state.Forget()
	return p.transport.Close()
}

// Execute issues cmd through the dispatcher and feeds pow replies into the
// power state machine.
func (p *Projector) Execute(ctx context.Context, cmd Command, timeout time.Duration) (Reply, error) {
	d := p.Dispatcher()
	if d == nil {
		return Reply{}, ErrNotConnected
	}
	reply, err := d.Execute(ctx, cmd, timeout)
	if err == nil && cmd.Key == PowerKey && cmd.IsQuery() {
		p.applyPower(reply.Value)
	}
	return reply, err
}

// Query returns the current value of key.
func (p *Projector) Query(ctx context.Context, key string) (string, error) {
	reply, err := p.Execute(ctx, Query(key), 0)
	return reply.Value, err
}

// Set changes key to value and returns the projector's answer.
func (p *Projector) Set(ctx context.Context, key, value string) (string, error) {
	reply, err := p.Execute(ctx, Set(key, value), 0)
	return reply.Value, err
}

// Status queries each key and returns the values that resolved. Rejected
// and unanswered keys are left out; a lost connection aborts.
func (p *Projector) Status(ctx context.Context, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		value, err := p.Query(ctx, key)
		switch {
		case err == nil:
			out[key] = value
		case errors.Is(err, ErrConnectionLost), ctx.Err() != nil:
			return out, err
		default:
			p.logDebug("status query skipped", "key", key, "error", err)
		}
	}
	return out, nil
}

// UpdatePower queries pow and returns the resulting power status.
func (p *Projector) UpdatePower(ctx context.Context) (PowerStatus, error) {
	_, err := p.Query(ctx, PowerKey)
	if err != nil {
		p.mu.Lock()
		defer p.mu.Unlock()
		// pow is blocked while the lamp changes state.
		if p.power != PowerPoweringOn && p.power != PowerPoweringOff {
			p.power = PowerUnknown
		}
		return p.power, err
	}
	return p.PowerStatus(), nil
}

// TurnOn powers the projector on unless it is on or warming up already.
func (p *Projector) TurnOn(ctx context.Context) error {
	return p.switchPower(ctx, true)
}

// TurnOff powers the projector off unless it is off or cooling down.
func (p *Projector) TurnOff(ctx context.Context) error {
	return p.switchPower(ctx, false)
}

func (p *Projector) switchPower(ctx context.Context, on bool) error {
	status, err := p.UpdatePower(ctx)
	if err != nil && !errors.Is(err, ErrCommandRejected) {
		return err
	}

	target, transition, opposite := PowerOn, PowerPoweringOn, PowerPoweringOff
	value := "on"
	if !on {
		target, transition, opposite = PowerOff, PowerPoweringOff, PowerPoweringOn
		value = "off"
	}

	switch status {
	case target, transition:
		p.logDebug("projector already in requested power state", "status", status.String())
		return nil
	case opposite:
		return fmt.Errorf("%w: %s", ErrPowerTransition, status)
	}

	p.logInfo("switching projector power", "to", value)
	if _, err := p.Execute(ctx, Set(PowerKey, value), 0); err != nil {
		return err
	}

	p.mu.Lock()
	p.power = transition
	p.powerChange = p.now()
	p.mu.Unlock()
	return nil
}

// applyPower advances the power state machine with a pow reply. A reply
// during a transition keeps the transition until its time has passed.
func (p *Projector) applyPower(value string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	elapsed := p.now().Sub(p.powerChange)
	switch strings.ToLower(value) {
	case "on":
		if p.power == PowerPoweringOn && elapsed <= p.opts.PowerOnTime {
			return
		}
		p.power = PowerOn
	case "off":
		if p.power == PowerPoweringOff && elapsed <= p.opts.PowerOffTime {
			return
		}
		p.power = PowerOff
	default:
		p.power = PowerUnknown
	}
	p.powerChange = time.Time{}
}

// PowerStatus returns the last known power status.
func (p *Projector) PowerStatus() PowerStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.power
}

// Dispatcher returns the session's dispatcher, nil before Connect.
func (p *Projector) Dispatcher() *Dispatcher {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dispatcher
}

// State returns the device state cache.
func (p *Projector) State() *DeviceState {
	return p.state
}

// Model returns the discovered or configured model name.
func (p *Projector) Model() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.model
}

// MAC returns the projector's MAC address when it reports one.
func (p *Projector) MAC() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.mac
}

// Transport returns the underlying transport.
func (p *Projector) Transport() Transport {
	return p.transport
}

func (p *Projector) getLogger() Logger {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.logger
}

func (p *Projector) logInfo(msg string, keysAndValues ...any) {
	if logger := p.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (p *Projector) logWarn(msg string, keysAndValues ...any) {
	if logger := p.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (p *Projector) logDebug(msg string, keysAndValues ...any) {
	if logger := p.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

// Reconnect closes the transport and runs Connect again. Cached state is
// dropped since it cannot be trusted across sessions.
func (p *Projector) Reconnect(ctx context.Context) error {
	p.state.Forget()
	if err := p.transport.Close(); err != nil {
		p.logDebug("closing transport before reconnect", "error", err)
	}
	return p.Connect(ctx)
}

// Connected reports whether a session is open and has not failed.
func (p *Projector) Connected() bool {
	d := p.Dispatcher()
	return d != nil && !d.ConnectionLost()
}

// Stats returns the dispatcher statistics of the current session.
func (p *Projector) Stats() DispatcherStats {
	d := p.Dispatcher()
	if d == nil {
		return DispatcherStats{}
	}
	return d.Stats()
}

// Describe summarises the link for health reporting.
func (p *Projector) Describe() ConnectionStatus {
	status := "disconnected"
	if p.Connected() {
		status = "connected"
	}
	return ConnectionStatus{
		Status:      status,
		Address:     p.transport.String(),
		Model:       p.Model(),
		PowerStatus: p.PowerStatus().String(),
	}
}
