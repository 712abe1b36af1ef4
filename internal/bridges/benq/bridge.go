package benq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Bridge operation constants.
const (
	// minTopicParts is the minimum number of parts in a valid MQTT topic.
	minTopicParts = 3

	// powerStatusKey carries the power state machine in state messages.
	powerStatusKey = "power_status"
)

// Bridge connects one projector to Gray Logic Core over MQTT.
// It handles:
//   - Commands from Core (power, set, query, volume, mute, source) executed
//     through the dispatcher and gated on the last examination
//   - Monitor change events published as retained state messages
//   - Examination requests answered with a capability report
//   - Reconnection after the projector link is lost
//   - Health reporting and graceful shutdown
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	cfg      BridgeConfig
	version  string
	mqtt     MQTTClient
	link     Controller
	monitor  *Monitor
	tables   *CandidateTables
	health   *HealthReporter
	history  StateRecorder // Optional
	metrics  MetricsWriter // Optional
	examOpts ExaminerOptions

	examining     atomic.Bool
	reconnects    atomic.Uint64
	stopObserving func()

	// Shutdown coordination. stopped is set under spawnMu before done is
	// closed; handler goroutines are only added under spawnMu.
	spawnMu   sync.Mutex
	stopped   bool
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context    // Bridge-level context, cancelled on Stop()
	ctxCancel context.CancelFunc // Cancel function for ctx

	// Logger
	logger   Logger
	loggerMu sync.RWMutex
}

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool

	// Disconnect closes the connection gracefully.
	Disconnect(quiesce uint)
}

// Controller is the projector as the bridge sees it. *Projector implements it.
type Controller interface {
	Executor
	Link

	TurnOn(ctx context.Context) error
	TurnOff(ctx context.Context) error
	PowerStatus() PowerStatus
	Model() string
	Reconnect(ctx context.Context) error

	Supports(key string) bool
	SetCapabilities(report *ExaminationReport)
	SetVolume(ctx context.Context, level int) (int, error)
	VolumeUp(ctx context.Context) (int, error)
	VolumeDown(ctx context.Context) (int, error)
	Mute(ctx context.Context, muted bool) error
	SelectSource(ctx context.Context, source string) error
}

var _ Controller = (*Projector)(nil)

// StateRecorder persists state changes and examination reports.
// Implemented by history.SQLiteRepository.
type StateRecorder interface {
	RecordStateChange(ctx context.Context, deviceID, key, previous, value string, at time.Time) error
	SaveExamination(ctx context.Context, deviceID string, report *ExaminationReport) error

	// LatestExamination returns an error when the device was never
	// examined.
	LatestExamination(ctx context.Context, deviceID string) (*ExaminationReport, error)
}

// MetricsWriter receives observed values for time-series storage.
// benqctl adapts influxdb.Client to it.
type MetricsWriter interface {
	// WriteProjectorState is called for every observed state change.
	WriteProjectorState(deviceID, key, value string)

	// WriteBridgeStats is called after every periodic health report.
	WriteBridgeStats(deviceID string, stats DispatcherStats, reconnects uint64)
}

// BridgeOptions contains configuration for creating a new Bridge.
type BridgeOptions struct {
	// Config contains bridge identity and timings.
	Config BridgeConfig

	// MQTTClient is the MQTT client for communication with Core.
	MQTTClient MQTTClient

	// Projector is the connected projector.
	Projector Controller

	// Monitor polls the projector. It must wrap Projector.
	Monitor *Monitor

	// Tables drive examination requests. Default: DefaultTables().
	Tables *CandidateTables

	// Examiner configures examination requests. Progress is ignored.
	Examiner ExaminerOptions

	// History records state changes and reports (optional).
	History StateRecorder

	// Metrics receives observed values (optional).
	Metrics MetricsWriter

	// Dependencies are checked on every health report (optional).
	Dependencies []Dependency

	// Logger is the logger for bridge operations.
	Logger Logger

	// Version is reported in health messages.
	Version string
}

// NewBridge creates a new bridge instance.
// Call Start() to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Projector == nil {
		return nil, fmt.Errorf("projector is required")
	}
	if opts.Monitor == nil {
		return nil, fmt.Errorf("monitor is required")
	}
	cfg := opts.Config
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tables := opts.Tables
	if tables == nil {
		tables = DefaultTables()
	}

	version := opts.Version
	if version == "" {
		version = "dev"
	}

	examOpts := opts.Examiner
	examOpts.Progress = nil

	// Create bridge-level context for command cancellation on shutdown
	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		cfg:       cfg,
		version:   version,
		mqtt:      opts.MQTTClient,
		link:      opts.Projector,
		monitor:   opts.Monitor,
		tables:    tables,
		history:   opts.History, // May be nil (optional)
		metrics:   opts.Metrics, // May be nil (optional)
		examOpts:  examOpts,
		done:      make(chan struct{}),
		ctx:       ctx,
		ctxCancel: ctxCancel,
		logger:    opts.Logger,
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:     cfg.ID,
		Version:      version,
		Interval:     cfg.HealthInterval,
		Publisher:    opts.MQTTClient,
		Link:         opts.Projector,
		Dependencies: opts.Dependencies,
		OnReport:     b.writeStats,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}

	return b, nil
}

// Start begins bridge operation.
// This subscribes to MQTT topics, starts the monitor and starts health
// reporting. The projector must already be connected.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	commandTopic := CommandTopic(b.cfg.DeviceID)
	if err := b.mqtt.Subscribe(commandTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logInfo("subscribed to commands", "topic", commandTopic)

	requestTopic := RequestSubscribeTopic()
	if err := b.mqtt.Subscribe(requestTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to requests: %w", err)
	}
	b.logInfo("subscribed to requests", "topic", requestTopic)

	b.loadCapabilities(ctx)

	b.stopObserving = b.monitor.Observe(b.handleEvent)

	// Publish what Connect already learned so Core has a retained state
	// before the first poll.
	b.publishState(nil)

	b.spawn(b.superviseMonitor)

	b.health.Start(ctx)

	b.logInfo("bridge started",
		"bridge_id", b.cfg.ID,
		"device_id", b.cfg.DeviceID,
		"model", b.link.Model())

	return nil
}

// Stop gracefully shuts down the bridge.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.spawnMu.Lock()
		b.stopped = true
		b.spawnMu.Unlock()
		close(b.done)

		// Cancel bridge context to abort in-flight commands and the monitor
		b.ctxCancel()

		// Stop health reporting (publishes "stopping" status)
		b.health.Stop()

		// Wait for pending operations
		b.wg.Wait()

		if b.stopObserving != nil {
			b.stopObserving()
		}

		b.logInfo("bridge stopped")
	})
}

// Done is closed when Stop has been called.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// spawn runs fn on a goroutine Stop waits for. It reports false, without
// running fn, once Stop has begun.
func (b *Bridge) spawn(fn func()) bool {
	b.spawnMu.Lock()
	defer b.spawnMu.Unlock()
	if b.stopped {
		return false
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
	return true
}

// superviseMonitor runs the monitor and reconnects whenever it stops
// because the link was lost.
func (b *Bridge) superviseMonitor() {
	for {
		err := b.monitor.Run(b.ctx)
		if b.ctx.Err() != nil {
			return
		}
		if err != nil {
			b.logError("monitor stopped", err)
		}

		if err := b.health.PublishNow(); err != nil {
			b.logError("failed to publish health", err)
		}

		if !b.reconnect() {
			return // Shutdown during reconnection
		}
	}
}

// reconnect re-establishes the projector link with exponential backoff.
// Returns true if reconnection succeeded, false if shutdown was signalled.
func (b *Bridge) reconnect() bool {
	backoff := b.cfg.ReconnectInterval
	attempt := 0

	for {
		attempt++
		b.logInfo("attempting reconnection", "attempt", attempt, "backoff", backoff.String())

		err := b.link.Reconnect(b.ctx)
		if err == nil {
			b.reconnects.Add(1)
			b.logInfo("reconnected to projector", "attempts", attempt, "model", b.link.Model())
			if err := b.health.PublishNow(); err != nil {
				b.logError("failed to publish health", err)
			}
			b.publishState(nil)
			return true
		}
		b.logError("reconnect failed", err)

		select {
		case <-b.ctx.Done():
			return false
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * 1.5) //nolint:mnd // backoff growth factor
		if backoff > maxReconnectInterval {
			backoff = maxReconnectInterval
		}
	}
}

// handleMQTTMessage routes incoming MQTT messages to appropriate handlers.
// Work runs on its own goroutine so a slow projector never blocks the
// MQTT client's delivery.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) < minTopicParts {
		b.logError("invalid topic format", fmt.Errorf("topic: %s", topic))
		return
	}

	messageType := parts[1] // command, request

	var handler func([]byte)
	switch messageType {
	case "command":
		handler = b.handleCommand
	case "request":
		handler = b.handleRequest
	default:
		b.logError("unknown message type", fmt.Errorf("type: %s", messageType))
		return
	}

	if !b.spawn(func() { handler(payload) }) {
		b.logDebug("dropping message during shutdown", "topic", topic)
	}
}

// handleCommand processes a command message from Core.
func (b *Bridge) handleCommand(payload []byte) {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logError("failed to parse command", err)
		return
	}
	if cmd.DeviceID == "" {
		cmd.DeviceID = b.cfg.DeviceID
	}

	b.logInfo("received command",
		"command_id", cmd.ID,
		"device_id", cmd.DeviceID,
		"command", cmd.Command)

	if cmd.DeviceID != b.cfg.DeviceID {
		b.publishAck(NewAckError(cmd, ErrCodeInvalidParameters,
			fmt.Sprintf("device %s is not served by this bridge", cmd.DeviceID)))
		return
	}

	reply, err := b.executeCommand(cmd)
	if err != nil {
		b.logError("command execution failed", err)
		b.publishAck(NewAckFromError(cmd, err))
		return
	}

	b.publishAck(NewAckMessage(cmd, reply))
	switch cmd.Command {
	case CommandSet, CommandQuery:
		if reply.Changed {
			b.publishState([]string{reply.Key})
		}
	default:
		b.publishState([]string{reply.Key})
	}
}

// executeCommand translates a command message into a projector operation.
func (b *Bridge) executeCommand(cmd CommandMessage) (Reply, error) {
	// Derive timeout from bridge context so commands are cancelled on shutdown
	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.CommandTimeout)
	defer cancel()

	switch cmd.Command {
	case CommandPowerOn, CommandPowerOff:
		var err error
		if cmd.Command == CommandPowerOn {
			err = b.link.TurnOn(ctx)
		} else {
			err = b.link.TurnOff(ctx)
		}
		if err != nil {
			return Reply{}, err
		}
		value, _ := b.link.State().Get(PowerKey)
		return Reply{Key: PowerKey, Value: value}, nil

	case CommandSet:
		key, ok := cmd.StringParam("key")
		if !ok {
			return Reply{}, fmt.Errorf("%w: set requires a key parameter", ErrInvalidCommand)
		}
		value, ok := cmd.StringParam("value")
		if !ok {
			return Reply{}, fmt.Errorf("%w: set requires a value parameter", ErrInvalidCommand)
		}
		if err := b.checkSupported(key); err != nil {
			return Reply{}, err
		}
		return b.link.Execute(ctx, Set(key, value), 0)

	case CommandQuery:
		key, ok := cmd.StringParam("key")
		if !ok {
			return Reply{}, fmt.Errorf("%w: query requires a key parameter", ErrInvalidCommand)
		}
		if err := b.checkSupported(key); err != nil {
			return Reply{}, err
		}
		return b.link.Execute(ctx, Query(key), 0)

	case CommandVolume:
		level, err := b.changeVolume(ctx, cmd)
		if err != nil {
			return Reply{}, err
		}
		return Reply{Key: VolumeKey, Value: strconv.Itoa(level)}, nil

	case CommandMute:
		muted := true
		if v, ok := cmd.StringParam("muted"); ok {
			switch strings.ToLower(v) {
			case "on", "true":
			case "off", "false":
				muted = false
			default:
				return Reply{}, fmt.Errorf("%w: muted must be a boolean", ErrInvalidCommand)
			}
		}
		if err := b.link.Mute(ctx, muted); err != nil {
			return Reply{}, err
		}
		value, _ := b.link.State().Get(MuteKey)
		return Reply{Key: MuteKey, Value: value}, nil

	case CommandSource:
		source, ok := cmd.StringParam("source")
		if !ok {
			return Reply{}, fmt.Errorf("%w: source requires a source parameter", ErrInvalidCommand)
		}
		if err := b.link.SelectSource(ctx, source); err != nil {
			return Reply{}, err
		}
		value, _ := b.link.State().Get(SourceKey)
		return Reply{Key: SourceKey, Value: value}, nil

	default:
		return Reply{}, fmt.Errorf("%w: unknown command %q", ErrInvalidCommand, cmd.Command)
	}
}

// changeVolume applies a volume command: an absolute "level" or a
// "step" of up or down.
func (b *Bridge) changeVolume(ctx context.Context, cmd CommandMessage) (int, error) {
	if v, ok := cmd.StringParam("level"); ok {
		level, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%w: volume level %q is not a whole number", ErrInvalidCommand, v)
		}
		return b.link.SetVolume(ctx, level)
	}
	step, _ := cmd.StringParam("step")
	switch strings.ToLower(step) {
	case "up":
		return b.link.VolumeUp(ctx)
	case "down":
		return b.link.VolumeDown(ctx)
	default:
		return 0, fmt.Errorf("%w: volume requires a level or a step of up or down", ErrInvalidCommand)
	}
}

func (b *Bridge) checkSupported(key string) error {
	if !b.link.Supports(key) {
		return fmt.Errorf("%w: %s", ErrUnsupported, key)
	}
	return nil
}

// loadCapabilities restores the last stored examination so unsupported
// commands are refused without a round trip.
func (b *Bridge) loadCapabilities(ctx context.Context) {
	if b.history == nil {
		return
	}
	loadCtx, cancel := context.WithTimeout(ctx, b.cfg.CommandTimeout)
	defer cancel()

	report, err := b.history.LatestExamination(loadCtx, b.cfg.DeviceID)
	if err != nil {
		b.logDebug("no stored examination", "device_id", b.cfg.DeviceID, "error", err)
		return
	}
	if !report.Complete {
		b.logDebug("stored examination incomplete, not gating commands", "report_id", report.ID)
		return
	}
	b.link.SetCapabilities(report)
	b.logInfo("loaded projector capabilities",
		"report_id", report.ID,
		"supported", len(report.SupportedCommands))
}

// publishAck publishes a command acknowledgment.
func (b *Bridge) publishAck(ack AckMessage) {
	payload, err := json.Marshal(ack)
	if err != nil {
		b.logError("failed to marshal ack", err)
		return
	}

	if err := b.mqtt.Publish(AckTopic(b.cfg.DeviceID), payload, 1, false); err != nil {
		b.logError("failed to publish ack", err)
	}
}

// handleRequest processes a request message from Core.
func (b *Bridge) handleRequest(payload []byte) {
	var req RequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		b.logError("failed to parse request", err)
		return
	}

	b.logInfo("received request",
		"request_id", req.RequestID,
		"action", req.Action)

	var resp ResponseMessage

	switch req.Action {
	case ActionReadState:
		resp = b.handleReadState(req)
	case ActionExamine:
		resp = b.handleExamine(req)
	default:
		resp = errorResponse(req, ErrCodeInvalidCommand, fmt.Sprintf("unknown action: %s", req.Action))
	}

	b.publishResponse(resp)
}

func (b *Bridge) publishResponse(resp ResponseMessage) {
	payload, err := json.Marshal(resp)
	if err != nil {
		b.logError("failed to marshal response", err)
		return
	}

	if err := b.mqtt.Publish(ResponseTopic(resp.RequestID), payload, 1, false); err != nil {
		b.logError("failed to publish response", err)
	}
}

func errorResponse(req RequestMessage, code, message string) ResponseMessage {
	return ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Success:   false,
		Error: &ResponseError{
			Code:    code,
			Message: message,
		},
	}
}

// handleReadState answers with the cached state. It never touches the
// projector.
func (b *Bridge) handleReadState(req RequestMessage) ResponseMessage {
	if req.DeviceID != "" && req.DeviceID != b.cfg.DeviceID {
		return errorResponse(req, ErrCodeInvalidParameters,
			fmt.Sprintf("device %s is not served by this bridge", req.DeviceID))
	}

	return ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Success:   true,
		Data: map[string]any{
			"device_id": b.cfg.DeviceID,
			"model":     b.link.Model(),
			"state":     b.stateMap(),
		},
	}
}

// handleExamine runs the capability examiner. Only one examination runs
// at a time; it shares the dispatcher with commands and the monitor.
func (b *Bridge) handleExamine(req RequestMessage) ResponseMessage {
	if !b.examining.CompareAndSwap(false, true) {
		return errorResponse(req, ErrCodeBridgeError, "examination already in progress")
	}
	defer b.examining.Store(false)

	examiner := NewExaminer(b.link, b.examOpts)
	examiner.SetLogger(b.getLogger())

	report, err := examiner.Examine(b.ctx, b.tables)
	if err == nil && report != nil && report.Complete {
		b.link.SetCapabilities(report)
	}
	if report != nil && b.history != nil {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(b.ctx), b.cfg.CommandTimeout)
		if serr := b.history.SaveExamination(saveCtx, b.cfg.DeviceID, report); serr != nil {
			b.logError("failed to save examination", serr)
		}
		cancel()
	}

	if err != nil {
		resp := errorResponse(req, ErrorCode(err), err.Error())
		if report != nil {
			resp.Error.Details = map[string]any{"report": report}
		}
		return resp
	}

	return ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Success:   true,
		Data: map[string]any{
			"report": report,
		},
	}
}

// handleEvent reacts to monitor events.
func (b *Bridge) handleEvent(ev Event) {
	switch ev.Kind {
	case EventChange:
		b.logDebug("state changed", "key", ev.Key, "previous", ev.Previous, "value", ev.Value)
		if b.history != nil {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(b.ctx), b.cfg.CommandTimeout)
			if err := b.history.RecordStateChange(ctx, b.cfg.DeviceID, ev.Key, ev.Previous, ev.Value, ev.Time); err != nil {
				b.logError("failed to record state change", err)
			}
			cancel()
		}
		if b.metrics != nil {
			b.metrics.WriteProjectorState(b.cfg.DeviceID, ev.Key, ev.Value)
		}
		b.publishState([]string{ev.Key})

	case EventConnectionLost:
		b.logError("projector connection lost", ev.Err)
		if err := b.health.PublishNow(); err != nil {
			b.logError("failed to publish health", err)
		}
	}
}

// stateMap returns the cached values plus the power state machine.
func (b *Bridge) stateMap() map[string]any {
	values := b.link.State().Values()
	state := make(map[string]any, len(values)+1)
	for k, v := range values {
		state[k] = v
	}
	state[powerStatusKey] = b.link.PowerStatus().String()
	return state
}

// publishState publishes the full cached state as a retained message.
func (b *Bridge) publishState(changed []string) {
	msg := NewStateMessage(b.cfg.DeviceID, b.link.Model(), b.stateMap(), changed)

	payload, err := json.Marshal(msg)
	if err != nil {
		b.logError("failed to marshal state", err)
		return
	}

	// QoS 1, retained so Core sees the last state after a restart
	if err := b.mqtt.Publish(StateTopic(b.cfg.DeviceID), payload, 1, true); err != nil {
		b.logError("failed to publish state", err)
	}
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()

	if b.health != nil {
		b.health.SetLogger(logger)
	}
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

// logInfo logs an info message if logger is set.
func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (b *Bridge) logError(msg string, err error) {
	if logger := b.getLogger(); logger != nil {
		logger.Error(msg, "error", err)
	}
}

// logDebug logs a debug message if logger is set.
func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

// writeStats forwards dispatcher counters to the metrics writer.
func (b *Bridge) writeStats(HealthStatus) {
	if b.metrics == nil {
		return
	}
	b.metrics.WriteBridgeStats(b.cfg.DeviceID, b.link.Stats(), b.reconnects.Load())
}

// BridgeMetrics is a point-in-time view of the bridge for status output.
type BridgeMetrics struct {
	Connected   bool
	Status      string
	Model       string
	PowerStatus string
	CommandsTx  uint64
	RepliesRx   uint64
	Failed      uint64
	Reconnects  uint64
	Examining   bool
}

// GetMetrics returns current bridge metrics.
func (b *Bridge) GetMetrics() BridgeMetrics {
	connected := b.link.Connected()
	stats := b.link.Stats()

	status := "disconnected"
	if connected {
		status = "healthy"
	}

	return BridgeMetrics{
		Connected:   connected,
		Status:      status,
		Model:       b.link.Model(),
		PowerStatus: b.link.PowerStatus().String(),
		CommandsTx:  stats.CommandsTx,
		RepliesRx:   stats.RepliesRx,
		Failed:      stats.Failed,
		Reconnects:  b.reconnects.Load(),
		Examining:   b.examining.Load(),
	}
}
