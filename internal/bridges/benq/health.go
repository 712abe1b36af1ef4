package benq

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

const (
	// defaultHealthInterval is how often health is published.
	defaultHealthInterval = 30 * time.Second

	dependencyCheckTimeout = 5 * time.Second
)

// Dependency is a service the bridge writes to besides MQTT, such as the
// history database or InfluxDB. A failing check degrades the bridge.
type Dependency struct {
	Name  string
	Check func(ctx context.Context) error
}

// Link is the projector side of the health report. *Projector implements it.
type Link interface {
	Connected() bool
	Describe() ConnectionStatus
	Stats() DispatcherStats
}

var _ Link = (*Projector)(nil)

// HealthReporter manages periodic health status reporting.
// It publishes health messages to MQTT at regular intervals.
type HealthReporter struct {
	bridgeID  string
	version   string
	startTime time.Time
	interval  time.Duration
	publisher HealthPublisher
	link      Link
	deps      []Dependency
	onReport  func(HealthStatus)

	// lastFailed is the failure count at the previous report; growth means
	// commands are failing and the bridge is degraded.
	lastFailed uint64
	failedMu   sync.Mutex

	// Shutdown coordination (stopOnce prevents double-close panics)
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	// Logger (optional)
	logger   Logger
	loggerMu sync.RWMutex
}

// HealthPublisher is the interface for publishing health messages.
// This is typically implemented by an MQTT client.
type HealthPublisher interface {
	// Publish sends a message to a topic with the specified QoS and retention.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// IsConnected returns true if the publisher is connected.
	IsConnected() bool
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	// BridgeID is the bridge identifier for health messages.
	BridgeID string

	// Version is the bridge software version.
	Version string

	// Interval is how often to publish health status.
	// Default: 30 seconds.
	Interval time.Duration

	// Publisher is the MQTT client for publishing messages.
	Publisher HealthPublisher

	// Link provides projector connection state and statistics.
	Link Link

	// Dependencies are checked, in order, on every report.
	Dependencies []Dependency

	// OnReport, when set, runs after every periodic report with the status
	// that was published.
	OnReport func(HealthStatus)
}

// NewHealthReporter creates a new health reporter.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultHealthInterval
	}

	return &HealthReporter{
		bridgeID:  cfg.BridgeID,
		version:   cfg.Version,
		startTime: time.Now(),
		interval:  interval,
		publisher: cfg.Publisher,
		link:      cfg.Link,
		deps:      cfg.Dependencies,
		onReport:  cfg.OnReport,
		done:      make(chan struct{}),
	}
}

// Start begins periodic health reporting. Call Stop to shut down.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop gracefully stops health reporting.
// Publishes a final "stopping" status before returning.
// Safe to call multiple times (uses sync.Once).
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		//nolint:errcheck // Best-effort during shutdown, nothing we can do if it fails
		h.publishStatus(HealthStopping, "")
	})
}

// SetLogger sets the logger for this reporter.
func (h *HealthReporter) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

// PublishStarting publishes a "starting" status.
func (h *HealthReporter) PublishStarting() error {
	return h.publishStatus(HealthStarting, "bridge starting")
}

// PublishNow publishes the current health status immediately.
// Used after a significant event such as losing the projector.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	return h.publishStatus(status, reason)
}

// GetLWTPayload returns the Last Will and Testament message payload.
func (h *HealthReporter) GetLWTPayload() ([]byte, error) {
	return json.Marshal(NewLWTMessage(h.bridgeID))
}

// GetLWTTopic returns the topic for the Last Will and Testament.
func (h *HealthReporter) GetLWTTopic() string {
	return HealthTopic()
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.report("failed to publish initial health")

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			h.report("failed to publish health")
		}
	}
}

func (h *HealthReporter) report(failMsg string) {
	status, reason := h.determineStatus()
	if err := h.publishStatus(status, reason); err != nil {
		h.logError(failMsg, err)
	}
	if h.onReport != nil {
		h.onReport(status)
	}
}

// determineStatus evaluates the current bridge status.
func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if h.publisher == nil || !h.publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}
	if h.link == nil || !h.link.Connected() {
		return HealthUnhealthy, "projector connection lost"
	}

	failed := h.link.Stats().Failed
	h.failedMu.Lock()
	grew := failed > h.lastFailed
	h.lastFailed = failed
	h.failedMu.Unlock()

	if name := h.failingDependency(); name != "" {
		return HealthDegraded, name + " unhealthy"
	}
	if grew {
		return HealthDegraded, "projector not answering commands"
	}

	return HealthHealthy, ""
}

// failingDependency returns the name of the first dependency whose check
// fails, or "".
func (h *HealthReporter) failingDependency() string {
	for _, dep := range h.deps {
		if dep.Check == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), dependencyCheckTimeout)
		err := dep.Check(ctx)
		cancel()
		if err != nil {
			h.logWarn("dependency check failed", "dependency", dep.Name, "error", err)
			return dep.Name
		}
	}
	return ""
}

// publishStatus publishes a health status message.
func (h *HealthReporter) publishStatus(status HealthStatus, reason string) error {
	if h.publisher == nil {
		return nil
	}

	var (
		conn  ConnectionStatus
		stats DispatcherStats
	)
	if h.link != nil {
		conn = h.link.Describe()
		stats = h.link.Stats()
	}

	msg := NewHealthMessage(h.bridgeID, h.version, status, conn, stats, h.startTime)
	if reason != "" {
		msg.Reason = reason
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	// QoS 1, retained
	return h.publisher.Publish(HealthTopic(), payload, 1, true)
}

func (h *HealthReporter) logWarn(msg string, args ...any) {
	h.loggerMu.RLock()
	logger := h.logger
	h.loggerMu.RUnlock()

	if logger != nil {
		logger.Warn(msg, args...)
	}
}

func (h *HealthReporter) logError(msg string, err error) {
	h.loggerMu.RLock()
	logger := h.logger
	h.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
