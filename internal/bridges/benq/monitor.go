package benq

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// defaultPollInterval is the delay between monitor polls.
const defaultPollInterval = 5 * time.Second

// EventKind distinguishes monitor notifications.
type EventKind int

const (
	// EventChange reports a key whose value differs from the cached one.
	EventChange EventKind = iota

	// EventConnectionLost reports the end of the session; Err is set.
	EventConnectionLost
)

func (k EventKind) String() string {
	if k == EventConnectionLost {
		return "connection_lost"
	}
	return "change"
}

// Event is a monitor notification.
type Event struct {
	Kind     EventKind
	Key      string
	Previous string
	Value    string
	Time     time.Time
	Err      error
}

// MonitorOptions configure polling.
type MonitorOptions struct {
	// Interval between polls. Default: 5 seconds.
	Interval time.Duration

	// Keys are polled on every round in addition to pow.
	Keys []string

	// OnKeys are polled only while the projector is powered on. Most
	// models reject them in standby.
	OnKeys []string

	// Timeout is the per-attempt timeout. Zero uses the dispatcher default.
	Timeout time.Duration
}

// Monitor polls the projector and notifies observers of changes.
//
// Thread Safety:
//   - Observers may be added and removed while the monitor runs.
//   - Observers are called from the polling goroutine and must not block.
type Monitor struct {
	exec Executor
	opts MonitorOptions

	mu        sync.RWMutex
	observers map[uint64]func(Event)
	nextID    uint64

	running atomic.Bool
	polls   atomic.Uint64

	logger   Logger
	loggerMu sync.RWMutex
}

// NewMonitor creates a monitor issuing queries through exec.
func NewMonitor(exec Executor, opts MonitorOptions) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = defaultPollInterval
	}
	return &Monitor{
		exec:      exec,
		opts:      opts,
		observers: make(map[uint64]func(Event)),
	}
}

// SetLogger sets the logger for this monitor.
func (m *Monitor) SetLogger(logger Logger) {
	m.loggerMu.Lock()
	m.logger = logger
	m.loggerMu.Unlock()
}

// Observe registers fn for every event and returns a function removing it.
func (m *Monitor) Observe(fn func(Event)) (remove func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.observers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

// Events returns a channel receiving every event until ctx ends, after
// which it is closed. The polling loop waits for the reader, so the
// channel must be drained.
func (m *Monitor) Events(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	var mu sync.Mutex
	closed := false
	remove := m.Observe(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- ev:
		case <-ctx.Done():
		}
	})

	go func() {
		<-ctx.Done()
		remove()
		mu.Lock()
		closed = true
		close(ch)
		mu.Unlock()
	}()
	return ch
}

// Run polls until ctx is cancelled or the connection is lost.
//
// Cancellation while waiting between polls, or while waiting for the
// connection, stops the loop at once. A query already on the wire
// completes first.
//
// Returns:
//   - error: nil on cancellation, ErrConnectionLost when the link failed
func (m *Monitor) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("benq: monitor already running")
	}
	defer m.running.Store(false)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		if err := m.Poll(ctx); err != nil {
			if errors.Is(err, ErrConnectionLost) {
				m.notify(Event{Kind: EventConnectionLost, Time: time.Now(), Err: err})
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		timer.Reset(m.opts.Interval)
	}
}

// Poll runs one round of queries. Timeouts and rejections are logged and
// do not end the round.
func (m *Monitor) Poll(ctx context.Context) error {
	m.polls.Add(1)

	keys := []string{PowerKey}
	for _, k := range m.opts.Keys {
		if !slices.Contains(keys, k) {
			keys = append(keys, k)
		}
	}
	for i := 0; i < len(keys); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := keys[i]

		reply, err := m.exec.Execute(ctx, Query(key), m.opts.Timeout)
		switch {
		case err == nil:
			if reply.Changed {
				m.notify(Event{
					Kind:     EventChange,
					Key:      key,
					Previous: reply.Previous,
					Value:    reply.Value,
					Time:     time.Now(),
				})
			}
		case errors.Is(err, ErrConnectionLost),
			errors.Is(err, context.Canceled),
			errors.Is(err, context.DeadlineExceeded):
			return err
		case errors.Is(err, ErrCommandRejected):
			m.logDebug("monitor query rejected", "key", key, "error", err)
		default:
			m.logWarn("monitor query failed", "key", key, "error", err)
		}

		// The on-only keys follow pow once it is known.
		if key == PowerKey && m.exec.State().PoweredOn() {
			for _, k := range m.opts.OnKeys {
				if !slices.Contains(keys, k) {
					keys = append(keys, k)
				}
			}
		}
	}
	return nil
}

// Running reports whether Run is active.
func (m *Monitor) Running() bool {
	return m.running.Load()
}

// Polls returns the number of poll rounds started.
func (m *Monitor) Polls() uint64 {
	return m.polls.Load()
}

func (m *Monitor) notify(ev Event) {
	m.mu.RLock()
	observers := make([]func(Event), 0, len(m.observers))
	for _, fn := range m.observers {
		observers = append(observers, fn)
	}
	m.mu.RUnlock()

	for _, fn := range observers {
		m.safeCall(fn, ev)
	}
}

// safeCall invokes an observer, recovering panics so that one faulty
// observer cannot stop polling.
func (m *Monitor) safeCall(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logWarn("monitor observer panicked", "panic", r, "key", ev.Key)
		}
	}()
	fn(ev)
}

func (m *Monitor) logDebug(msg string, keysAndValues ...any) {
	m.loggerMu.RLock()
	logger := m.logger
	m.loggerMu.RUnlock()
	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (m *Monitor) logWarn(msg string, keysAndValues ...any) {
	m.loggerMu.RLock()
	logger := m.logger
	m.loggerMu.RUnlock()
	if logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}
