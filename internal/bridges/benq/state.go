package benq

import (
	"maps"
	"strings"
	"sync"
	"time"
)

// PowerKey is the key reporting the lamp state.
const PowerKey = "pow"

// Entry is one cached value and when the projector last confirmed it.
type Entry struct {
	Value     string    `json:"value"`
	Confirmed time.Time `json:"confirmed"`
}

// DeviceState caches the last value the projector reported for each key.
//
// Thread Safety:
//   - Writes happen only from the dispatcher while it holds the
//     connection, so cache updates are ordered with command resolution.
//   - Reads never block on the connection.
type DeviceState struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

// NewDeviceState creates an empty cache.
func NewDeviceState() *DeviceState {
	return &DeviceState{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
}

// Observe stores value for key and stamps it. It returns the previous
// entry, whether one existed, and whether the value changed. A first
// observation counts as a change.
func (s *DeviceState) Observe(key, value string) (prev Entry, existed, changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed = s.entries[key]
	s.entries[key] = Entry{Value: value, Confirmed: s.now()}
	return prev, existed, !existed || !strings.EqualFold(prev.Value, value)
}

// Get returns the cached value for key.
func (s *DeviceState) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e.Value, ok
}

// Entry returns the cached entry for key including its timestamp.
func (s *DeviceState) Entry(key string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e, ok
}

// PoweredOn reports whether the last pow reply was "on". Absent or any
// other value is false.
func (s *DeviceState) PoweredOn() bool {
	v, ok := s.Get(PowerKey)
	return ok && strings.EqualFold(v, "on")
}

// Snapshot returns a copy of all entries.
func (s *DeviceState) Snapshot() map[string]Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.entries)
}

// Values returns a copy of all cached values without timestamps.
func (s *DeviceState) Values() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.entries))
	for k, e := range s.entries {
		out[k] = e.Value
	}
	return out
}

// Forget drops all entries, used when a session ends.
func (s *DeviceState) Forget() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.entries)
}
