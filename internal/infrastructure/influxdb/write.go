package influxdb

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the bridge.
const (
	MeasurementProjectorState = "projector_state"
	MeasurementBridgeStats    = "bridge_stats"
)

// BridgeStats is one snapshot of dispatcher counters.
type BridgeStats struct {
	CommandsTx       uint64
	RepliesRx        uint64
	Timeouts         uint64
	Rejected         uint64
	Failed           uint64
	MalformedFrames  uint64
	ConnectionErrors uint64
	Reconnects       uint64
}

// WriteProjectorState queues one observed projector value. Numeric values
// such as lamp hours go to the float field "value" so they can be graphed;
// anything else goes to the string field "state".
//
// Parameters:
//   - deviceID: Device identifier (tag device_id)
//   - key: Lowercase command key (tag key)
//   - value: Value as cached by the bridge
func (c *Client) WriteProjectorState(deviceID, key, value string) {
	c.queue(projectorStatePoint(deviceID, key, value, time.Now()))
}

// WriteBridgeStats queues a snapshot of the dispatcher counters. The
// counters are cumulative since the bridge started.
func (c *Client) WriteBridgeStats(deviceID string, stats BridgeStats) {
	c.queue(bridgeStatsPoint(deviceID, stats, time.Now()))
}

func projectorStatePoint(deviceID, key, value string, at time.Time) *write.Point {
	fields := make(map[string]any, 1)
	if f, ok := numericValue(value); ok {
		fields["value"] = f
	} else {
		fields["state"] = value
	}

	return write.NewPoint(
		MeasurementProjectorState,
		map[string]string{
			"device_id": deviceID,
			"key":       key,
		},
		fields,
		at,
	)
}

func bridgeStatsPoint(deviceID string, s BridgeStats, at time.Time) *write.Point {
	return write.NewPoint(
		MeasurementBridgeStats,
		map[string]string{
			"device_id": deviceID,
		},
		map[string]any{
			"commands_tx":       s.CommandsTx,
			"replies_rx":        s.RepliesRx,
			"timeouts":          s.Timeouts,
			"rejected":          s.Rejected,
			"failed":            s.Failed,
			"malformed_frames":  s.MalformedFrames,
			"connection_errors": s.ConnectionErrors,
			"reconnects":        s.Reconnects,
		},
		at,
	)
}

// numericValue parses finite decimal values. Projectors report some
// settings with an explicit sign ("+2"), which ParseFloat accepts.
func numericValue(value string) (float64, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
