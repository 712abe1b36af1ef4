package benq

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-benq/internal/infrastructure/mqtt"
)

// MQTT message types exchanged between Gray Logic Core and the BenQ bridge.
// They follow the same envelope as every other Gray Logic bridge.

// Protocol is the protocol identifier used in topics and messages.
const Protocol = "benq"

// Bridge command names.
const (
	CommandPowerOn  = "power_on"
	CommandPowerOff = "power_off"
	CommandSet      = "set"
	CommandQuery    = "query"
	CommandVolume   = "volume"
	CommandMute     = "mute"
	CommandSource   = "source"
)

// Bridge request actions.
const (
	ActionReadState = "read_state"
	ActionExamine   = "examine"
)

// CommandMessage is sent from Core to the bridge to control a projector.
// Topic: graylogic/command/benq/{device_id}
type CommandMessage struct {
	// ID uniquely identifies this command for correlation with acknowledgments.
	ID string `json:"id"`

	// Timestamp is when the command was issued (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// DeviceID is the Gray Logic device identifier.
	DeviceID string `json:"device_id"`

	// Command is one of power_on, power_off, set, query, volume, mute,
	// source.
	Command string `json:"command"`

	// Parameters carries "key" and, for set, "value". volume takes
	// "level" or "step" (up, down), mute takes "muted" and source takes
	// "source".
	Parameters map[string]any `json:"parameters,omitempty"`

	// Source indicates where the command originated.
	Source string `json:"source"`
}

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted indicates the projector answered the command.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"

	// AckTimeout indicates the projector did not answer within the retry budget.
	AckTimeout AckStatus = "timeout"
)

// AckMessage is sent from the bridge to Core to acknowledge a command.
// Topic: graylogic/ack/benq/{device_id}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`

	// Key and Value are the projector's answer for accepted commands.
	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`

	// Error contains details if status is "failed" or "timeout".
	Error *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	// Code is the error code (e.g., "COMMAND_REJECTED", "TIMEOUT").
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Token is the projector's error token for rejected commands.
	Token string `json:"token,omitempty"`

	// Retries is the number of attempts made.
	Retries int `json:"retries,omitempty"`
}

// Error codes for command failures.
const (
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeCommandRejected   = "COMMAND_REJECTED"
	ErrCodeUnsupported       = "UNSUPPORTED"
	ErrCodePowerTransition   = "POWER_TRANSITION"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// StateMessage carries the projector's cached state.
// Topic: graylogic/state/benq/{device_id}
// QoS: 1, Retained: Yes
type StateMessage struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`

	// State maps protocol keys to their last known values, plus
	// "power_status" from the power state machine.
	State map[string]any `json:"state"`

	// Changed lists the keys that triggered this message.
	Changed []string `json:"changed,omitempty"`

	Protocol string `json:"protocol"`
	Model    string `json:"model,omitempty"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	// HealthHealthy indicates the projector link is up.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates the link is up but commands are failing.
	HealthDegraded HealthStatus = "degraded"

	// HealthUnhealthy indicates the link to the projector is lost.
	HealthUnhealthy HealthStatus = "unhealthy"

	// HealthOffline indicates the bridge is not connected (from LWT).
	HealthOffline HealthStatus = "offline"

	// HealthStarting indicates the bridge is starting up.
	HealthStarting HealthStatus = "starting"

	// HealthStopping indicates the bridge is shutting down.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports the bridge's operational status.
// Topic: graylogic/health/benq
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge        string       `json:"bridge"`
	Timestamp     time.Time    `json:"timestamp"`
	Status        HealthStatus `json:"status"`
	Version       string       `json:"version"`
	UptimeSeconds int64        `json:"uptime_seconds"`

	// Connection describes the projector link.
	Connection *ConnectionStatus `json:"connection,omitempty"`

	// Statistics contains dispatcher metrics.
	Statistics *BridgeStatistics `json:"statistics,omitempty"`

	// Reason explains the status (especially for offline/degraded).
	Reason string `json:"reason,omitempty"`
}

// ConnectionStatus describes the projector link.
type ConnectionStatus struct {
	// Status is "connected" or "disconnected".
	Status string `json:"status"`

	// Address is the transport description, e.g. "telnet 10.0.0.5:8000".
	Address string `json:"address"`

	Model       string `json:"model,omitempty"`
	PowerStatus string `json:"power_status,omitempty"`

	// LastActivity is when bytes were last exchanged.
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// BridgeStatistics contains dispatcher metrics.
type BridgeStatistics struct {
	CommandsSent    uint64 `json:"commands_sent"`
	RepliesReceived uint64 `json:"replies_received"`
	Timeouts        uint64 `json:"timeouts"`
	Rejected        uint64 `json:"rejected"`
	Failed          uint64 `json:"failed"`
	MalformedFrames uint64 `json:"malformed_frames"`
	Errors          uint64 `json:"errors"`
}

// RequestMessage is sent from Core to the bridge for request/response operations.
// Topic: graylogic/request/benq/{request_id}
type RequestMessage struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	// Action is "read_state" or "examine".
	Action string `json:"action"`

	DeviceID   string         `json:"device_id,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ResponseMessage answers a request.
// Topic: graylogic/response/benq/{request_id}
type ResponseMessage struct {
	RequestID string         `json:"request_id"`
	Timestamp time.Time      `json:"timestamp"`
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     *ResponseError `json:"error,omitempty"`
}

// ResponseError contains error details for failed requests.
type ResponseError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// UnmarshalJSON accepts an RFC 3339 timestamp or none at all.
func (m *CommandMessage) UnmarshalJSON(data []byte) error {
	type Alias CommandMessage
	aux := &struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias: (*Alias)(m),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return fmt.Errorf("unmarshal command message: %w", err)
	}
	if aux.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, aux.Timestamp)
		if err != nil {
			return fmt.Errorf("parse timestamp: %w", err)
		}
		m.Timestamp = t
	}
	return nil
}

// StringParam returns a string parameter, accepting numbers as well since
// values like volume are often sent as JSON numbers.
func (m *CommandMessage) StringParam(name string) (string, bool) {
	v, ok := m.Parameters[name]
	if !ok {
		return "", false
	}
	switch val := v.(type) {
	case string:
		return val, true
	case float64:
		return fmt.Sprintf("%g", val), true
	case bool:
		if val {
			return "on", true
		}
		return "off", true
	default:
		return "", false
	}
}

// NewAckMessage creates an accepted acknowledgment for a command.
func NewAckMessage(cmd CommandMessage, reply Reply) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Status:    AckAccepted,
		Protocol:  Protocol,
		Key:       reply.Key,
		Value:     reply.Value,
	}
}

// NewAckError creates an acknowledgment with error details.
func NewAckError(cmd CommandMessage, code, message string) AckMessage {
	status := AckFailed
	if code == ErrCodeTimeout {
		status = AckTimeout
	}
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Status:    status,
		Protocol:  Protocol,
		Error: &AckError{
			Code:    code,
			Message: message,
		},
	}
}

// NewAckFromError maps an Execute error to an acknowledgment.
func NewAckFromError(cmd CommandMessage, err error) AckMessage {
	code := ErrorCode(err)
	ack := NewAckError(cmd, code, err.Error())

	var rejected *RejectedError
	if errors.As(err, &rejected) {
		ack.Error.Token = rejected.Token
	}
	var failed *FailedError
	if errors.As(err, &failed) {
		ack.Error.Retries = failed.Attempts
	}
	return ack
}

// ErrorCode maps an Execute error to an acknowledgment error code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrConnectionLost), errors.Is(err, ErrNotConnected):
		return ErrCodeDeviceUnreachable
	case errors.Is(err, ErrCommandRejected):
		return ErrCodeCommandRejected
	case errors.Is(err, ErrUnsupported):
		return ErrCodeUnsupported
	case errors.Is(err, ErrCommandFailed), errors.Is(err, ErrTimeout):
		return ErrCodeTimeout
	case errors.Is(err, ErrInvalidCommand):
		return ErrCodeInvalidCommand
	case errors.Is(err, ErrPowerTransition):
		return ErrCodePowerTransition
	default:
		return ErrCodeBridgeError
	}
}

// NewStateMessage creates a state message for the projector.
func NewStateMessage(deviceID, model string, state map[string]any, changed []string) StateMessage {
	return StateMessage{
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC(),
		State:     state,
		Changed:   changed,
		Protocol:  Protocol,
		Model:     model,
	}
}

// NewHealthMessage creates a health status message.
func NewHealthMessage(bridgeID, version string, status HealthStatus, conn ConnectionStatus, stats DispatcherStats, startTime time.Time) HealthMessage {
	msg := HealthMessage{
		Bridge:        bridgeID,
		Timestamp:     time.Now().UTC(),
		Status:        status,
		Version:       version,
		UptimeSeconds: int64(time.Since(startTime).Seconds()),
		Connection:    &conn,
	}
	if !stats.LastActivity.IsZero() {
		last := stats.LastActivity.UTC()
		msg.Connection.LastActivity = &last
	}

	msg.Statistics = &BridgeStatistics{
		CommandsSent:    stats.CommandsTx,
		RepliesReceived: stats.RepliesRx,
		Timeouts:        stats.Timeouts,
		Rejected:        stats.Rejected,
		Failed:          stats.Failed,
		MalformedFrames: stats.MalformedFrames,
		Errors:          stats.ConnectionErrors,
	}
	return msg
}

// NewLWTMessage creates a Last Will and Testament message for MQTT.
func NewLWTMessage(bridgeID string) HealthMessage {
	return HealthMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

// Topic helpers. Builders live in the mqtt package so every Gray Logic
// component agrees on the scheme.

// CommandTopic returns the MQTT topic for commands to a projector.
// Example: graylogic/command/benq/projector-lounge
func CommandTopic(deviceID string) string {
	return mqtt.Topics{}.BridgeCommand(Protocol, deviceID)
}

// AckTopic returns the MQTT topic for command acknowledgments.
func AckTopic(deviceID string) string {
	return mqtt.Topics{}.BridgeAck(Protocol, deviceID)
}

// StateTopic returns the MQTT topic for state updates.
func StateTopic(deviceID string) string {
	return mqtt.Topics{}.BridgeState(Protocol, deviceID)
}

// HealthTopic returns the MQTT topic for health status.
// Example: graylogic/health/benq
func HealthTopic() string {
	return mqtt.Topics{}.BridgeHealth(Protocol)
}

// RequestTopic returns the MQTT topic for requests.
// Example: graylogic/request/benq/req-123
func RequestTopic(requestID string) string {
	return mqtt.Topics{}.BridgeRequest(Protocol, requestID)
}

// ResponseTopic returns the MQTT topic for responses.
func ResponseTopic(requestID string) string {
	return mqtt.Topics{}.BridgeResponse(Protocol, requestID)
}

// RequestSubscribeTopic returns the MQTT subscription pattern for all requests.
// Example: graylogic/request/benq/#
func RequestSubscribeTopic() string {
	return mqtt.Topics{}.BridgeRequests(Protocol)
}
