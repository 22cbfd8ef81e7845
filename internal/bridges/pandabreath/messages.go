package pandabreath

import (
	"time"
)

// MQTT message types exchanged between Gray Logic Core and the Panda Breath
// bridge. They follow the same bridge interface as the other protocol
// bridges: commands in, acks/state/health out.

// Protocol is the bridge's protocol identifier in topics and messages.
const Protocol = "pandabreath"

// Supported command names.
const (
	CommandSetTarget = "set_target"
	CommandOff       = "off"
)

// CommandMessage is sent from Core to the bridge.
// Topic: graylogic/command/pandabreath/{device_id}
type CommandMessage struct {
	// ID uniquely identifies this command for correlation with acknowledgments.
	ID string `json:"id"`

	// Timestamp is when the command was issued (UTC).
	Timestamp time.Time `json:"timestamp"`

	// DeviceID is the Gray Logic device identifier.
	DeviceID string `json:"device_id"`

	// Command is "set_target" or "off".
	Command string `json:"command"`

	// Parameters carries {"target": 45} for set_target.
	Parameters map[string]any `json:"parameters,omitempty"`

	// Source indicates where the command originated ("api", "automation", ...).
	Source string `json:"source"`

	// UserID is the user who triggered the command, if any.
	UserID string `json:"user_id,omitempty"`
}

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted means the command was handed to the transport. The device
	// itself never acknowledges commands.
	AckAccepted AckStatus = "accepted"

	// AckFailed means the command could not be executed.
	AckFailed AckStatus = "failed"
)

// AckMessage is sent from the bridge to Core for every command.
// Topic: graylogic/ack/pandabreath/{device_id}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`
	Address   string    `json:"address"`
	Error     *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command failures.
const (
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
)

// StateMessage is published when the heater status changes.
// Topic: graylogic/state/pandabreath/{device_id}
// QoS: 1, Retained: Yes
type StateMessage struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
	State     Status    `json:"state"`
	Protocol  string    `json:"protocol"`
	Address   string    `json:"address"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthOffline  HealthStatus = "offline"
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports the bridge's operational status.
// Topic: graylogic/health/pandabreath
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge        string            `json:"bridge"`
	InstanceID    string            `json:"instance_id,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Status        HealthStatus      `json:"status"`
	Version       string            `json:"version,omitempty"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Connection    *ConnectionStatus `json:"connection,omitempty"`
	Statistics    *Stats            `json:"statistics,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

// ConnectionStatus describes the device link.
type ConnectionStatus struct {
	// State is the transport loop state ("streaming", "backoff", ...).
	State string `json:"state"`

	// Firmware is "stock" or "esphome".
	Firmware string `json:"firmware"`

	// Address is the device or broker address.
	Address string `json:"address"`

	// ConnectedSince is when the current session was established.
	ConnectedSince *time.Time `json:"connected_since,omitempty"`
}

// NewAckMessage creates an acknowledgment for cmd.
func NewAckMessage(cmd CommandMessage, status AckStatus, address string) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Status:    status,
		Protocol:  Protocol,
		Address:   address,
	}
}

// NewAckError creates a failed acknowledgment with error details.
func NewAckError(cmd CommandMessage, address, code, message string) AckMessage {
	ack := NewAckMessage(cmd, AckFailed, address)
	ack.Error = &AckError{Code: code, Message: message}
	return ack
}

// NewStateMessage creates a state message for a device.
func NewStateMessage(deviceID, address string, s Status) StateMessage {
	return StateMessage{
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC(),
		State:     s,
		Protocol:  Protocol,
		Address:   address,
	}
}

// NewHealthMessage creates a health message from the transport state.
func NewHealthMessage(instanceID, version string, status HealthStatus, state State, stats Stats, startTime time.Time) HealthMessage {
	msg := HealthMessage{
		Bridge:        Protocol,
		InstanceID:    instanceID,
		Timestamp:     time.Now().UTC(),
		Status:        status,
		Version:       version,
		UptimeSeconds: int64(time.Since(startTime).Seconds()),
		Connection:    &ConnectionStatus{State: state.String()},
		Statistics:    &stats,
	}
	if state == StateStreaming && !stats.LastConnect.IsZero() {
		since := stats.LastConnect.UTC()
		msg.Connection.ConnectedSince = &since
	}
	return msg
}

// NewLWTMessage creates the Last Will and Testament published by the broker
// if the bridge disappears without a clean shutdown.
func NewLWTMessage(instanceID string) HealthMessage {
	return HealthMessage{
		Bridge:     Protocol,
		InstanceID: instanceID,
		Timestamp:  time.Now().UTC(),
		Status:     HealthOffline,
		Reason:     "unexpected_disconnect",
	}
}

// TopicPrefix is the base topic for all Gray Logic messages.
const TopicPrefix = "graylogic"

// CommandTopic returns the topic commands for deviceID arrive on.
func CommandTopic(deviceID string) string {
	return TopicPrefix + "/command/" + Protocol + "/" + deviceID
}

// AckTopic returns the topic acknowledgments for deviceID go to.
func AckTopic(deviceID string) string {
	return TopicPrefix + "/ack/" + Protocol + "/" + deviceID
}

// StateTopic returns the retained state topic for deviceID.
func StateTopic(deviceID string) string {
	return TopicPrefix + "/state/" + Protocol + "/" + deviceID
}

// HealthTopic returns the bridge health topic.
func HealthTopic() string {
	return TopicPrefix + "/health/" + Protocol
}
