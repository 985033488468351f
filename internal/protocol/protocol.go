// Package protocol defines the wire envelope and typed payloads exchanged
// between agents, dashboards, and the broker.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is the envelope for every frame in both directions.
// Timestamp is the sender's wall clock in milliseconds.
type Message struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Envelope validation errors.
var (
	ErrMissingType      = errors.New("missing message type")
	ErrMissingID        = errors.New("missing message id")
	ErrMissingTimestamp = errors.New("missing or invalid timestamp")
	ErrInvalidPayload   = errors.New("payload must be a JSON object")
)

// NewMessage creates an envelope with a fresh id and the current timestamp.
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return &Message{
		Type:      msgType,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   data,
	}, nil
}

// Decode parses and validates a raw frame.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the envelope shape: non-empty type and id, a positive
// timestamp, and a payload that is a JSON object.
func (m *Message) Validate() error {
	if m.Type == "" {
		return ErrMissingType
	}
	if m.ID == "" {
		return ErrMissingID
	}
	if m.Timestamp <= 0 {
		return ErrMissingTimestamp
	}
	p := bytes.TrimSpace(m.Payload)
	if len(p) == 0 || p[0] != '{' {
		return ErrInvalidPayload
	}
	return nil
}

// Encode serializes the envelope for the wire.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// ParsePayload unmarshals the payload into the given target.
func (m *Message) ParsePayload(target any) error {
	return json.Unmarshal(m.Payload, target)
}

// Message types (dashboard → broker)
const (
	TypeDashboardInit        = "DASHBOARD_INIT"
	TypeDashboardSubscribe   = "DASHBOARD_SUBSCRIBE"
	TypeDashboardUnsubscribe = "DASHBOARD_UNSUBSCRIBE"
	TypeCommandRequest       = "COMMAND_REQUEST" // also broker → agent
	TypeCommandCancel        = "COMMAND_CANCEL"
	TypeAgentControl         = "AGENT_CONTROL"
	TypeEmergencyStop        = "EMERGENCY_STOP"
	TypeTokenRefresh         = "TOKEN_REFRESH"
	TypePing                 = "PING"
	TypePong                 = "PONG"
)

// Message types (agent → broker)
const (
	TypeAgentConnect    = "AGENT_CONNECT"
	TypeAgentStatus     = "AGENT_STATUS"
	TypeAgentHeartbeat  = "AGENT_HEARTBEAT"
	TypeCommandStatus   = "COMMAND_STATUS"
	TypeCommandProgress = "COMMAND_PROGRESS"
	TypeCommandResult   = "COMMAND_RESULT"
	TypeCommandComplete = "COMMAND_COMPLETE" // legacy alias of COMMAND_RESULT
	TypeTerminalStream  = "TERMINAL_STREAM"
	TypeTraceStream     = "TRACE_STREAM"
)

// Message types (broker → dashboard)
const (
	TypeDashboardConnected = "DASHBOARD_CONNECTED"
	TypeAgentMetrics       = "AGENT_METRICS"
	TypeAgentDisconnect    = "AGENT_DISCONNECT"
	TypeCommandQueueUpdate = "COMMAND_QUEUE_UPDATE"
	TypeAck                = "ACK"
	TypeError              = "ERROR"
)

// Message types (broker → agent)
const (
	TypeAgentConnected = "AGENT_CONNECTED"
)

// dashboardTypes is the closed set a dashboard session may send.
var dashboardTypes = map[string]bool{
	TypeDashboardInit:        true,
	TypeDashboardSubscribe:   true,
	TypeDashboardUnsubscribe: true,
	TypeCommandRequest:       true,
	TypeCommandCancel:        true,
	TypeAgentControl:         true,
	TypeEmergencyStop:        true,
	TypeTokenRefresh:         true,
	TypePing:                 true,
	TypePong:                 true,
}

// agentTypes is the closed set an agent session may send.
var agentTypes = map[string]bool{
	TypeAgentConnect:    true,
	TypeAgentStatus:     true,
	TypeAgentHeartbeat:  true,
	TypeCommandStatus:   true,
	TypeCommandProgress: true,
	TypeCommandResult:   true,
	TypeCommandComplete: true,
	TypeTerminalStream:  true,
	TypeTraceStream:     true,
	TypePing:            true,
	TypePong:            true,
}

// AllowedFromDashboard reports whether a dashboard may send this type.
func AllowedFromDashboard(msgType string) bool { return dashboardTypes[msgType] }

// AllowedFromAgent reports whether an agent may send this type.
func AllowedFromAgent(msgType string) bool { return agentTypes[msgType] }

// CanonicalType maps legacy aliases onto the canonical type name.
func CanonicalType(msgType string) string {
	if msgType == TypeCommandComplete {
		return TypeCommandResult
	}
	return msgType
}

// Error codes carried in ERROR payloads.
const (
	CodeInvalidMessage     = "INVALID_MESSAGE"
	CodeInvalidMessageType = "INVALID_MESSAGE_TYPE"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeAuthTimeout        = "AUTH_TIMEOUT"
	CodeInitFailed         = "INIT_FAILED"
	CodeSubscriptionFailed = "SUBSCRIPTION_FAILED"
	CodeUnsubscribeFailed  = "UNSUBSCRIPTION_FAILED"
	CodeForbidden          = "FORBIDDEN"
	CodeRoutingFailed      = "ROUTING_FAILED"
	CodeCapacityExceeded   = "CAPACITY_EXCEEDED"
	CodeInternalError      = "INTERNAL_ERROR"
)

// WebSocket close codes.
const (
	CloseNormal             = 1000
	CloseHealthCheckFailed  = 4000
	CloseHeartbeatTimeout   = 4001
	CloseTokenRefreshFailed = 4002
	CloseAuthTimeout        = 4003
)

// Command priorities.
const (
	PriorityLow    = 0
	PriorityNormal = 5
	PriorityHigh   = 10
)

// CommandTypeNatural marks free-form commands forwarded to the agent's tool.
const CommandTypeNatural = "NATURAL"

// Terminal stream types.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
	StreamSystem = "system"
)

// Agent control actions.
const (
	ControlStart   = "start"
	ControlStop    = "stop"
	ControlRestart = "restart"
)

// Command lifecycle statuses.
const (
	CommandQueued    = "queued"
	CommandRunning   = "running"
	CommandCompleted = "completed"
	CommandFailed    = "failed"
	CommandCancelled = "cancelled"
)

// IsTerminalCommandStatus reports whether the status ends a command's
// lifecycle (and thus releases its dashboard affinity).
func IsTerminalCommandStatus(status string) bool {
	switch status {
	case CommandCompleted, CommandFailed, CommandCancelled:
		return true
	}
	return false
}

// Agent liveness statuses.
const (
	AgentConnected    = "connected"
	AgentDisconnected = "disconnected"
)
