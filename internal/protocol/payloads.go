package protocol

import "encoding/json"

// DashboardInitPayload authenticates a dashboard session. The token may
// instead travel in the Authorization header or ?token= query at upgrade
// time. Empty agent/command lists mean "all".
type DashboardInitPayload struct {
	UserID        string               `json:"userId"`
	Token         string               `json:"token,omitempty"`
	Subscriptions *SubscriptionRequest `json:"subscriptions,omitempty"`
}

// SubscriptionRequest mutates a dashboard's subscription record. Pointer
// booleans distinguish "not provided" from an explicit false.
type SubscriptionRequest struct {
	Agents    []string `json:"agents,omitempty"`
	Commands  []string `json:"commands,omitempty"`
	Traces    *bool    `json:"traces,omitempty"`
	Terminals *bool    `json:"terminals,omitempty"`
}

// SubscriptionSnapshot is the full subscription record echoed in ACKs.
type SubscriptionSnapshot struct {
	Agents    []string `json:"agents"`
	Commands  []string `json:"commands"`
	Traces    bool     `json:"traces"`
	Terminals bool     `json:"terminals"`
}

// DashboardConnectedPayload is the init snapshot: every agent known to the
// directory with uppercase type/status, plus the applied subscriptions.
type DashboardConnectedPayload struct {
	ConnectionID  string               `json:"connectionId"`
	ServerTime    int64                `json:"serverTime"`
	Agents        []AgentSummary       `json:"agents"`
	Subscriptions SubscriptionSnapshot `json:"subscriptions"`
}

// AgentSummary is one directory entry in the init snapshot.
type AgentSummary struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Type   string `json:"type"`   // uppercase, e.g. "CLAUDE"
	Status string `json:"status"` // uppercase, e.g. "CONNECTED"
}

// CommandRequestPayload is the dashboard's command submission.
type CommandRequestPayload struct {
	AgentID     string   `json:"agentId"`
	CommandID   string   `json:"commandId"`
	Command     string   `json:"command"`
	Args        []string `json:"args,omitempty"`
	Priority    *int     `json:"priority,omitempty"`
	TimeLimitMs *int64   `json:"timeLimitMs,omitempty"`
	MaxRetries  *int     `json:"maxRetries,omitempty"`
}

// AgentCommandPayload is the normalized broker → agent command frame.
type AgentCommandPayload struct {
	CommandID   string               `json:"commandId"`
	Content     string               `json:"content"`
	Command     string               `json:"command"`
	Type        string               `json:"type"` // always "NATURAL"
	Priority    int                  `json:"priority"`
	Args        []string             `json:"args"`
	Constraints ExecutionConstraints `json:"executionConstraints"`
	DashboardID string               `json:"dashboardId"`
	UserID      string               `json:"userId"`
}

// ExecutionConstraints bound command execution on the agent side.
type ExecutionConstraints struct {
	TimeLimitMs int64 `json:"timeLimitMs"`
	MaxRetries  int   `json:"maxRetries"`
}

// CommandCancelPayload aborts a running command. Only the dashboard that
// issued the command may cancel it.
type CommandCancelPayload struct {
	AgentID   string `json:"agentId"`
	CommandID string `json:"commandId"`
	Reason    string `json:"reason,omitempty"`
}

// AgentControlPayload starts, stops, or restarts an agent process.
type AgentControlPayload struct {
	AgentID string `json:"agentId"`
	Action  string `json:"action"` // "start", "stop", "restart"
}

// EmergencyStopPayload halts every connected agent.
type EmergencyStopPayload struct {
	Reason      string `json:"reason,omitempty"`
	InitiatedBy string `json:"initiatedBy,omitempty"`
}

// PongPayload echoes an application-level PING. Timestamp is the incoming
// envelope timestamp, Latency the broker-observed delta in milliseconds.
type PongPayload struct {
	Timestamp int64 `json:"timestamp"`
	Latency   int64 `json:"latency"`
}

// TokenRefreshPayload carries a rotated credential in either direction.
type TokenRefreshPayload struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresAt    int64  `json:"expiresAt,omitempty"` // unix ms
}

// AgentConnectPayload authenticates an agent session.
type AgentConnectPayload struct {
	AgentID      string   `json:"agentId"`
	Name         string   `json:"name,omitempty"`
	AgentType    string   `json:"agentType,omitempty"`
	Version      string   `json:"version,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// AgentConnectedPayload is the broker's reply to AGENT_CONNECT.
type AgentConnectedPayload struct {
	AgentID        string `json:"agentId"`
	ConnectionID   string `json:"connectionId"`
	ServerTime     int64  `json:"serverTime"`
	PingIntervalMs int64  `json:"pingIntervalMs"`
}

// AgentStatusPayload reports agent liveness to dashboards.
type AgentStatusPayload struct {
	AgentID   string `json:"agentId"`
	Status    string `json:"status"` // "connected" or "disconnected"
	Name      string `json:"name,omitempty"`
	AgentType string `json:"agentType,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// AgentHeartbeatPayload is the agent's periodic application heartbeat.
type AgentHeartbeatPayload struct {
	AgentID        string        `json:"agentId"`
	ActiveCommands []string      `json:"activeCommands,omitempty"`
	Metrics        *AgentMetrics `json:"metrics,omitempty"`
}

// AgentMetrics carries host metrics sampled by the agent.
type AgentMetrics struct {
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryPercent float64 `json:"memoryPercent"`
	Load          float64 `json:"load"`
	UptimeMs      int64   `json:"uptimeMs,omitempty"`
}

// AgentMetricsPayload re-broadcasts heartbeat metrics to dashboards.
type AgentMetricsPayload struct {
	AgentID   string       `json:"agentId"`
	Metrics   AgentMetrics `json:"metrics"`
	Timestamp int64        `json:"timestamp"`
}

// AgentDisconnectPayload notifies dashboards that an agent went away.
type AgentDisconnectPayload struct {
	AgentID      string `json:"agentId"`
	ConnectionID string `json:"connectionId"`
	Reason       string `json:"reason,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

// CommandStatusPayload reports command lifecycle transitions.
type CommandStatusPayload struct {
	CommandID string `json:"commandId"`
	AgentID   string `json:"agentId,omitempty"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// CommandProgressPayload reports incremental progress for a command.
type CommandProgressPayload struct {
	CommandID string `json:"commandId"`
	AgentID   string `json:"agentId,omitempty"`
	Phase     string `json:"phase,omitempty"`
	Current   int    `json:"current"`
	Total     int    `json:"total"`
	Message   string `json:"message,omitempty"`
}

// CommandResultPayload is the end-of-command report.
type CommandResultPayload struct {
	CommandID  string `json:"commandId"`
	AgentID    string `json:"agentId,omitempty"`
	Status     string `json:"status"` // "completed", "failed", "cancelled"
	ExitCode   *int   `json:"exitCode,omitempty"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

// CommandQueueUpdatePayload snapshots the in-flight commands per agent.
type CommandQueueUpdatePayload struct {
	AgentID          string   `json:"agentId"`
	QueueLength      int      `json:"queueLength"`
	ActiveCommandIDs []string `json:"activeCommandIds"`
}

// TerminalStreamPayload is one raw output frame from an agent.
type TerminalStreamPayload struct {
	AgentID   string          `json:"agentId"`
	CommandID string          `json:"commandId,omitempty"`
	TerminalFrame
}

// TerminalFrame is a single ordered chunk of terminal output.
type TerminalFrame struct {
	StreamType string          `json:"streamType"` // "stdout", "stderr", "system"
	Content    TerminalContent `json:"content"`
	Sequence   int64           `json:"sequence"`
	AnsiCodes  []string        `json:"ansiCodes,omitempty"`
	Timestamp  int64           `json:"timestamp"`
}

// TerminalBatchPayload is the coalesced broker → dashboard frame: all
// frames buffered for one stream key, oldest first, sequence monotonic.
type TerminalBatchPayload struct {
	AgentID   string          `json:"agentId"`
	CommandID string          `json:"commandId,omitempty"`
	StreamKey string          `json:"streamKey"`
	Frames    []TerminalFrame `json:"frames"`
	Dropped   int             `json:"dropped,omitempty"`
}

// TerminalContent accepts either a bare string or a list of lines on the
// wire and always carries lines internally.
type TerminalContent []string

// UnmarshalJSON implements the string-or-array wire form.
func (c *TerminalContent) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = TerminalContent{s}
		return nil
	}
	var lines []string
	if err := json.Unmarshal(data, &lines); err != nil {
		return err
	}
	*c = TerminalContent(lines)
	return nil
}

// Bytes returns the aggregate content size used for buffer accounting.
func (c TerminalContent) Bytes() int {
	n := 0
	for _, line := range c {
		n += len(line)
	}
	return n
}

// TraceStreamPayload forwards structured trace events from an agent.
type TraceStreamPayload struct {
	AgentID   string          `json:"agentId"`
	CommandID string          `json:"commandId,omitempty"`
	Data      json.RawMessage `json:"data"`
	Sequence  int64           `json:"sequence,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// AckPayload acknowledges a request frame. MessageID echoes the request's
// envelope id; contextual fields are filled per operation.
type AckPayload struct {
	MessageID     string                `json:"messageId"`
	Success       bool                  `json:"success"`
	CommandID     string                `json:"commandId,omitempty"`
	AgentID       string                `json:"agentId,omitempty"`
	Delivered     int                   `json:"delivered,omitempty"`
	Detail        string                `json:"detail,omitempty"`
	Subscriptions *SubscriptionSnapshot `json:"subscriptions,omitempty"`
}

// ErrorPayload reports a typed failure to the peer.
type ErrorPayload struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// NewError builds an ERROR frame.
func NewError(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{Code: code, Message: message})
}
