// Package store persists the broker's agent directory, command records,
// and audit trail. The sqlite implementation backs production; the memory
// implementation backs tests.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// AgentInfo is one directory entry. Status is "connected" or
// "disconnected"; ConnectionID is set only while connected.
type AgentInfo struct {
	ID           string
	Name         string
	Type         string
	Status       string
	ConnectionID string
	RegisteredAt time.Time
	LastSeen     time.Time
}

// AgentService is the broker's view of the agent directory.
type AgentService interface {
	List(ctx context.Context) ([]AgentInfo, error)
	Get(ctx context.Context, id string) (*AgentInfo, error)
	Register(ctx context.Context, info AgentInfo) error
	MarkConnected(ctx context.Context, id, connectionID string) error
	MarkDisconnected(ctx context.Context, id string) error
}

// CommandRecord tracks one command's lifecycle.
type CommandRecord struct {
	ID          string
	AgentID     string
	DashboardID string
	UserID      string
	Command     string
	Status      string
	Detail      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CommandService records command lifecycles for init snapshots and queue
// updates.
type CommandService interface {
	Create(ctx context.Context, rec CommandRecord) error
	UpdateStatus(ctx context.Context, id, status, detail string) error
	Get(ctx context.Context, id string) (*CommandRecord, error)
	ListActive(ctx context.Context) ([]CommandRecord, error)
}

// AuditEvent is one append-only audit record.
type AuditEvent struct {
	ID           int64
	Time         time.Time
	Action       string
	ActorID      string
	ConnectionID string
	AgentID      string
	CommandID    string
	Detail       string
}

// AuditService appends audit events.
type AuditService interface {
	Record(ctx context.Context, evt AuditEvent) error
}

// Audit actions recorded by the broker.
const (
	AuditEmergencyStop = "emergency_stop"
	AuditAgentControl  = "agent_control"
	AuditCommandCancel = "command_cancel"
	AuditAuthFailure   = "auth_failure"
	AuditTokenEvicted  = "token_refresh_evicted"
)
