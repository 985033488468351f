// Package events carries broker lifecycle events to in-process observers
// and, optionally, to an external NATS subject tree.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Event names.
const (
	ConnectionAdded       = "connection_added"
	ConnectionUpdated     = "connection_updated"
	ConnectionRemoved     = "connection_removed"
	HealthChanged         = "health_changed"
	AgentConnected        = "agent_connected"
	AgentDisconnected     = "agent_disconnected"
	DashboardConnected    = "dashboard_connected"
	DashboardDisconnected = "dashboard_disconnected"
	CommandDispatched     = "command_dispatched"
	CommandCompleted      = "command_completed"
	TerminalOverflow      = "terminal_overflow"
	EmergencyStop         = "emergency_stop"
)

// Event is one broker occurrence. Only the fields relevant to the event
// are set.
type Event struct {
	Name         string         `json:"name"`
	Time         time.Time      `json:"time"`
	ConnectionID string         `json:"connectionId,omitempty"`
	Kind         string         `json:"kind,omitempty"`
	AgentID      string         `json:"agentId,omitempty"`
	UserID       string         `json:"userId,omitempty"`
	CommandID    string         `json:"commandId,omitempty"`
	Health       string         `json:"health,omitempty"`
	Detail       map[string]any `json:"detail,omitempty"`
}

// Bus fans events out to subscribers. Delivery is non-blocking: a
// subscriber whose buffer is full loses the event (counted, logged at
// debug). Publishers are never stalled by a slow observer.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	closed  bool
	dropped atomic.Int64
	log     zerolog.Logger
}

// NewBus creates an event bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		subs: make(map[int]chan Event),
		log:  log.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers an observer with the given channel buffer. The
// returned cancel function detaches it and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(evt Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
			b.log.Debug().Str("event", evt.Name).Msg("subscriber buffer full, event dropped")
		}
	}
}

// Dropped returns the number of events lost to full subscriber buffers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close detaches all subscribers. Further publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
