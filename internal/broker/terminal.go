package broker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/switchboard-dev/switchboard/internal/config"
	"github.com/switchboard-dev/switchboard/internal/events"
	"github.com/switchboard-dev/switchboard/internal/metrics"
	"github.com/switchboard-dev/switchboard/internal/protocol"
)

// StreamKey derives the coalescing key for a terminal frame: the command
// id when the output belongs to a command, else a per-agent session key.
func StreamKey(agentID, commandID string) string {
	if commandID != "" {
		return commandID
	}
	return "agent-session-" + agentID
}

// TerminalMux coalesces high-rate terminal output per stream key and
// fans batches out to subscribed dashboards. A buffer flushes when the
// flush timer fires or when it crosses the byte or line threshold.
// Flushes for one key are serialized so delivered sequence numbers stay
// monotonic; while a flush is in progress the buffer is bounded by
// dropping its oldest frames.
type TerminalMux struct {
	log     zerolog.Logger
	cfg     *config.Config
	pool    *Pool
	bus     *events.Bus
	metrics *metrics.Metrics

	mu      sync.Mutex
	buffers map[string]*streamBuffer
	closed  bool
}

type streamBuffer struct {
	key       string
	agentID   string
	commandID string
	frames    []protocol.TerminalFrame
	bytes     int
	dropped   int
	timer     *time.Timer
	flushing  bool
}

type flushBatch struct {
	frames  []protocol.TerminalFrame
	dropped int
}

func NewTerminalMux(cfg *config.Config, log zerolog.Logger, pool *Pool, bus *events.Bus, m *metrics.Metrics) *TerminalMux {
	return &TerminalMux{
		log:     log.With().Str("component", "terminal_mux").Logger(),
		cfg:     cfg,
		pool:    pool,
		bus:     bus,
		metrics: m,
		buffers: make(map[string]*streamBuffer),
	}
}

// Ingest buffers one frame from an agent. agentID is the session-bound
// identity, which wins over whatever the payload claims.
func (m *TerminalMux) Ingest(agentID string, p *protocol.TerminalStreamPayload) {
	frame := p.TerminalFrame
	if frame.Timestamp == 0 {
		frame.Timestamp = time.Now().UnixMilli()
	}
	key := StreamKey(agentID, p.CommandID)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	b, ok := m.buffers[key]
	if !ok {
		b = &streamBuffer{key: key, agentID: agentID, commandID: p.CommandID}
		m.buffers[key] = b
	}
	b.frames = append(b.frames, frame)
	b.bytes += frameSize(frame)

	var (
		batch   flushBatch
		start   bool
		dropped int
	)
	overThreshold := len(b.frames) >= m.cfg.TerminalMaxBufferedLines || b.bytes >= m.cfg.TerminalBufferSize
	switch {
	case overThreshold && !b.flushing:
		b.flushing = true
		batch = b.detachLocked()
		start = true
	case overThreshold && b.flushing:
		// A delivery is already running for this key. Shed the oldest
		// frames to hold the bound; the newest frame always survives.
		for (len(b.frames) > m.cfg.TerminalMaxBufferedLines || b.bytes > m.cfg.TerminalBufferSize) && len(b.frames) > 1 {
			b.bytes -= frameSize(b.frames[0])
			b.frames = b.frames[1:]
			dropped++
		}
		b.dropped += dropped
	default:
		if b.timer == nil && !b.flushing {
			m.armLocked(b)
		}
	}
	m.mu.Unlock()

	if dropped > 0 {
		m.metrics.TerminalDropped.Add(float64(dropped))
		m.bus.Publish(events.Event{
			Name:      events.TerminalOverflow,
			AgentID:   agentID,
			CommandID: p.CommandID,
			Detail:    map[string]any{"streamKey": key, "dropped": dropped},
		})
		m.log.Warn().Str("stream_key", key).Int("dropped", dropped).Msg("terminal buffer overflow")
	}
	if start {
		m.flushLoop(key, agentID, p.CommandID, batch)
	}
}

// armLocked schedules the time-based flush for a buffer's first frame.
func (m *TerminalMux) armLocked(b *streamBuffer) {
	key := b.key
	b.timer = time.AfterFunc(m.cfg.TerminalFlushInterval, func() {
		m.onTimer(key)
	})
}

func (m *TerminalMux) onTimer(key string) {
	m.mu.Lock()
	b, ok := m.buffers[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	b.timer = nil
	if b.flushing || len(b.frames) == 0 {
		m.mu.Unlock()
		return
	}
	b.flushing = true
	agentID, commandID := b.agentID, b.commandID
	batch := b.detachLocked()
	m.mu.Unlock()
	m.flushLoop(key, agentID, commandID, batch)
}

// flushLoop delivers batches for one key until the buffer drains below
// threshold, then hands residual frames back to the timer. Only one
// flushLoop runs per key at a time.
func (m *TerminalMux) flushLoop(key, agentID, commandID string, batch flushBatch) {
	for {
		m.deliver(key, agentID, commandID, batch)

		m.mu.Lock()
		b, ok := m.buffers[key]
		if !ok {
			m.mu.Unlock()
			return
		}
		if len(b.frames) == 0 {
			if b.timer != nil {
				b.timer.Stop()
			}
			delete(m.buffers, key)
			m.mu.Unlock()
			return
		}
		if len(b.frames) >= m.cfg.TerminalMaxBufferedLines || b.bytes >= m.cfg.TerminalBufferSize {
			batch = b.detachLocked()
			m.mu.Unlock()
			continue
		}
		b.flushing = false
		if b.timer == nil {
			m.armLocked(b)
		}
		m.mu.Unlock()
		return
	}
}

// deliver encodes one batch and fans it out to matching dashboards.
// Runs with no mux lock held.
func (m *TerminalMux) deliver(key, agentID, commandID string, batch flushBatch) {
	msg, err := protocol.NewMessage(protocol.TypeTerminalStream, protocol.TerminalBatchPayload{
		AgentID:   agentID,
		CommandID: commandID,
		StreamKey: key,
		Frames:    batch.frames,
		Dropped:   batch.dropped,
	})
	if err != nil {
		return
	}
	data, err := msg.Encode()
	if err != nil {
		return
	}
	m.pool.BroadcastToDashboards(data, func(s *Subscriptions) bool {
		return s.MatchesTerminal(agentID, commandID)
	})
	m.metrics.TerminalFlushes.Inc()
	m.metrics.TerminalFlushBytes.Observe(float64(len(data)))
}

// FlushAll drains every pending buffer immediately. Used on shutdown.
func (m *TerminalMux) FlushAll() {
	m.mu.Lock()
	type pending struct {
		key       string
		agentID   string
		commandID string
		batch     flushBatch
	}
	var out []pending
	for key, b := range m.buffers {
		if b.flushing || len(b.frames) == 0 {
			continue
		}
		b.flushing = true
		out = append(out, pending{key, b.agentID, b.commandID, b.detachLocked()})
	}
	m.mu.Unlock()

	for _, p := range out {
		m.flushLoop(p.key, p.agentID, p.commandID, p.batch)
	}
}

// Close flushes pending output and stops accepting frames.
func (m *TerminalMux) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	m.FlushAll()
}

// Stats reports the live buffer population for the status endpoint.
func (m *TerminalMux) Stats() (keys, bufferedFrames int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.buffers {
		keys++
		bufferedFrames += len(b.frames)
	}
	return keys, bufferedFrames
}

// detachLocked takes the pending frames out of a buffer, leaving it
// empty. Caller holds the mux lock.
func (b *streamBuffer) detachLocked() flushBatch {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	batch := flushBatch{frames: b.frames, dropped: b.dropped}
	b.frames = nil
	b.bytes = 0
	b.dropped = 0
	return batch
}

func frameSize(f protocol.TerminalFrame) int {
	n := 0
	for _, line := range f.Content {
		n += len(line) + 1
	}
	for _, code := range f.AnsiCodes {
		n += len(code)
	}
	return n
}
