package broker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/switchboard-dev/switchboard/internal/auth"
	"github.com/switchboard-dev/switchboard/internal/config"
	"github.com/switchboard-dev/switchboard/internal/events"
	"github.com/switchboard-dev/switchboard/internal/metrics"
	"github.com/switchboard-dev/switchboard/internal/protocol"
	"github.com/switchboard-dev/switchboard/internal/store"
)

// Dependencies carries the services the broker routes through. Validator,
// Agents, Commands, and Audit are required; Bus and Metrics default to
// fresh instances when nil.
type Dependencies struct {
	Validator auth.TokenValidator
	Agents    store.AgentService
	Commands  store.CommandService
	Audit     store.AuditService
	Bus       *events.Bus
	Metrics   *metrics.Metrics
}

// Broker ties the connection pool, heartbeat engine, token manager,
// terminal multiplexer, and message router into one unit with a shared
// lifecycle.
type Broker struct {
	log zerolog.Logger
	cfg *config.Config

	pool     *Pool
	hb       *HeartbeatEngine
	tokens   *TokenManager
	affinity *AffinityTable
	mux      *TerminalMux
	router   *Router

	bus     *events.Bus
	metrics *metrics.Metrics

	started time.Time
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg *config.Config, log zerolog.Logger, deps Dependencies) *Broker {
	if deps.Bus == nil {
		deps.Bus = events.NewBus(log)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}

	pool := NewPool(cfg, log, deps.Bus, deps.Metrics)
	hb := NewHeartbeatEngine(cfg, log, pool, deps.Metrics)
	tokens := NewTokenManager(cfg, log, pool, deps.Validator, deps.Audit, deps.Metrics)
	affinity := NewAffinityTable()
	mux := NewTerminalMux(cfg, log, pool, deps.Bus, deps.Metrics)

	b := &Broker{
		log:      log.With().Str("component", "broker").Logger(),
		cfg:      cfg,
		pool:     pool,
		hb:       hb,
		tokens:   tokens,
		affinity: affinity,
		mux:      mux,
		bus:      deps.Bus,
		metrics:  deps.Metrics,
	}
	b.router = &Router{
		log:       log.With().Str("component", "router").Logger(),
		cfg:       cfg,
		pool:      pool,
		hb:        hb,
		tokens:    tokens,
		affinity:  affinity,
		mux:       mux,
		validator: deps.Validator,
		agents:    deps.Agents,
		commands:  deps.Commands,
		audit:     deps.Audit,
		bus:       deps.Bus,
		metrics:   deps.Metrics,
	}
	return b
}

// Start launches the background loops: pool cleanup, token refresh, and
// command affinity expiry. Idempotent per broker; call Shutdown to stop.
func (b *Broker) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	b.started = time.Now()

	b.wg.Add(3)
	go func() {
		defer b.wg.Done()
		b.pool.Run(ctx)
	}()
	go func() {
		defer b.wg.Done()
		b.tokens.Run(ctx)
	}()
	go func() {
		defer b.wg.Done()
		b.expiryLoop(ctx)
	}()
	b.log.Info().Msg("broker started")
}

func (b *Broker) expiryLoop(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.router.ExpireAffinities(time.Now())
		}
	}
}

// Shutdown closes every session, flushes pending terminal output, and
// stops the background loops.
func (b *Broker) Shutdown() {
	if b.cancel != nil {
		b.cancel()
	}
	b.pool.CloseAll(protocol.CloseNormal, "server shutting down")
	b.mux.Close()
	b.wg.Wait()
	b.log.Info().Msg("broker stopped")
}

// Stats is a point-in-time view of the broker for the status API.
type Stats struct {
	Uptime          time.Duration `json:"-"`
	UptimeSeconds   int64         `json:"uptimeSeconds"`
	Connections     int           `json:"connections"`
	Agents          int           `json:"agents"`
	Dashboards      int           `json:"dashboards"`
	ActiveCommands  int           `json:"activeCommands"`
	TerminalStreams int           `json:"terminalStreams"`
	BufferedFrames  int           `json:"bufferedFrames"`
	EventsDropped   int64         `json:"eventsDropped"`
}

func (b *Broker) Stats() Stats {
	streams, frames := b.mux.Stats()
	uptime := time.Since(b.started)
	return Stats{
		Uptime:          uptime,
		UptimeSeconds:   int64(uptime.Seconds()),
		Connections:     b.pool.Len(),
		Agents:          len(b.pool.ByKind(KindAgent)),
		Dashboards:      len(b.pool.ByKind(KindDashboard)),
		ActiveCommands:  b.affinity.Len(),
		TerminalStreams: streams,
		BufferedFrames:  frames,
		EventsDropped:   b.bus.Dropped(),
	}
}

// Sessions returns snapshots of every live session, for the admin API.
func (b *Broker) Sessions() []SessionInfo {
	return b.pool.List()
}

// AgentLive reports whether an agent identity has a bound session.
func (b *Broker) AgentLive(agentID string) bool {
	_, ok := b.pool.ByAgent(agentID)
	return ok
}

// Capacity reports whether the pool can take another session.
func (b *Broker) Capacity() bool {
	return b.pool.Len() < b.cfg.MaxConnections
}
