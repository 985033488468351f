package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// subjectPrefix is the root of the mirrored subject tree; the event name
// is appended, e.g. switchboard.events.command_dispatched.
const subjectPrefix = "switchboard.events."

// Mirror republishes every bus event to NATS as JSON. It is best-effort:
// publish failures are logged and never feed back into the broker.
type Mirror struct {
	nc     *nats.Conn
	log    zerolog.Logger
	cancel func()
	done   chan struct{}
}

// NewMirror connects to NATS and starts mirroring the bus.
func NewMirror(url string, bus *Bus, log zerolog.Logger) (*Mirror, error) {
	mlog := log.With().Str("component", "nats-mirror").Logger()

	nc, err := nats.Connect(url,
		nats.Name("switchboard"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			mlog.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			mlog.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}

	ch, cancel := bus.Subscribe(256)
	m := &Mirror{
		nc:     nc,
		log:    mlog,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go m.run(ch)

	mlog.Info().Str("url", url).Msg("event mirror started")
	return m, nil
}

func (m *Mirror) run(ch <-chan Event) {
	defer close(m.done)
	for evt := range ch {
		data, err := json.Marshal(evt)
		if err != nil {
			m.log.Error().Err(err).Str("event", evt.Name).Msg("marshal event")
			continue
		}
		if err := m.nc.Publish(subjectPrefix+evt.Name, data); err != nil {
			m.log.Warn().Err(err).Str("event", evt.Name).Msg("publish event")
		}
	}
}

// Close detaches from the bus, flushes pending publishes, and closes the
// NATS connection.
func (m *Mirror) Close() {
	m.cancel()
	<-m.done
	if err := m.nc.Drain(); err != nil {
		m.log.Warn().Err(err).Msg("drain nats connection")
	}
}
