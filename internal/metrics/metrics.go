// Package metrics exposes the broker's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector on a private registry so multiple
// broker instances can coexist in one process (tests).
type Metrics struct {
	Registry *prometheus.Registry

	Connections      *prometheus.GaugeVec
	ConnectionsTotal *prometheus.CounterVec
	MessagesTotal    *prometheus.CounterVec
	BytesTotal       *prometheus.CounterVec
	SendFailures     prometheus.Counter

	TerminalFlushes    prometheus.Counter
	TerminalFlushBytes prometheus.Histogram
	TerminalDropped    prometheus.Counter

	HeartbeatLatency prometheus.Histogram
	HeartbeatMisses  prometheus.Counter

	TokenRefreshes *prometheus.CounterVec
	CommandsTotal  *prometheus.CounterVec
	ErrorsTotal    *prometheus.CounterVec
}

// New creates a registry with all broker collectors plus the standard Go
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,

		Connections: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "switchboard_connections",
			Help: "Live sessions in the pool by kind.",
		}, []string{"kind"}),
		ConnectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_connections_total",
			Help: "Sessions accepted since start by kind.",
		}, []string{"kind"}),
		MessagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_messages_total",
			Help: "Frames processed by direction and message type.",
		}, []string{"direction", "type"}),
		BytesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_bytes_total",
			Help: "Payload bytes moved by direction.",
		}, []string{"direction"}),
		SendFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "switchboard_send_failures_total",
			Help: "Outbound sends that failed or were dropped on a full session queue.",
		}),

		TerminalFlushes: f.NewCounter(prometheus.CounterOpts{
			Name: "switchboard_terminal_flushes_total",
			Help: "Terminal buffer flushes.",
		}),
		TerminalFlushBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "switchboard_terminal_flush_bytes",
			Help:    "Aggregated payload size per terminal flush.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		}),
		TerminalDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "switchboard_terminal_dropped_total",
			Help: "Terminal frames dropped to overflow (oldest-first).",
		}),

		HeartbeatLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "switchboard_heartbeat_latency_seconds",
			Help:    "Ping to pong round trip per session.",
			Buckets: prometheus.DefBuckets,
		}),
		HeartbeatMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "switchboard_heartbeat_misses_total",
			Help: "Pong watchdog expirations.",
		}),

		TokenRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_token_refreshes_total",
			Help: "Token refresh attempts by result.",
		}, []string{"result"}),
		CommandsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_commands_total",
			Help: "Commands routed by terminal status.",
		}, []string{"status"}),
		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_errors_total",
			Help: "ERROR frames sent to peers by code.",
		}, []string{"code"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
