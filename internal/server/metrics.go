package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector defines the interface for metrics collection
type Collector interface {
	// Connection metrics
	ConnectionOpened(role string)
	ConnectionClosed(role string)

	// Command metrics
	CommandReceived(role, tag string)
	CommandDropped(reason string)

	// Relay metrics
	FrameRelayed(kind string, sizeBytes int)

	// State gauges
	SetActiveCalls(n int)
	SetActiveGroupCalls(n int)
	SetActiveTransfers(n int)
	TransferExpired(kind string)
	CallExpired()

	// Handler returns an HTTP handler for metrics endpoint
	Handler() http.Handler
}

// PrometheusCollector implements the Collector interface using Prometheus.
// Each collector owns its registry so several servers can coexist in one
// process.
type PrometheusCollector struct {
	registry *prometheus.Registry

	activeConnections *prometheus.GaugeVec
	connections       *prometheus.CounterVec

	commands *prometheus.CounterVec
	dropped  *prometheus.CounterVec

	relayedFrames *prometheus.CounterVec
	relayedBytes  *prometheus.CounterVec

	activeCalls      prometheus.Gauge
	activeGroupCalls prometheus.Gauge
	activeTransfers  prometheus.Gauge
	expiredTransfers *prometheus.CounterVec
	expiredCalls     prometheus.Counter
}

// NewPrometheusCollector creates a new PrometheusCollector
func NewPrometheusCollector() *PrometheusCollector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &PrometheusCollector{
		registry: reg,

		activeConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_active_connections",
				Help: "Number of open connections by channel role",
			},
			[]string{"role"},
		),
		connections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_connections_total",
				Help: "Total number of accepted connections by channel role",
			},
			[]string{"role"},
		),

		commands: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_commands_total",
				Help: "Total number of text commands received",
			},
			[]string{"role", "tag"},
		),
		dropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_dropped_total",
				Help: "Total number of dropped frames by reason",
			},
			[]string{"reason"},
		),

		relayedFrames: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_frames_relayed_total",
				Help: "Total number of frames forwarded to peers",
			},
			[]string{"kind"},
		),
		relayedBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_bytes_relayed_total",
				Help: "Total number of payload bytes forwarded to peers",
			},
			[]string{"kind"},
		),

		activeCalls: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_calls",
			Help: "Number of ringing or active one-to-one calls",
		}),
		activeGroupCalls: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_group_calls",
			Help: "Number of group calls with at least one participant",
		}),
		activeTransfers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_transfers",
			Help: "Number of in-flight file transfers and screen frames",
		}),
		expiredTransfers: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_transfers_expired_total",
				Help: "Total number of transfers aborted after going idle",
			},
			[]string{"kind"},
		),
		expiredCalls: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_calls_expired_total",
			Help: "Total number of calls ended by the ring timeout",
		}),
	}
}

// ConnectionOpened records an accepted connection
func (c *PrometheusCollector) ConnectionOpened(role string) {
	c.connections.WithLabelValues(role).Inc()
	c.activeConnections.WithLabelValues(role).Inc()
}

// ConnectionClosed records a closed connection
func (c *PrometheusCollector) ConnectionClosed(role string) {
	c.activeConnections.WithLabelValues(role).Dec()
}

// CommandReceived records a parsed command
func (c *PrometheusCollector) CommandReceived(role, tag string) {
	c.commands.WithLabelValues(role, tag).Inc()
}

// CommandDropped records a dropped frame
func (c *PrometheusCollector) CommandDropped(reason string) {
	c.dropped.WithLabelValues(reason).Inc()
}

// FrameRelayed records a forwarded frame
func (c *PrometheusCollector) FrameRelayed(kind string, sizeBytes int) {
	c.relayedFrames.WithLabelValues(kind).Inc()
	c.relayedBytes.WithLabelValues(kind).Add(float64(sizeBytes))
}

func (c *PrometheusCollector) SetActiveCalls(n int)      { c.activeCalls.Set(float64(n)) }
func (c *PrometheusCollector) SetActiveGroupCalls(n int) { c.activeGroupCalls.Set(float64(n)) }
func (c *PrometheusCollector) SetActiveTransfers(n int)  { c.activeTransfers.Set(float64(n)) }

// TransferExpired records an idle transfer being aborted
func (c *PrometheusCollector) TransferExpired(kind string) {
	c.expiredTransfers.WithLabelValues(kind).Inc()
}

// CallExpired records a call ended by the ring timeout
func (c *PrometheusCollector) CallExpired() {
	c.expiredCalls.Inc()
}

// Handler returns an HTTP handler for metrics endpoint
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	return c.registry
}

var _ Collector = (*PrometheusCollector)(nil)
