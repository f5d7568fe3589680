// Package metrics exposes client-side prometheus instrumentation for the
// realtime transport and session guard. The registry is owned here so tests
// and the composition root can scrape or ignore it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	registry *prometheus.Registry

	reconnectAttempts prometheus.Counter
	framesReceived    prometheus.Counter
	framesSent        prometheus.Counter
	framesDropped     prometheus.Counter
	queueDepth        prometheus.Gauge
	tokenRefreshes    *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dabba",
			Subsystem: "realtime",
			Name:      "reconnect_attempts_total",
			Help:      "Realtime transport reconnect attempts.",
		}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dabba",
			Subsystem: "realtime",
			Name:      "frames_received_total",
			Help:      "Frames received from the realtime socket.",
		}),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dabba",
			Subsystem: "realtime",
			Name:      "frames_sent_total",
			Help:      "Frames written to the realtime socket.",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dabba",
			Subsystem: "realtime",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped as malformed.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dabba",
			Subsystem: "realtime",
			Name:      "outbound_queue_depth",
			Help:      "Messages waiting for the next successful connect.",
		}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dabba",
			Subsystem: "session",
			Name:      "token_refreshes_total",
			Help:      "Access token refresh outcomes.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		m.reconnectAttempts,
		m.framesReceived,
		m.framesSent,
		m.framesDropped,
		m.queueDepth,
		m.tokenRefreshes,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// The increment helpers are nil-safe so instrumentation stays optional.

func (m *Metrics) ReconnectAttempt() {
	if m != nil {
		m.reconnectAttempts.Inc()
	}
}

func (m *Metrics) FrameReceived() {
	if m != nil {
		m.framesReceived.Inc()
	}
}

func (m *Metrics) FrameSent() {
	if m != nil {
		m.framesSent.Inc()
	}
}

func (m *Metrics) FrameDropped() {
	if m != nil {
		m.framesDropped.Inc()
	}
}

func (m *Metrics) SetQueueDepth(depth int) {
	if m != nil {
		m.queueDepth.Set(float64(depth))
	}
}

func (m *Metrics) TokenRefresh(result string) {
	if m != nil {
		m.tokenRefreshes.WithLabelValues(result).Inc()
	}
}
