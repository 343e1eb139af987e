// Package metrics holds the Prometheus collectors for socket sharing. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	io_prometheus_client "github.com/prometheus/client_model/go"
)

// Socket modes.
const (
	ModeShared    = "shared"
	ModeExclusive = "exclusive"
)

// Message directions.
const (
	DirectionIn     = "in"
	DirectionOut    = "out"
	DirectionQueued = "queued"
)

// Reconnect outcomes.
const (
	ReconnectScheduled = "scheduled"
	ReconnectExhausted = "exhausted"
)

// Metrics holds all collectors.
type Metrics struct {
	// Physical sockets opened, by mode
	SocketsOpened *prometheus.CounterVec

	// Physical sockets currently registered for sharing
	SharedSockets prometheus.Gauge

	// Subscribers attached to shared sockets
	Subscribers prometheus.Gauge

	// Transport events (open, close, error) by mode
	Events *prometheus.CounterVec

	// Reconnect decisions by outcome
	Reconnects *prometheus.CounterVec

	// Messages by direction
	Messages *prometheus.CounterVec

	registry prometheus.Gatherer
}

// New creates the collectors and registers them with reg. A nil reg uses a
// fresh private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		r := prometheus.NewRegistry()
		reg = r
	}
	m := &Metrics{
		SocketsOpened: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sockshare_sockets_opened_total",
				Help: "Physical websocket connections opened, by mode",
			},
			[]string{"mode"},
		),
		SharedSockets: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sockshare_shared_sockets",
				Help: "Shared sockets currently held in the registry",
			},
		),
		Subscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sockshare_subscribers",
				Help: "Consumers subscribed to shared sockets",
			},
		),
		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sockshare_socket_events_total",
				Help: "Socket events received from the transport, by event and mode",
			},
			[]string{"event", "mode"},
		),
		Reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sockshare_reconnects_total",
				Help: "Reconnect decisions, by outcome",
			},
			[]string{"outcome"},
		),
		Messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sockshare_messages_total",
				Help: "Messages received, sent, or queued until open",
			},
			[]string{"direction"},
		),
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.registry = g
	}
	reg.MustRegister(m.SocketsOpened, m.SharedSockets, m.Subscribers, m.Events, m.Reconnects, m.Messages)
	return m
}

func (m *Metrics) SocketOpened(mode string) {
	if m == nil {
		return
	}
	m.SocketsOpened.WithLabelValues(mode).Inc()
}

func (m *Metrics) SetSharedSockets(n int) {
	if m == nil {
		return
	}
	m.SharedSockets.Set(float64(n))
}

func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.Subscribers.Set(float64(n))
}

func (m *Metrics) Event(event, mode string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(event, mode).Inc()
}

func (m *Metrics) Reconnect(outcome string) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Message(direction string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(direction).Inc()
}

// Count reads the current value of a counter in vec.
func Count(vec *prometheus.CounterVec, labels ...string) float64 {
	if vec == nil {
		return 0
	}
	c, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	out := &io_prometheus_client.Metric{}
	if err := c.Write(out); err != nil {
		return 0
	}
	return out.GetCounter().GetValue()
}

// Handler serves the registry the collectors were registered with, or the
// default Prometheus handler when that registry cannot be gathered.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
