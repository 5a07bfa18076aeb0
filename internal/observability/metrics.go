package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors shared by transports, the registry and discovery.
//
// A nil *Metrics is valid and records nothing, so components can be built without metrics in tests.
type Metrics struct {
	registry *prometheus.Registry

	envelopesIn      *prometheus.CounterVec
	envelopesOut     *prometheus.CounterVec
	frameErrors      *prometheus.CounterVec
	connections      *prometheus.GaugeVec
	rooms            prometheus.Gauge
	broadcastFailure prometheus.Counter
	socketRebuilds   prometheus.Counter
	discoveredRooms  prometheus.Gauge
}

// NewMetrics registers all collectors on a fresh registry.
//
// Postcondition: Returns Metrics whose Handler serves only the collectors registered here
// plus the Go and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		envelopesIn: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flyingchess",
			Subsystem: "transport",
			Name:      "envelopes_received_total",
			Help:      "Envelopes received, by transport and event.",
		}, []string{"transport", "event"}),
		envelopesOut: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flyingchess",
			Subsystem: "transport",
			Name:      "envelopes_sent_total",
			Help:      "Envelopes sent, by transport and event.",
		}, []string{"transport", "event"}),
		frameErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flyingchess",
			Subsystem: "transport",
			Name:      "frame_errors_total",
			Help:      "Inbound frames dropped because they could not be decoded.",
		}, []string{"transport"}),
		connections: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "flyingchess",
			Subsystem: "transport",
			Name:      "connections",
			Help:      "Open connections, by transport.",
		}, []string{"transport"}),
		rooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "flyingchess",
			Subsystem: "registry",
			Name:      "rooms",
			Help:      "Rooms currently held by the registry.",
		}),
		broadcastFailure: f.NewCounter(prometheus.CounterOpts{
			Namespace: "flyingchess",
			Subsystem: "discovery",
			Name:      "broadcast_failures_total",
			Help:      "Discovery datagrams that failed to send.",
		}),
		socketRebuilds: f.NewCounter(prometheus.CounterOpts{
			Namespace: "flyingchess",
			Subsystem: "discovery",
			Name:      "socket_rebuilds_total",
			Help:      "Broadcast sockets rebuilt after repeated send failures.",
		}),
		discoveredRooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "flyingchess",
			Subsystem: "discovery",
			Name:      "rooms",
			Help:      "Rooms currently present in the discovery table.",
		}),
	}
}

// Handler returns the HTTP handler exposing the registered collectors.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Gatherer exposes the underlying registry for tests and push exporters.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// EnvelopeReceived counts an inbound envelope.
func (m *Metrics) EnvelopeReceived(transport, event string) {
	if m == nil {
		return
	}
	m.envelopesIn.WithLabelValues(transport, event).Inc()
}

// EnvelopeSent counts an outbound envelope.
func (m *Metrics) EnvelopeSent(transport, event string) {
	if m == nil {
		return
	}
	m.envelopesOut.WithLabelValues(transport, event).Inc()
}

// FrameDropped counts an undecodable inbound frame.
func (m *Metrics) FrameDropped(transport string) {
	if m == nil {
		return
	}
	m.frameErrors.WithLabelValues(transport).Inc()
}

// ConnectionOpened increments the open connection gauge.
func (m *Metrics) ConnectionOpened(transport string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(transport).Inc()
}

// ConnectionClosed decrements the open connection gauge.
func (m *Metrics) ConnectionClosed(transport string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(transport).Dec()
}

// SetRooms records the current registry room count.
func (m *Metrics) SetRooms(n int) {
	if m == nil {
		return
	}
	m.rooms.Set(float64(n))
}

// BroadcastFailed counts a failed discovery datagram.
func (m *Metrics) BroadcastFailed() {
	if m == nil {
		return
	}
	m.broadcastFailure.Inc()
}

// SocketRebuilt counts a broadcast socket rebuild.
func (m *Metrics) SocketRebuilt() {
	if m == nil {
		return
	}
	m.socketRebuilds.Inc()
}

// SetDiscoveredRooms records the discovery table size.
func (m *Metrics) SetDiscoveredRooms(n int) {
	if m == nil {
		return
	}
	m.discoveredRooms.Set(float64(n))
}
