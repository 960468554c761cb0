// Package metrics holds the engine's Prometheus collectors. Everything is
// registered on a private registry served at /metrics; a nil *Metrics is a
// valid no-op collector.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type Metrics struct {
	registry *prometheus.Registry

	TransfersSent     *prometheus.CounterVec // by path: inline, chunked
	TransfersReceived *prometheus.CounterVec
	ChunkBytes        prometheus.Counter
	ChunkErrors       prometheus.Counter

	SessionsOpened prometheus.Counter
	SessionsClosed prometheus.Counter
	ReadySessions  prometheus.Gauge

	WSClients        prometheus.Gauge
	ChunkedInFlight  prometheus.Gauge
	DiscoveryRestart prometheus.Counter
}

// New builds the collector set on a fresh private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		TransfersSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_transfers_sent_total",
			Help: "Transfers sent to peers, by path",
		}, []string{"path"}),
		TransfersReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_transfers_received_total",
			Help: "Transfers received from peers, by path",
		}, []string{"path"}),
		ChunkBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weft_chunk_bytes_total",
			Help: "Raw bytes moved through the chunked path",
		}),
		ChunkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weft_chunk_errors_total",
			Help: "Chunked transfers aborted with an error",
		}),
		SessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weft_sessions_opened_total",
			Help: "Peer sessions that reached ready",
		}),
		SessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weft_sessions_closed_total",
			Help: "Peer sessions closed after reaching ready",
		}),
		ReadySessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "weft_ready_sessions",
			Help: "Peer sessions currently ready",
		}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "weft_ws_clients",
			Help: "Local UI clients currently connected",
		}),
		ChunkedInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "weft_chunked_in_flight",
			Help: "Chunked receives currently assembling",
		}),
		DiscoveryRestart: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weft_discovery_restarts_total",
			Help: "Times discovery was restarted",
		}),
	}
	reg.MustRegister(
		m.TransfersSent, m.TransfersReceived, m.ChunkBytes, m.ChunkErrors,
		m.SessionsOpened, m.SessionsClosed, m.ReadySessions,
		m.WSClients, m.ChunkedInFlight, m.DiscoveryRestart,
	)
	return m
}

// Registry exposes the private registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// The helpers below are nil-safe so call sites never need a guard.

func (m *Metrics) SentInline() {
	if m != nil {
		m.TransfersSent.WithLabelValues("inline").Inc()
	}
}

func (m *Metrics) SentChunked() {
	if m != nil {
		m.TransfersSent.WithLabelValues("chunked").Inc()
	}
}

func (m *Metrics) ReceivedInline() {
	if m != nil {
		m.TransfersReceived.WithLabelValues("inline").Inc()
	}
}

func (m *Metrics) ReceivedChunked() {
	if m != nil {
		m.TransfersReceived.WithLabelValues("chunked").Inc()
	}
}

func (m *Metrics) AddChunkBytes(n int) {
	if m != nil {
		m.ChunkBytes.Add(float64(n))
	}
}

func (m *Metrics) ChunkFailed() {
	if m != nil {
		m.ChunkErrors.Inc()
	}
}

func (m *Metrics) SessionReady() {
	if m != nil {
		m.SessionsOpened.Inc()
		m.ReadySessions.Inc()
	}
}

func (m *Metrics) SessionGone() {
	if m != nil {
		m.SessionsClosed.Inc()
		m.ReadySessions.Dec()
	}
}

func (m *Metrics) ClientJoined() {
	if m != nil {
		m.WSClients.Inc()
	}
}

func (m *Metrics) ClientLeft() {
	if m != nil {
		m.WSClients.Dec()
	}
}

func (m *Metrics) ChunkedStarted() {
	if m != nil {
		m.ChunkedInFlight.Inc()
	}
}

func (m *Metrics) ChunkedDone() {
	if m != nil {
		m.ChunkedInFlight.Dec()
	}
}

func (m *Metrics) DiscoveryRestarted() {
	if m != nil {
		m.DiscoveryRestart.Inc()
	}
}
