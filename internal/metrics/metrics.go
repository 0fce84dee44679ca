// Package metrics holds the prometheus collectors for the channel engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "zajel"

// Metrics holds all the engine metrics on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// Swarm protocol metrics
	SwarmMessagesSent     *prometheus.CounterVec
	SwarmMessagesReceived *prometheus.CounterVec
	SwarmMessagesDropped  prometheus.Counter
	PendingRequests       prometheus.Gauge

	// Content metrics
	ChunksPublished      prometheus.Counter
	VerificationFailures *prometheus.CounterVec

	// Relay metrics
	RelayFetches *prometheus.CounterVec
}

// New creates a Metrics instance with every collector registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		SwarmMessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swarm_messages_sent_total",
			Help:      "Swarm messages sent, by message type.",
		}, []string{"type"}),

		SwarmMessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swarm_messages_received_total",
			Help:      "Swarm messages received, by message type.",
		}, []string{"type"}),

		SwarmMessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swarm_messages_dropped_total",
			Help:      "Inbound swarm messages dropped as malformed.",
		}),

		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "swarm_pending_requests",
			Help:      "Chunk requests awaiting a chunk_data response.",
		}),

		ChunksPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_published_total",
			Help:      "Chunks produced by local publishing.",
		}),

		VerificationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verification_failures_total",
			Help:      "Chunk verification failures, by failing step.",
		}, []string{"step"}),

		RelayFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_fetches_total",
			Help:      "Relay fetch outcomes, by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.SwarmMessagesSent,
		m.SwarmMessagesReceived,
		m.SwarmMessagesDropped,
		m.PendingRequests,
		m.ChunksPublished,
		m.VerificationFailures,
		m.RelayFetches,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) MessageSent(msgType string) {
	if m != nil {
		m.SwarmMessagesSent.WithLabelValues(msgType).Inc()
	}
}

func (m *Metrics) MessageReceived(msgType string) {
	if m != nil {
		m.SwarmMessagesReceived.WithLabelValues(msgType).Inc()
	}
}

func (m *Metrics) MessageDropped() {
	if m != nil {
		m.SwarmMessagesDropped.Inc()
	}
}

func (m *Metrics) SetPending(n int) {
	if m != nil {
		m.PendingRequests.Set(float64(n))
	}
}

func (m *Metrics) Published(chunks int) {
	if m != nil {
		m.ChunksPublished.Add(float64(chunks))
	}
}

func (m *Metrics) VerificationFailed(step int) {
	if m != nil {
		m.VerificationFailures.WithLabelValues(strconv.Itoa(step)).Inc()
	}
}

func (m *Metrics) RelayFetch(result string) {
	if m != nil {
		m.RelayFetches.WithLabelValues(result).Inc()
	}
}
