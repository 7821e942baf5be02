// Package metrics exposes Prometheus instrumentation for the relay hub.
//
// Every Metrics value owns its own registry so tests and multiple hubs in one
// process never collide on metric names. All methods are safe on a nil
// receiver, which turns them into no-ops.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

// Request outcomes recorded by RecordRequest.
const (
	OutcomeOK           = "ok"
	OutcomeRemoteError  = "remote_error"
	OutcomeTimeout      = "timeout"
	OutcomeDisconnected = "peer_disconnected"
	OutcomeAbandoned    = "abandoned"
	OutcomeNoRuntime    = "no_runtime"
	OutcomeRejected     = "rejected"
)

// Metrics holds the hub's collectors.
type Metrics struct {
	registry *prometheus.Registry

	Connections     *prometheus.GaugeVec
	ConnectsTotal   *prometheus.CounterVec
	Evictions       prometheus.Counter
	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	Messages        *prometheus.CounterVec
	DroppedSends    *prometheus.CounterVec
	RateLimited     *prometheus.CounterVec
}

// New registers the hub's collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	m := &Metrics{
		registry: reg,

		// Connections tracks currently open connections by role.
		Connections: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of open WebSocket connections",
		}, []string{"role"}),

		ConnectsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connects_total",
			Help:      "Total accepted WebSocket connections",
		}, []string{"role"}),

		Evictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runtime_evictions_total",
			Help:      "Runtime connections replaced by a newer connection for the same project",
		}),

		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Correlated requests by kind and outcome",
		}, []string{"kind", "outcome"}),

		// RequestDuration measures time from registration to completion in seconds.
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from forwarding a request to its completion",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 30},
		}, []string{"kind", "outcome"}),

		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages by wire type and direction",
		}, []string{"type", "direction"}),

		DroppedSends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_sends_total",
			Help:      "Outbound messages dropped because the peer could not keep up or was closing",
		}, []string{"role"}),

		RateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Inbound messages rejected by the per-connection rate limit",
		}, []string{"role"}),
	}

	return m
}

// ObservePending exposes fn, sampled on every scrape, as the pending request gauge.
func (m *Metrics) ObservePending(fn func() int) {
	if m == nil {
		return
	}
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_requests",
		Help:      "Requests awaiting a response",
	}, func() float64 { return float64(fn()) })
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ConnectionOpened(role string) {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues(role).Inc()
	m.ConnectsTotal.WithLabelValues(role).Inc()
}

func (m *Metrics) ConnectionClosed(role string) {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues(role).Dec()
}

func (m *Metrics) RuntimeEvicted() {
	if m == nil {
		return
	}
	m.Evictions.Inc()
}

// RecordRequest counts a finished request and observes its duration.
func (m *Metrics) RecordRequest(kind, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(kind, outcome).Inc()
	m.RequestDuration.WithLabelValues(kind, outcome).Observe(elapsed.Seconds())
}

// RecordRefused counts a request that was answered without being forwarded.
func (m *Metrics) RecordRefused(kind, outcome string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) MessageIn(msgType string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(msgType, "in").Inc()
}

func (m *Metrics) MessageOut(msgType string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(msgType, "out").Inc()
}

func (m *Metrics) SendDropped(role string) {
	if m == nil {
		return
	}
	m.DroppedSends.WithLabelValues(role).Inc()
}

func (m *Metrics) MessageRateLimited(role string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(role).Inc()
}
