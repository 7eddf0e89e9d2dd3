// Package metrics provides Prometheus metrics for the operations engine and
// the collaboration endpoint.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Session registry
	SessionsActive  prometheus.Gauge
	ConnectDuration prometheus.Histogram
	ConnectFailures *prometheus.CounterVec
	Evictions       prometheus.Counter

	// Operations
	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec

	// Collaboration endpoint
	RoomsActive     prometheus.Gauge
	RoomConnections prometheus.Gauge
	UpdatesRelayed  *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "docagent_sessions_active",
			Help: "Number of synced document sessions held by this instance",
		}),
		ConnectDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "docagent_session_connect_duration_seconds",
			Help:    "Time from connect request to initial sync",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		ConnectFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docagent_session_connect_failures_total",
			Help: "Failed session connects by reason",
		}, []string{"reason"}),
		Evictions: f.NewCounter(prometheus.CounterOpts{
			Name: "docagent_session_evictions_total",
			Help: "Sessions torn down by the capacity bound or idle sweep",
		}),
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docagent_operations_total",
			Help: "Document operations by name and result code",
		}, []string{"operation", "code"}),
		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docagent_operation_duration_seconds",
			Help:    "Document operation latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		RoomsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "docagent_collab_rooms_active",
			Help: "Rooms loaded by the collaboration endpoint",
		}),
		RoomConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "docagent_collab_connections",
			Help: "Open websocket connections on the collaboration endpoint",
		}),
		UpdatesRelayed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docagent_collab_messages_relayed_total",
			Help: "Messages relayed to room peers by type",
		}, []string{"type"}),
	}
}

func (m *Metrics) SessionOpened(took time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
	m.ConnectDuration.Observe(took.Seconds())
}

func (m *Metrics) SessionClosed(evicted bool) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	if evicted {
		m.Evictions.Inc()
	}
}

func (m *Metrics) ConnectFailed(reason string) {
	if m == nil {
		return
	}
	m.ConnectFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveOperation(op, code string, took time.Duration) {
	if m == nil {
		return
	}
	if code == "" {
		code = "OK"
	}
	m.Operations.WithLabelValues(op, code).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(took.Seconds())
}

func (m *Metrics) RoomLoaded() {
	if m != nil {
		m.RoomsActive.Inc()
	}
}

func (m *Metrics) RoomUnloaded() {
	if m != nil {
		m.RoomsActive.Dec()
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.RoomConnections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.RoomConnections.Dec()
	}
}

func (m *Metrics) Relayed(kind string) {
	if m != nil {
		m.UpdatesRelayed.WithLabelValues(kind).Inc()
	}
}
