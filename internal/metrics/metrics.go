// Package metrics defines the prometheus collectors of the sync server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "collab"

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	ConnectedClients prometheus.Gauge
	OpenDocuments    prometheus.Gauge
	Updates          prometheus.Counter
	StaleUpdates     prometheus.Counter
	AuthDenied       prometheus.Counter
	PersistWrites    *prometheus.CounterVec
	RelayMessages    *prometheus.CounterVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectedClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_clients",
			Help:      "Authorized connections currently attached.",
		}),
		OpenDocuments: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_documents",
			Help:      "Document sessions currently held in memory.",
		}),
		Updates: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_total",
			Help:      "Deltas merged from clients.",
		}),
		StaleUpdates: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_updates_total",
			Help:      "Deltas dropped because no document session was open.",
		}),
		AuthDenied: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_denied_total",
			Help:      "Connections rejected by the access gate.",
		}),
		PersistWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_writes_total",
			Help:      "Durable snapshot writes by result.",
		}, []string{"result"}),
		RelayMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_total",
			Help:      "Deltas exchanged with other nodes by direction.",
		}, []string{"direction"}),
	}
}

func (m *Metrics) ClientConnected() {
	if m != nil {
		m.ConnectedClients.Inc()
	}
}

func (m *Metrics) ClientDisconnected() {
	if m != nil {
		m.ConnectedClients.Dec()
	}
}

func (m *Metrics) DocumentOpened() {
	if m != nil {
		m.OpenDocuments.Inc()
	}
}

func (m *Metrics) DocumentClosed() {
	if m != nil {
		m.OpenDocuments.Dec()
	}
}

func (m *Metrics) Update() {
	if m != nil {
		m.Updates.Inc()
	}
}

func (m *Metrics) StaleUpdate() {
	if m != nil {
		m.StaleUpdates.Inc()
	}
}

func (m *Metrics) Denied() {
	if m != nil {
		m.AuthDenied.Inc()
	}
}

// PersistWrite records a snapshot write; err is the write's result.
func (m *Metrics) PersistWrite(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.PersistWrites.WithLabelValues(result).Inc()
}

// Relayed records a relay message, direction being "in" or "out".
func (m *Metrics) Relayed(direction string) {
	if m != nil {
		m.RelayMessages.WithLabelValues(direction).Inc()
	}
}
