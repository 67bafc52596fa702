// Package rpcmetrics exposes the Prometheus instrumentation for a
// pushgate runtime: counts of connections, in-flight requests, live
// proxies and the reclamation traffic between peers.
package rpcmetrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the gauges and counters one Connection reports against.
// All are safe for concurrent use, per client_golang's own guarantees.
type Metrics struct {
	ConnectionsOpened    prometheus.Gauge
	RequestsInFlight     prometheus.Gauge
	ProxiesAlive         prometheus.Gauge
	ObjectsExported      prometheus.Counter
	DeletesSent          prometheus.Counter
	DeletesReceived      prometheus.Counter
	ExceptionsPropagated prometheus.Counter
}

// New registers a fresh Metrics set against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsOpened: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pushgate", Name: "connections_open",
			Help: "Number of currently open pushgate connections.",
		}),
		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pushgate", Name: "requests_in_flight",
			Help: "Number of dispatch handlers currently executing.",
		}),
		ProxiesAlive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pushgate", Name: "proxies_alive",
			Help: "Number of client-side proxy handles not yet reclaimed.",
		}),
		ObjectsExported: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pushgate", Name: "objects_exported_total",
			Help: "Number of local-object table entries ever allocated.",
		}),
		DeletesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pushgate", Name: "deletes_sent_total",
			Help: "Number of object ids ever included in an outbound Delete batch.",
		}),
		DeletesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pushgate", Name: "deletes_received_total",
			Help: "Number of object ids ever included in an inbound Delete batch.",
		}),
		ExceptionsPropagated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pushgate", Name: "exceptions_propagated_total",
			Help: "Number of dispatch handlers that answered with an Exception frame.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ConnectionsOpened, m.RequestsInFlight, m.ProxiesAlive,
			m.ObjectsExported, m.DeletesSent, m.DeletesReceived, m.ExceptionsPropagated)
	}
	return m
}

// NewNop returns a Metrics set that is fully functional but registered
// with nothing, for use in tests and embedders that don't want a
// Prometheus dependency wired in.
func NewNop() *Metrics { return New(nil) }
