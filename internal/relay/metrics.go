package relay

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/couloir/couloir/internal/couloir"
)

// Metrics holds the relay's Prometheus collectors, exposed on the
// certificate service's plain HTTP listener at /metrics. The couloir
// and idle-exposer gauges read straight from the registry, so they
// can never drift from its actual state.
type Metrics struct {
	OpenCouloirs  prometheus.GaugeFunc
	IdleExposers  prometheus.GaugeFunc
	BoundPairs    prometheus.Gauge
	Connections   prometheus.Counter
	Classified400 prometheus.Counter
}

// NewMetrics creates and registers the relay's collectors against
// promReg, sourcing registry-state gauges from reg.
func NewMetrics(promReg prometheus.Registerer, reg *couloir.Registry) *Metrics {
	m := &Metrics{
		OpenCouloirs: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "couloir",
			Subsystem: "relay",
			Name:      "open_couloirs",
			Help:      "Number of couloirs currently registered.",
		}, func() float64 {
			couloirs, _ := reg.Stats()
			return float64(couloirs)
		}),
		IdleExposers: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "couloir",
			Subsystem: "relay",
			Name:      "idle_exposers",
			Help:      "Number of exposer sockets currently idle, awaiting a client.",
		}, func() float64 {
			_, idle := reg.Stats()
			return float64(idle)
		}),
		BoundPairs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "couloir",
			Subsystem: "relay",
			Name:      "bound_pairs",
			Help:      "Number of client/exposer pairs currently being spliced.",
		}),
		Connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "couloir",
			Subsystem: "relay",
			Name:      "connections_total",
			Help:      "Total number of connections accepted by the relay listener.",
		}),
		Classified400: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "couloir",
			Subsystem: "relay",
			Name:      "invalid_protocol_total",
			Help:      "Total number of connections rejected for an unrecognized preface.",
		}),
	}

	promReg.MustRegister(m.OpenCouloirs, m.IdleExposers, m.BoundPairs, m.Connections, m.Classified400)
	return m
}
