package juggler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for a Server or a Conn. A
// single Metrics value may be shared by any number of connections.
type Metrics struct {
	ConnsActive        prometheus.Gauge
	ConnsTotal         prometheus.Counter
	MsgsTotal          *prometheus.CounterVec
	PatchesTotal       prometheus.Counter
	KeepaliveTimeouts  prometheus.Counter
	ProtocolViolations prometheus.Counter
}

// NewMetrics creates the juggler collectors and registers them with
// reg. If reg is nil, the collectors are registered with the default
// Prometheus registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ConnsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "juggler",
			Name:      "connections_active",
			Help:      "Number of currently open juggler connections",
		}),
		ConnsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "juggler",
			Name:      "connections_total",
			Help:      "Total number of juggler connections opened",
		}),
		MsgsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "juggler",
			Name:      "messages_total",
			Help:      "Total number of juggler messages, by direction and type",
		}, []string{"direction", "type"}),
		PatchesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "juggler",
			Name:      "state_patches_total",
			Help:      "Total number of state patches emitted or applied",
		}),
		KeepaliveTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "juggler",
			Name:      "keepalive_timeouts_total",
			Help:      "Total number of connections dropped on keepalive timeout",
		}),
		ProtocolViolations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "juggler",
			Name:      "protocol_violations_total",
			Help:      "Total number of connections dropped on protocol violation",
		}),
	}
}
