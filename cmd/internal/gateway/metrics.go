package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway collectors. NewMetrics(nil) returns unregistered collectors.
type Metrics struct {
	Connections   prometheus.Gauge
	Rejects       *prometheus.CounterVec
	Requests      *prometheus.CounterVec
	Subscriptions prometheus.Gauge
	PushedRecords prometheus.Counter
	SlowConsumers prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "convsync",
			Subsystem: "gateway",
			Name:      "connections",
			Help:      "Open websocket sessions.",
		}),
		Rejects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convsync",
			Subsystem: "gateway",
			Name:      "rejects_total",
			Help:      "Rejected handshakes and sessions by reason.",
		}, []string{"reason"}),
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convsync",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Handled requests by envelope type and result code (ok or an error code).",
		}, []string{"type", "code"}),
		Subscriptions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "convsync",
			Subsystem: "gateway",
			Name:      "subscriptions",
			Help:      "Live change-feed listeners across sessions.",
		}),
		PushedRecords: f.NewCounter(prometheus.CounterOpts{
			Namespace: "convsync",
			Subsystem: "gateway",
			Name:      "pushed_records_total",
			Help:      "Records pushed to subscribers.",
		}),
		SlowConsumers: f.NewCounter(prometheus.CounterOpts{
			Namespace: "convsync",
			Subsystem: "gateway",
			Name:      "slow_consumers_total",
			Help:      "Sessions closed because their send queue overflowed.",
		}),
	}
}
