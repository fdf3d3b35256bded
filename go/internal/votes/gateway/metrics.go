package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the gateway's prometheus collectors.
type Metrics struct {
	Connections      prometheus.Gauge
	Frames           *prometheus.CounterVec
	Rejections       *prometheus.CounterVec
	Broadcasts       prometheus.Counter
	SlowConsumers    prometheus.Counter
	DisconnectClears prometheus.Counter
	SweptRecords     prometheus.Counter
}

// NewMetrics registers the gateway collectors with reg. A nil registerer
// creates unregistered collectors, which tests use to avoid global state.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "livevote",
			Subsystem: "gateway",
			Name:      "connections",
			Help:      "Open websocket connections.",
		}),
		Frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livevote",
			Subsystem: "gateway",
			Name:      "frames_total",
			Help:      "Request frames received, by type.",
		}, []string{"type"}),
		Rejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livevote",
			Subsystem: "gateway",
			Name:      "rejections_total",
			Help:      "Request frames answered with an error, by code.",
		}, []string{"code"}),
		Broadcasts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "livevote",
			Subsystem: "gateway",
			Name:      "broadcasts_total",
			Help:      "Table snapshots fanned out to a room.",
		}),
		SlowConsumers: f.NewCounter(prometheus.CounterOpts{
			Namespace: "livevote",
			Subsystem: "gateway",
			Name:      "slow_consumers_total",
			Help:      "Connections closed because their send buffer was full.",
		}),
		DisconnectClears: f.NewCounter(prometheus.CounterOpts{
			Namespace: "livevote",
			Subsystem: "gateway",
			Name:      "disconnect_removals_total",
			Help:      "Records removed by disconnect actions.",
		}),
		SweptRecords: f.NewCounter(prometheus.CounterOpts{
			Namespace: "livevote",
			Subsystem: "gateway",
			Name:      "swept_records_total",
			Help:      "Records removed because their gateway stopped heartbeating.",
		}),
	}
}
