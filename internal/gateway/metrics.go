package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's instrumentation. A fresh Registerer per
// gateway keeps tests free of duplicate-registration panics.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	FramesTotal       *prometheus.CounterVec
	BroadcastsTotal   prometheus.Counter
	ErrorsTotal       prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_active_connections",
			Help: "Number of currently open WebSocket connections.",
		}),
		FramesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_frames_total",
			Help: "Inbound frames processed, by event name.",
		}, []string{"event"}),
		BroadcastsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_broadcasts_total",
			Help: "Events fanned out to channel rooms.",
		}),
		ErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_errors_total",
			Help: "Error frames sent to clients.",
		}),
	}
}
