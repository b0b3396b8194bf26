package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the live event server.
type Metrics struct {
	ConnectionsTotal  prometheus.Counter
	ActiveConnections prometheus.Gauge
	OnlineUsers       prometheus.Gauge
	EventsTotal       *prometheus.CounterVec
	DeliveriesTotal   prometheus.Counter
	ErrorsTotal       *prometheus.CounterVec
	ActiveCalls       prometheus.Gauge
	CallsTotal        *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		ConnectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "telelive_connections_total",
			Help: "Total WebSocket connections accepted",
		}),
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "telelive_active_connections",
			Help: "Current live WebSocket connections",
		}),
		OnlineUsers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "telelive_online_users",
			Help: "Users with at least one live connection",
		}),
		EventsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "telelive_events_total",
			Help: "Total events processed",
		}, []string{"type", "direction"}),
		DeliveriesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "telelive_deliveries_total",
			Help: "Total per-connection event deliveries (fan-out writes)",
		}),
		ErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "telelive_errors_total",
			Help: "Total errors",
		}, []string{"type"}),
		ActiveCalls: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "telelive_active_calls",
			Help: "Calls currently ringing or active",
		}),
		CallsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "telelive_calls_total",
			Help: "Total calls by outcome",
		}, []string{"outcome"}),
	}
}
