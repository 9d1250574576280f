// Package metrics defines the Prometheus instruments exported by the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	PendingQueued      prometheus.Counter
	PendingConfirmed   prometheus.Counter
	PendingSwept       prometheus.Counter
	TasksActive        prometheus.Gauge
	SubscribersActive  prometheus.Gauge
	SubscribersExpired prometheus.Counter
	Polls              *prometheus.CounterVec
	Alerts             *prometheus.CounterVec
}

// New creates all metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PendingQueued: f.NewCounter(prometheus.CounterOpts{
			Name: "citaprevia_pending_queued_total",
			Help: "Total number of subscription requests queued for confirmation",
		}),
		PendingConfirmed: f.NewCounter(prometheus.CounterOpts{
			Name: "citaprevia_pending_confirmed_total",
			Help: "Total number of pending requests consumed by a validation",
		}),
		PendingSwept: f.NewCounter(prometheus.CounterOpts{
			Name: "citaprevia_pending_swept_total",
			Help: "Total number of pending requests discarded after expiring",
		}),
		TasksActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "citaprevia_tasks_active",
			Help: "Current number of postal codes with a running poller",
		}),
		SubscribersActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "citaprevia_subscribers_active",
			Help: "Current number of confirmed subscribers across all postal codes",
		}),
		SubscribersExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "citaprevia_subscribers_expired_total",
			Help: "Total number of subscribers removed because their subscription expired",
		}),
		Polls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "citaprevia_polls_total",
			Help: "Availability polls by result (available, empty, error)",
		}, []string{"result"}),
		Alerts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "citaprevia_alerts_total",
			Help: "Alert deliveries by result (sent, error)",
		}, []string{"result"}),
	}
}
