package metrics

import "github.com/prometheus/client_golang/prometheus"

type WebhookMetrics struct {
	Deliveries       *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	InFlight         prometheus.Gauge
}

func NewWebhookMetrics(reg prometheus.Registerer) *WebhookMetrics {
	m := &WebhookMetrics{
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "EventSub deliveries, by topic and outcome.",
		}, []string{"topic", "outcome"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "dispatch_duration_seconds",
			Help:      "Duration of asynchronous webhook handlers.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"topic"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "dispatches_in_flight",
			Help:      "Webhook handlers currently running.",
		}),
	}

	reg.MustRegister(m.Deliveries, m.DispatchDuration, m.InFlight)
	return m
}
