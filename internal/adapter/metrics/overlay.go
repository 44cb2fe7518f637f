package metrics

import "github.com/prometheus/client_golang/prometheus"

type OverlayMetrics struct {
	ActiveConnections *prometheus.GaugeVec
	Evictions         *prometheus.CounterVec
	Delivered         *prometheus.CounterVec
	Dropped           *prometheus.CounterVec
	Rejected          *prometheus.CounterVec
}

func NewOverlayMetrics(reg prometheus.Registerer) *OverlayMetrics {
	m := &OverlayMetrics{
		ActiveConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "overlay",
			Name:      "active_connections",
			Help:      "Open overlay connections, by widget kind.",
		}, []string{"kind"}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "overlay",
			Name:      "evictions_total",
			Help:      "Overlay connections closed by the server, by widget kind and reason.",
		}, []string{"kind", "reason"}),
		Delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "overlay",
			Name:      "messages_delivered_total",
			Help:      "Overlay messages queued to connections, by widget kind.",
		}, []string{"kind"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "overlay",
			Name:      "messages_dropped_total",
			Help:      "Overlay messages dropped for slow connections, by widget kind.",
		}, []string{"kind"}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "overlay",
			Name:      "connections_rejected_total",
			Help:      "Overlay connection attempts rejected, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(m.ActiveConnections, m.Evictions, m.Delivered, m.Dropped, m.Rejected)
	return m
}
