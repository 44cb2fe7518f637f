package metrics

import "github.com/prometheus/client_golang/prometheus"

type CredentialMetrics struct {
	TokenRequests *prometheus.CounterVec
	Refreshes     *prometheus.CounterVec
	ForcedLogouts prometheus.Counter
}

func NewCredentialMetrics(reg prometheus.Registerer) *CredentialMetrics {
	m := &CredentialMetrics{
		TokenRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credential",
			Name:      "token_requests_total",
			Help:      "External access token requests, by source (cache, refresh, error).",
		}, []string{"source"}),
		Refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credential",
			Name:      "refreshes_total",
			Help:      "External token refresh exchanges, by outcome.",
		}, []string{"outcome"}),
		ForcedLogouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credential",
			Name:      "forced_logouts_total",
			Help:      "Sessions ended because the external refresh token was dead.",
		}),
	}

	reg.MustRegister(m.TokenRequests, m.Refreshes, m.ForcedLogouts)
	return m
}
