package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "trailblazer"

// NewRegistry creates a Prometheus registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// Set bundles every metric family the server exports.
type Set struct {
	HTTP       *HTTPMetrics
	Cache      *CacheMetrics
	Dedup      *DedupMetrics
	Overlay    *OverlayMetrics
	Webhook    *WebhookMetrics
	Credential *CredentialMetrics
	Redis      *RedisMetrics
	DB         *DBMetrics
	Breaker    *BreakerMetrics
}

func NewSet(reg prometheus.Registerer) *Set {
	return &Set{
		HTTP:       NewHTTPMetrics(reg),
		Cache:      NewCacheMetrics(reg),
		Dedup:      NewDedupMetrics(reg),
		Overlay:    NewOverlayMetrics(reg),
		Webhook:    NewWebhookMetrics(reg),
		Credential: NewCredentialMetrics(reg),
		Redis:      NewRedisMetrics(reg),
		DB:         NewDBMetrics(reg),
		Breaker:    NewBreakerMetrics(reg),
	}
}
