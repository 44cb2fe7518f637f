package metrics

import (
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

// Route surfaces. Each has its own latency profile, so they are labelled apart.
const (
	SurfaceAPI     = "api"
	SurfaceAuth    = "auth"
	SurfaceWebhook = "webhook"
	SurfaceOverlay = "overlay"
)

type HTTPMetrics struct {
	// Requests observes handled requests; its _count series doubles as the request counter.
	Requests *prometheus.HistogramVec
	InFlight *prometheus.GaugeVec
	Errors   *prometheus.CounterVec
}

func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	m := &HTTPMetrics{
		Requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Handled HTTP requests by surface, route and status class.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"surface", "method", "route", "status"}),
		InFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Requests being handled, by surface. Overlay streams stay in flight while connected.",
		}, []string{"surface"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "errors_total",
			Help:      "Errors returned by handlers, by error type.",
		}, []string{"type"}),
	}

	reg.MustRegister(m.Requests, m.InFlight, m.Errors)
	return m
}

// Surface classifies an echo route pattern. Probes and /metrics return "".
func Surface(route string) string {
	switch {
	case route == "/metrics" || route == "/version" || strings.HasPrefix(route, "/health/"):
		return ""
	case strings.Contains(route, "/overlay/"):
		return SurfaceOverlay
	case strings.HasPrefix(route, "/webhook/"):
		return SurfaceWebhook
	case strings.HasPrefix(route, "/api/v1/auth/"):
		return SurfaceAuth
	default:
		return SurfaceAPI
	}
}

func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}

// Middleware records request metrics. Overlay streams are only counted in flight, since their
// duration is the lifetime of the viewer's browser source.
func (m *HTTPMetrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			route := c.Path()
			surface := Surface(route)
			if surface == "" {
				return next(c)
			}

			inFlight := m.InFlight.WithLabelValues(surface)
			inFlight.Inc()
			defer inFlight.Dec()

			if surface == SurfaceOverlay {
				return next(c)
			}

			timer := prometheus.NewTimer(prometheus.ObserverFunc(func(v float64) {
				m.Requests.WithLabelValues(surface, c.Request().Method, route, statusClass(c.Response().Status)).Observe(v)
			}))
			defer timer.ObserveDuration()

			return next(c)
		}
	}
}
