package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/trailblazer/internal/platform/version"
	"golang.org/x/sync/errgroup"
)

const (
	startupProbeTimeout   = 2 * time.Second
	readinessProbeTimeout = 5 * time.Second
)

// HealthCheck probes one backing store. Checks run in parallel under the probe's deadline.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type probeResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

type livenessResponse struct {
	Status             string  `json:"status"`
	Uptime             float64 `json:"uptime"`
	OverlayConnections int     `json:"overlay_connections"`
}

func (s *Server) registerHealthRoutes() {
	s.echo.GET("/health/startup", s.probe(startupProbeTimeout))
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.probe(readinessProbeTimeout))
	s.echo.GET("/version", s.handleVersion)
	if s.metricsHandler != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metricsHandler))
	}
}

// probe answers 200 only when every store answers within timeout. The body names each check's outcome.
func (s *Server) probe(timeout time.Duration) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
		defer cancel()

		var (
			mu      sync.Mutex
			results = make(map[string]string, len(s.healthChecks))
			healthy = true
			g       errgroup.Group
		)
		for _, hc := range s.healthChecks {
			g.Go(func() error {
				outcome := "ok"
				if err := hc.Check(ctx); err != nil {
					outcome = err.Error()
					slog.WarnContext(ctx, "Health check failed", "check", hc.Name, "path", c.Path(), "error", err)
				}
				mu.Lock()
				defer mu.Unlock()
				results[hc.Name] = outcome
				healthy = healthy && outcome == "ok"
				return nil
			})
		}
		_ = g.Wait()

		resp := probeResponse{Status: "ready", Checks: results}
		status := http.StatusOK
		if !healthy {
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
		}
		return c.JSON(status, resp)
	}
}

func (s *Server) handleLiveness(c echo.Context) error {
	resp := livenessResponse{
		Status: "ok",
		Uptime: s.clock.Since(s.startTime).Seconds(),
	}
	if s.limits != nil {
		resp.OverlayConnections = s.limits.Current()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, version.Get())
}
