package httpserver

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

const (
	wsReadBufferSize  = 1024
	wsWriteBufferSize = 4096
)

func newUpgrader(frontendOrigin string, allowLocalhost bool) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
		CheckOrigin:     newCheckOrigin(frontendOrigin, allowLocalhost),
	}
}

// newCheckOrigin allows empty origins (OBS and other non-browser clients), obs:// origins
// and the frontend's own origin. With allowLocalhost, localhost origins are accepted too.
func newCheckOrigin(frontendOrigin string, allowLocalhost bool) func(r *http.Request) bool {
	allowed := extractOrigin(frontendOrigin)

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")

		switch {
		case origin == "":
			return true
		case strings.HasPrefix(origin, "obs://"):
			return true
		case allowed != "" && origin == allowed:
			return true
		case allowLocalhost && isLocalhostOrigin(origin):
			return true
		}

		slog.Warn("Overlay WebSocket origin rejected", "origin", origin, "remote_addr", r.RemoteAddr)
		return false
	}
}

func extractOrigin(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func isLocalhostOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1"
}
