package api

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/testrift/testrift/pkg/version"
)

// configHashHeader carries the config fingerprint for the restart handshake.
const configHashHeader = "X-TestRift-Config-Hash"

// healthHandler handles GET /health.
func (s *Server) healthHandler(c *echo.Context) error {
	resp := HealthResponse{
		Status:            "healthy",
		Version:           version.Full(),
		ActiveRuns:        s.runs.Count(),
		ActiveConnections: s.broadcaster.ActiveConnections(),
	}
	if err := s.db.Health(c.Request().Context()); err != nil {
		resp.Status = "unhealthy"
		resp.Error = err.Error()
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

// serverInfoHandler handles GET /api/server-info. The config hash lets a
// restart helper verify it is talking to the instance it configured.
func (s *Server) serverInfoHandler(c *echo.Context) error {
	return respond(c, ServerInfoResponse{
		Service:    version.AppName,
		Version:    version.GitCommit,
		ConfigHash: s.cfg.Fingerprint(),
	})
}

// adminShutdownHandler handles POST /api/admin/shutdown. Accepted only from
// loopback and only when the caller presents the current config fingerprint;
// replies first, then triggers process shutdown.
func (s *Server) adminShutdownHandler(c *echo.Context) error {
	if !isLoopback(c.Request().RemoteAddr) {
		return echo.NewHTTPError(http.StatusForbidden, "shutdown is only accepted from loopback")
	}
	if c.Request().Header.Get(configHashHeader) != s.cfg.Fingerprint() {
		return echo.NewHTTPError(http.StatusForbidden, "config hash mismatch")
	}

	slog.Info("Shutdown requested via admin endpoint", "remote", c.Request().RemoteAddr)
	if s.requestShutdown != nil {
		go func() {
			// Give the response time to flush before tearing down.
			time.Sleep(100 * time.Millisecond)
			s.requestShutdown()
		}()
	}
	return respond(c, map[string]string{"status": "shutting down"})
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
