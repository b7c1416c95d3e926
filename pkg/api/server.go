// Package api exposes the HTTP surface: the runner ingest WebSocket, the UI
// broadcast WebSocket, the live log stream, and the read-only query API over
// the relational index.
package api

import (
	"context"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/testrift/testrift/pkg/config"
	"github.com/testrift/testrift/pkg/database"
	"github.com/testrift/testrift/pkg/events"
	"github.com/testrift/testrift/pkg/ingest"
	"github.com/testrift/testrift/pkg/logstore"
	"github.com/testrift/testrift/pkg/runstate"
)

// Server is the API server. It owns no state of its own; every handler reads
// through the stores it is constructed with.
type Server struct {
	cfg         *config.Config
	db          *database.Client
	logStore    *logstore.Store
	runs        *runstate.Store
	broadcaster *events.Broadcaster

	echo       *echo.Echo
	httpServer *http.Server

	// requestShutdown is invoked by the admin shutdown endpoint after the
	// response is written. Wired by main to the process shutdown path.
	requestShutdown func()
}

// NewServer creates the API server and registers all routes.
func NewServer(
	cfg *config.Config,
	db *database.Client,
	logStore *logstore.Store,
	runs *runstate.Store,
	broadcaster *events.Broadcaster,
	requestShutdown func(),
) *Server {
	s := &Server{
		cfg:             cfg,
		db:              db,
		logStore:        logStore,
		runs:            runs,
		broadcaster:     broadcaster,
		requestShutdown: requestShutdown,
	}

	e := echo.New()
	e.Use(requestLogger())
	e.Use(securityHeaders())
	e.Use(errorEnvelope())

	e.GET("/health", s.healthHandler)

	// WebSocket surfaces
	e.GET("/ws/runner", s.runnerWSHandler)
	e.GET("/ws/ui", s.uiWSHandler)
	e.GET("/ws/logs/:run_id/:tc_id", s.logStreamHandler)

	// Query API
	api := e.Group("/api")
	api.GET("/test-runs", s.listRunsHandler)
	api.GET("/test-runs/:run_id", s.getRunHandler)
	api.GET("/test-results/for-runs", s.resultsForRunsHandler)
	api.GET("/test-results/over-time", s.resultsOverTimeHandler)
	api.GET("/test-case/history", s.tcHistoryHandler)
	api.GET("/test-case/history-with-links", s.tcHistoryWithLinksHandler)
	api.GET("/metadata/keys", s.metadataKeysHandler)
	api.GET("/metadata/values", s.metadataValuesHandler)
	api.GET("/groups/:group_hash", s.groupDetailsHandler)
	api.GET("/failures/toplist", s.failureToplistHandler)
	api.GET("/classifications/:run_id", s.classificationsHandler)
	api.GET("/tc-hover-history", s.tcHoverHistoryHandler)
	api.GET("/run-hover-history/:group_hash", s.runHoverHistoryHandler)
	api.GET("/server-info", s.serverInfoHandler)
	api.POST("/admin/shutdown", s.adminShutdownHandler)

	s.echo = e
	return s
}

// ingestDeps bundles the stores for a new runner session.
func (s *Server) ingestDeps() ingest.Deps {
	return ingest.Deps{
		Runs:        s.runs,
		LogStore:    s.logStore,
		DB:          s.db,
		Broadcaster: s.broadcaster,
		Config:      s.cfg,
	}
}

// Handler exposes the routing tree, mainly for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start runs the HTTP server. Blocks until Shutdown or failure.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.echo,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
