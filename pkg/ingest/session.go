// Package ingest implements the runner session state machine: one session
// per runner connection, owning exactly one run from run_started until the
// run becomes terminal. The session is the sole mutator of its run's
// in-memory state, on-disk files, and index rows.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/testrift/testrift/pkg/config"
	"github.com/testrift/testrift/pkg/database"
	"github.com/testrift/testrift/pkg/events"
	"github.com/testrift/testrift/pkg/logstore"
	"github.com/testrift/testrift/pkg/models"
	"github.com/testrift/testrift/pkg/protocol"
	"github.com/testrift/testrift/pkg/runstate"
)

// Conn abstracts the runner's WebSocket connection so sessions are testable
// without a network.
type Conn interface {
	// Read returns the next binary frame, blocking until one arrives or
	// the connection fails.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a binary frame.
	Write(ctx context.Context, data []byte) error

	// Ping performs a liveness round-trip.
	Ping(ctx context.Context) error
}

// Deps bundles the stores a session applies events to.
type Deps struct {
	Runs        *runstate.Store
	LogStore    *logstore.Store
	DB          *database.Client
	Broadcaster *events.Broadcaster
	Config      *config.Config
}

// Session handles one runner connection.
type Session struct {
	deps Deps
	conn Conn

	// active is set by run_started and never replaced within a session.
	active *runstate.ActiveRun

	// lastActivity is the unix-nano time of the last inbound message.
	// Ping success does not count; only message receipt does.
	lastActivity atomic.Int64
}

// NewSession creates a session for a freshly accepted runner connection.
func NewSession(deps Deps, conn Conn) *Session {
	s := &Session{deps: deps, conn: conn}
	s.touch()
	return s
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) idleFor() time.Duration {
	return time.Duration(time.Now().UnixNano() - s.lastActivity.Load())
}

// Run drives the session: a read loop plus a watchdog goroutine. It returns
// when the connection closes or the watchdog aborts the run. The run is
// guaranteed to be terminal (and out of the active map) on return.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		s.watchdog(ctx, cancel)
	}()

	s.readLoop(ctx)

	// Clean close while the run is still running: abort if any case is
	// open, otherwise promote to finished as run_finished would.
	if s.active != nil && !s.active.Terminal() {
		if s.hasRunningCases() {
			s.abortRun("Connection closed")
		} else {
			s.finalizeRun(models.RunStatusFinished, protocol.NowTimestamp(), "")
		}
	}

	cancel()
	<-watchdogDone
}

func (s *Session) readLoop(ctx context.Context) {
	for {
		data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Debug("Runner connection closed", "error", err)
			}
			return
		}
		s.touch()
		s.handleFrame(ctx, data)

		if s.active != nil && s.active.Terminal() {
			return
		}
	}
}

// handleFrame decodes and dispatches one frame. Nothing in here may crash
// the process: decode failures drop the frame, handler errors are logged
// with context and the session continues.
func (s *Session) handleFrame(ctx context.Context, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic while handling ingest frame", "panic", r)
		}
	}()

	var (
		msg *protocol.Message
		err error
	)
	if s.active != nil {
		msg, err = s.active.DecodeFrame(data)
	} else {
		msg, err = protocol.DecodeFrame(data, make(protocol.StringTable))
	}
	if err != nil {
		slog.Warn("Dropping malformed frame", "error", err)
		return
	}

	if err := s.dispatch(ctx, msg); err != nil {
		runID := ""
		if s.active != nil {
			runID = s.active.RunID()
		}
		slog.Error("Ingest handler failed",
			"event", msg.Type, "run_id", runID, "tc_id", msg.TCID, "error", err)
	}
}

func (s *Session) dispatch(ctx context.Context, msg *protocol.Message) error {
	switch msg.Type {
	case protocol.TypeRunStarted:
		return s.handleRunStarted(ctx, msg)
	case protocol.TypeTestCaseStarted:
		return s.handleTestCaseStarted(ctx, msg)
	case protocol.TypeLogBatch:
		return s.handleLogBatch(ctx, msg)
	case protocol.TypeException:
		return s.handleException(ctx, msg)
	case protocol.TypeTestCaseFinished:
		return s.handleTestCaseFinished(ctx, msg)
	case protocol.TypeRunFinished:
		return s.handleRunFinished(ctx, msg)
	case protocol.TypeBatch:
		return s.handleBatch(ctx, msg)
	case protocol.TypeHeartbeat:
		return nil // activity already refreshed on receipt
	default:
		slog.Warn("Ignoring unexpected message type", "event", msg.Type)
		return nil
	}
}

// watchdog ticks every WatchdogTick: exits when the run is terminal, aborts
// on liveness failure, and aborts with "Connection timeout" when no message
// has arrived within IdleTimeout.
func (s *Session) watchdog(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(s.deps.Config.Ingest.WatchdogTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if s.active != nil && s.active.Terminal() {
			return
		}

		pingCtx, pingCancel := context.WithTimeout(ctx, s.deps.Config.Ingest.WatchdogTick)
		err := s.conn.Ping(pingCtx)
		pingCancel()
		if err != nil && !errors.Is(err, context.Canceled) {
			if s.active != nil {
				slog.Warn("Runner liveness check failed, aborting run",
					"run_id", s.active.RunID(), "error", err)
				s.abortRun("Connection lost")
			}
			cancel()
			return
		}

		if s.active != nil && !s.active.Terminal() && s.idleFor() > s.deps.Config.Ingest.IdleTimeout {
			slog.Warn("Runner idle timeout, aborting run",
				"run_id", s.active.RunID(), "idle", s.idleFor())
			s.abortRun("Connection timeout")
			cancel()
			return
		}
	}
}

func (s *Session) hasRunningCases() bool {
	running := false
	s.active.Read(func(run *models.TestRun) {
		for _, tc := range run.TestCases {
			if tc.Status == models.TCStatusRunning {
				running = true
				return
			}
		}
	})
	return running
}
