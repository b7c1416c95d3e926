package api

import (
	"context"
	"sort"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/testrift/testrift/pkg/ingest"
	"github.com/testrift/testrift/pkg/models"
	"github.com/testrift/testrift/pkg/protocol"
)

func acceptWS(c *echo.Context) (*websocket.Conn, error) {
	return websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// Runners and viewers connect from arbitrary origins (CI hosts,
		// local browsers); origin checks would only break them.
		InsecureSkipVerify: true,
	})
}

// runnerConn adapts a WebSocket connection to the ingest session interface.
// The runner protocol is binary-only; non-binary messages are skipped.
type runnerConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (r *runnerConn) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := r.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ != websocket.MessageBinary {
			continue
		}
		return data, nil
	}
}

func (r *runnerConn) Write(ctx context.Context, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, r.writeTimeout)
	defer cancel()
	return r.conn.Write(writeCtx, websocket.MessageBinary, data)
}

func (r *runnerConn) Ping(ctx context.Context) error {
	return r.conn.Ping(ctx)
}

// runnerWSHandler upgrades the connection and runs one ingest session on it.
// Blocks until the session ends; the owned run is terminal by then.
func (s *Server) runnerWSHandler(c *echo.Context) error {
	conn, err := acceptWS(c)
	if err != nil {
		return err
	}

	session := ingest.NewSession(s.ingestDeps(), &runnerConn{
		conn:         conn,
		writeTimeout: s.cfg.Ingest.WriteTimeout,
	})
	session.Run(c.Request().Context())

	_ = conn.Close(websocket.StatusNormalClosure, "")
	return nil
}

// uiWSHandler upgrades the connection and hands it to the broadcaster.
func (s *Server) uiWSHandler(c *echo.Context) error {
	conn, err := acceptWS(c)
	if err != nil {
		return err
	}
	s.broadcaster.HandleConnection(c.Request().Context(), conn)
	return nil
}

// logStreamHandler streams one test case's log to a viewer: a string_table
// frame, a chronological replay of persisted entries, then live entries until
// the run finishes or the viewer disconnects. Only active runs are served;
// for anything else the viewer gets an in-band error frame.
func (s *Server) logStreamHandler(c *echo.Context) error {
	runID := c.Param("run_id")
	tcID := c.Param("tc_id")
	if err := models.ValidateRunID(runID); err != nil {
		return mapServiceError(err)
	}
	if err := models.ValidateTestCaseID(tcID); err != nil {
		return mapServiceError(err)
	}

	conn, err := acceptWS(c)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := c.Request().Context()

	active, ok := s.runs.Get(runID)
	if !ok {
		return s.streamError(ctx, conn, "Test run not found")
	}
	fullName, ok := active.CaseFullNameByID(tcID)
	if !ok {
		return s.streamError(ctx, conn, "Test case not found")
	}

	// Subscribe before reading so nothing published during the disk read is
	// lost; the replay below may then overlap the first queued entries, which
	// viewers dedupe by timestamp.
	sub := active.Subscribe(fullName)
	defer active.Unsubscribe(fullName, sub)

	tableFrame, err := protocol.EncodeStringTable(active.StringTableSnapshot())
	if err != nil {
		return err
	}
	if err := s.streamWrite(ctx, conn, tableFrame); err != nil {
		return nil
	}

	replay, err := s.replayRecords(runID, tcID)
	if err != nil {
		return err
	}
	for _, rec := range replay {
		frame, err := protocol.Marshal(rec)
		if err != nil {
			continue
		}
		if err := s.streamWrite(ctx, conn, frame); err != nil {
			return nil
		}
	}

	// Detect viewer disconnect; no inbound traffic is expected on this
	// endpoint.
	readCtx := conn.CloseRead(ctx)

	for {
		select {
		case <-readCtx.Done():
			return nil
		case frame, open := <-sub.C():
			if !open {
				// Run finished; the subscriber queue was closed.
				return nil
			}
			if err := s.streamWrite(ctx, conn, frame); err != nil {
				return nil
			}
		}
	}
}

// replayRecords merges the persisted log and stack records of a case,
// ordered by timestamp (stable for equal timestamps).
func (s *Server) replayRecords(runID, tcID string) ([]map[string]any, error) {
	logs, err := s.logStore.ReadCaseLogs(runID, tcID)
	if err != nil {
		return nil, err
	}
	stacks, err := s.logStore.ReadCaseStacks(runID, tcID)
	if err != nil {
		return nil, err
	}
	merged := make([]map[string]any, 0, len(logs)+len(stacks))
	merged = append(merged, logs...)
	merged = append(merged, stacks...)
	sort.SliceStable(merged, func(i, j int) bool {
		return protocol.EntryTimestampMs(merged[i]) < protocol.EntryTimestampMs(merged[j])
	})
	return merged, nil
}

func (s *Server) streamWrite(ctx context.Context, conn *websocket.Conn, frame []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.Ingest.WriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageBinary, frame)
}

// streamError sends the in-band error frame and closes the stream.
func (s *Server) streamError(ctx context.Context, conn *websocket.Conn, message string) error {
	frame, err := protocol.Marshal(map[string]any{
		"type":    "error",
		"message": message,
	})
	if err != nil {
		return err
	}
	_ = s.streamWrite(ctx, conn, frame)
	return conn.Close(websocket.StatusNormalClosure, message)
}

var _ ingest.Conn = (*runnerConn)(nil)
