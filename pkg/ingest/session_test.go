package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testrift/testrift/pkg/config"
	"github.com/testrift/testrift/pkg/database"
	"github.com/testrift/testrift/pkg/events"
	"github.com/testrift/testrift/pkg/logstore"
	"github.com/testrift/testrift/pkg/models"
	"github.com/testrift/testrift/pkg/protocol"
	"github.com/testrift/testrift/pkg/runstate"
)

// fakeConn is an in-memory runner connection: frames written to in are read
// by the session, frames the session writes land in out.
type fakeConn struct {
	in       chan []byte
	out      chan []byte
	pingFail atomic.Bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:  make(chan []byte, 64),
		out: make(chan []byte, 64),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data, ok := <-c.in:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	select {
	case c.out <- data:
		return nil
	default:
		return errors.New("write buffer full")
	}
}

func (c *fakeConn) Ping(context.Context) error {
	if c.pingFail.Load() {
		return errors.New("ping failed")
	}
	return nil
}

func (c *fakeConn) send(t *testing.T, frame map[string]any) {
	t.Helper()
	data, err := protocol.Marshal(frame)
	require.NoError(t, err)
	select {
	case c.in <- data:
	case <-time.After(time.Second):
		t.Fatal("send timed out")
	}
}

func (c *fakeConn) recv(t *testing.T) map[string]any {
	t.Helper()
	select {
	case data := <-c.out:
		var decoded map[string]any
		require.NoError(t, protocol.Unmarshal(data, &decoded))
		return decoded
	case <-time.After(time.Second):
		t.Fatal("recv timed out")
		return nil
	}
}

type testEnv struct {
	deps Deps
	db   *database.Client
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	store, err := logstore.NewStore(t.TempDir())
	require.NoError(t, err)
	db, err := database.NewClient(ctx, filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.Default()
	cfg.Retention.DefaultRetentionDays = 3

	return &testEnv{
		db: db,
		deps: Deps{
			Runs:        runstate.NewStore(),
			LogStore:    store,
			DB:          db,
			Broadcaster: events.NewBroadcaster(time.Second),
			Config:      cfg,
		},
	}
}

// runSession starts a session over the fake connection and returns a channel
// closed when Run returns.
func runSession(deps Deps, conn *fakeConn) <-chan struct{} {
	session := NewSession(deps, conn)
	done := make(chan struct{})
	go func() {
		defer close(done)
		session.Run(context.Background())
	}()
	return done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}
}

var hexRunID = regexp.MustCompile(`^[0-9a-f]{12}$`)

func TestSessionHappyPath(t *testing.T) {
	env := newTestEnv(t)
	conn := newFakeConn()
	done := runSession(env.deps, conn)
	ctx := context.Background()

	conn.send(t, map[string]any{
		protocol.FType:          int64(protocol.MsgRunStarted),
		protocol.FRetentionDays: int64(1),
		protocol.FLocalRun:      false,
	})
	resp := conn.recv(t)
	runID, _ := resp[protocol.FRunID].(string)
	assert.Regexp(t, hexRunID, runID)
	assert.Equal(t, "/testRun/"+runID+"/index.html", resp[protocol.FRunURL])
	assert.NotContains(t, resp, protocol.FError)

	conn.send(t, map[string]any{
		protocol.FType:       int64(protocol.MsgTestCaseStarted),
		protocol.FTCFullName: "Ns.T1",
		protocol.FTCID:       "0-1",
		protocol.FTimestamp:  int64(1737820282000),
	})
	conn.send(t, map[string]any{
		protocol.FType: int64(protocol.MsgLogBatch),
		protocol.FTCID: "0-1",
		protocol.FEntries: []any{map[string]any{
			protocol.FTimestamp: int64(1737820282736),
			protocol.FMessage:   "hello",
		}},
	})
	conn.send(t, map[string]any{
		protocol.FType:      int64(protocol.MsgTestCaseFinished),
		protocol.FTCID:      "0-1",
		protocol.FStatus:    int64(protocol.StatusPassed),
		protocol.FTimestamp: int64(1737820283000),
	})
	conn.send(t, map[string]any{
		protocol.FType:      int64(protocol.MsgRunFinished),
		protocol.FStatus:    int64(protocol.StatusFinished),
		protocol.FTimestamp: int64(1737820284000),
	})
	waitDone(t, done)

	// Exactly one indexed run with one passed case.
	runs, total, err := env.db.ListRuns(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	rec := runs[0]
	assert.Equal(t, runID, rec.RunID)
	assert.Equal(t, models.RunStatusFinished, rec.Status)
	assert.Equal(t, 1, rec.Counts.Passed)
	assert.Zero(t, rec.Counts.Failed)

	// The run left the active map.
	assert.Equal(t, 0, env.deps.Runs.Count())

	// Merged archive holds the single log record at the recorded offset.
	require.True(t, env.deps.LogStore.HasArchive(runID))
	run, err := env.deps.LogStore.ReadSidecar(runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFinished, run.Status)
	assert.NotEmpty(t, run.DeletesAt)
	tc := run.TestCases["Ns.T1"]
	require.NotNil(t, tc)
	assert.Equal(t, 1, tc.LogCount)
	assert.Zero(t, tc.StackCount)

	logs, stacks, err := env.deps.LogStore.ReadMergedCase(runID, tc)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "hello", logs[0][protocol.FMessage])
	assert.Empty(t, stacks)
}

func TestSessionRejectsDuplicateRunID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	existing := &models.TestRun{
		RunID: "run-A", RunName: "run-A",
		Status: models.RunStatusFinished, StartTime: "2025-01-25T10:00:00.000Z",
	}
	require.NoError(t, env.db.InsertRun(ctx, existing))

	conn := newFakeConn()
	done := runSession(env.deps, conn)

	conn.send(t, map[string]any{
		protocol.FType:  int64(protocol.MsgRunStarted),
		protocol.FRunID: "run-A",
	})
	resp := conn.recv(t)
	assert.Contains(t, resp[protocol.FError], "already in use")

	// No index change, no orphan directory, and the session stays open for
	// another attempt.
	_, total, err := env.db.ListRuns(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.False(t, env.deps.LogStore.RunDirExists("run-A"))

	conn.send(t, map[string]any{
		protocol.FType:  int64(protocol.MsgRunStarted),
		protocol.FRunID: "run-B",
	})
	resp = conn.recv(t)
	assert.Equal(t, "run-B", resp[protocol.FRunID])
	assert.True(t, env.deps.LogStore.RunDirExists("run-B"))

	close(conn.in)
	waitDone(t, done)
}

func TestSessionRejectsInvalidRunID(t *testing.T) {
	env := newTestEnv(t)
	conn := newFakeConn()
	done := runSession(env.deps, conn)

	conn.send(t, map[string]any{
		protocol.FType:  int64(protocol.MsgRunStarted),
		protocol.FRunID: "../escape",
	})
	resp := conn.recv(t)
	assert.NotEmpty(t, resp[protocol.FError])

	close(conn.in)
	waitDone(t, done)
}

func TestCleanCloseAbortsRunningCases(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conn := newFakeConn()
	done := runSession(env.deps, conn)

	conn.send(t, map[string]any{
		protocol.FType:  int64(protocol.MsgRunStarted),
		protocol.FRunID: "run-1",
	})
	conn.recv(t)
	conn.send(t, map[string]any{
		protocol.FType:       int64(protocol.MsgTestCaseStarted),
		protocol.FTCFullName: "Ns.T1",
		protocol.FTCID:       "0-1",
		protocol.FTimestamp:  int64(1737820282000),
	})

	// Connection drops while the case is still running.
	close(conn.in)
	waitDone(t, done)

	rec, err := env.db.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusAborted, rec.Status)
	assert.Equal(t, "Connection closed", rec.AbortReason)
	assert.Equal(t, 1, rec.Counts.Aborted)
}

func TestCleanCloseFinishesIdleRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conn := newFakeConn()
	done := runSession(env.deps, conn)

	conn.send(t, map[string]any{
		protocol.FType:  int64(protocol.MsgRunStarted),
		protocol.FRunID: "run-1",
	})
	conn.recv(t)
	conn.send(t, map[string]any{
		protocol.FType:       int64(protocol.MsgTestCaseStarted),
		protocol.FTCFullName: "Ns.T1",
		protocol.FTCID:       "0-1",
		protocol.FTimestamp:  int64(1737820282000),
	})
	conn.send(t, map[string]any{
		protocol.FType:      int64(protocol.MsgTestCaseFinished),
		protocol.FTCID:      "0-1",
		protocol.FStatus:    int64(protocol.StatusPassed),
		protocol.FTimestamp: int64(1737820283000),
	})

	// No case left running: a clean close promotes the run to finished.
	close(conn.in)
	waitDone(t, done)

	rec, err := env.db.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFinished, rec.Status)
	assert.Empty(t, rec.AbortReason)
}

func TestWatchdogIdleTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Config.Ingest.WatchdogTick = 10 * time.Millisecond
	env.deps.Config.Ingest.IdleTimeout = 30 * time.Millisecond
	ctx := context.Background()

	conn := newFakeConn()
	done := runSession(env.deps, conn)

	conn.send(t, map[string]any{
		protocol.FType:  int64(protocol.MsgRunStarted),
		protocol.FRunID: "run-1",
	})
	conn.recv(t)

	// Send nothing further; the watchdog aborts the idle run.
	waitDone(t, done)

	rec, err := env.db.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusAborted, rec.Status)
	assert.Equal(t, "Connection timeout", rec.AbortReason)
}

func TestWatchdogPingFailure(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Config.Ingest.WatchdogTick = 10 * time.Millisecond
	ctx := context.Background()

	conn := newFakeConn()
	done := runSession(env.deps, conn)

	conn.send(t, map[string]any{
		protocol.FType:  int64(protocol.MsgRunStarted),
		protocol.FRunID: "run-1",
	})
	conn.recv(t)

	conn.pingFail.Store(true)
	waitDone(t, done)

	rec, err := env.db.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusAborted, rec.Status)
	assert.Equal(t, "Connection lost", rec.AbortReason)
}

func TestBatchInheritsRunID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conn := newFakeConn()
	done := runSession(env.deps, conn)

	conn.send(t, map[string]any{
		protocol.FType:  int64(protocol.MsgRunStarted),
		protocol.FRunID: "run-1",
	})
	conn.recv(t)

	conn.send(t, map[string]any{
		protocol.FType:  int64(protocol.MsgBatch),
		protocol.FRunID: "run-1",
		protocol.FEvents: []any{
			map[string]any{
				protocol.FEventType:  int64(protocol.MsgTestCaseStarted),
				protocol.FTCFullName: "Ns.T1",
				protocol.FTCID:       "0-1",
				protocol.FTimestamp:  int64(1737820282000),
			},
			map[string]any{
				protocol.FEventType: int64(protocol.MsgLogBatch),
				protocol.FTCID:      "0-1",
				protocol.FEntries: []any{map[string]any{
					protocol.FTimestamp: int64(1737820282736),
					protocol.FMessage:   "from batch",
				}},
			},
			map[string]any{
				protocol.FEventType: int64(protocol.MsgTestCaseFinished),
				protocol.FTCID:      "0-1",
				protocol.FStatus:    int64(protocol.StatusFailed),
				protocol.FTimestamp: int64(1737820283000),
			},
		},
	})
	conn.send(t, map[string]any{
		protocol.FType:      int64(protocol.MsgRunFinished),
		protocol.FStatus:    int64(protocol.StatusFinished),
		protocol.FTimestamp: int64(1737820284000),
	})
	waitDone(t, done)

	rec, err := env.db.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Counts.Failed)

	run, err := env.deps.LogStore.ReadSidecar("run-1")
	require.NoError(t, err)
	tc := run.TestCases["Ns.T1"]
	require.NotNil(t, tc)
	assert.Equal(t, 1, tc.LogCount)
}

func TestMalformedFramesAreDropped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conn := newFakeConn()
	done := runSession(env.deps, conn)

	conn.send(t, map[string]any{
		protocol.FType:  int64(protocol.MsgRunStarted),
		protocol.FRunID: "run-1",
	})
	conn.recv(t)

	// Garbage bytes and an unknown type must not kill the session.
	conn.in <- []byte{0xc1, 0xff, 0x00}
	conn.send(t, map[string]any{protocol.FType: int64(42)})

	conn.send(t, map[string]any{
		protocol.FType:      int64(protocol.MsgRunFinished),
		protocol.FStatus:    int64(protocol.StatusFinished),
		protocol.FTimestamp: int64(1737820284000),
	})
	waitDone(t, done)

	rec, err := env.db.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFinished, rec.Status)
}

func TestExceptionPersistsStackRecord(t *testing.T) {
	env := newTestEnv(t)
	conn := newFakeConn()
	done := runSession(env.deps, conn)

	conn.send(t, map[string]any{
		protocol.FType:  int64(protocol.MsgRunStarted),
		protocol.FRunID: "run-1",
	})
	conn.recv(t)
	conn.send(t, map[string]any{
		protocol.FType:       int64(protocol.MsgTestCaseStarted),
		protocol.FTCFullName: "Ns.T1",
		protocol.FTCID:       "0-1",
		protocol.FTimestamp:  int64(1737820282000),
	})
	conn.send(t, map[string]any{
		protocol.FType:          int64(protocol.MsgException),
		protocol.FTCID:          "0-1",
		protocol.FMessage:       "assertion failed",
		protocol.FExceptionType: "AssertionError",
		protocol.FStackTrace:    []any{"line 1", "line 2"},
		protocol.FIsError:       true,
		protocol.FTimestamp:     int64(1737820282500),
	})
	conn.send(t, map[string]any{
		protocol.FType:      int64(protocol.MsgTestCaseFinished),
		protocol.FTCID:      "0-1",
		protocol.FStatus:    "error",
		protocol.FTimestamp: int64(1737820283000),
	})
	conn.send(t, map[string]any{
		protocol.FType:      int64(protocol.MsgRunFinished),
		protocol.FStatus:    int64(protocol.StatusFinished),
		protocol.FTimestamp: int64(1737820284000),
	})
	waitDone(t, done)

	run, err := env.deps.LogStore.ReadSidecar("run-1")
	require.NoError(t, err)
	tc := run.TestCases["Ns.T1"]
	require.NotNil(t, tc)
	assert.Equal(t, models.TCStatusError, tc.Status)
	require.Equal(t, 1, tc.StackCount)

	_, stacks, err := env.deps.LogStore.ReadMergedCase("run-1", tc)
	require.NoError(t, err)
	require.Len(t, stacks, 1)
	exc := protocol.ExceptionFromCompact(stacks[0])
	assert.Equal(t, "assertion failed", exc.Message)
	assert.Equal(t, []string{"line 1", "line 2"}, exc.StackTrace)
	assert.True(t, exc.IsError)
}

// TestTerminalTransitionFiresOnce races the watchdog abort against the
// clean-close promotion while another mutation holds the run's write lock.
// Exactly one caller may perform the terminal transition: run_finished is
// broadcast once per run and the merged archive keeps its records.
func TestTerminalTransitionFiresOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		env.deps.Broadcaster.HandleConnection(r.Context(), wsConn)
	}))
	defer srv.Close()

	dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
	defer dialCancel()
	viewer, _, err := websocket.Dial(dialCtx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer viewer.Close(websocket.StatusNormalClosure, "")

	readViewer := func() map[string]any {
		readCtx, readCancel := context.WithTimeout(ctx, 5*time.Second)
		defer readCancel()
		_, data, err := viewer.Read(readCtx)
		require.NoError(t, err)
		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	}
	require.Equal(t, "connection.established", readViewer()["type"])

	const iterations = 20
	for i := 0; i < iterations; i++ {
		runID := fmt.Sprintf("race-%d", i)
		run := &models.TestRun{
			RunID: runID, RunName: runID,
			Status: models.RunStatusRunning, StartTime: "2025-01-25T15:51:22.736Z",
			TestCases: map[string]*models.TestCase{
				"Ns.T1": {TCID: "0-1", FullName: "Ns.T1", Status: models.TCStatusPassed},
			},
			CaseOrder: []string{"Ns.T1"},
		}
		require.NoError(t, env.db.InsertRun(ctx, run))
		require.NoError(t, env.deps.LogStore.CreateRunDir(runID))
		require.NoError(t, env.deps.LogStore.AppendLogEntries(runID, "0-1", []map[string]any{
			{protocol.FTimestamp: int64(1737820282736), protocol.FMessage: "a"},
			{protocol.FTimestamp: int64(1737820282737), protocol.FMessage: "b"},
		}))

		active, err := env.deps.Runs.Add(run)
		require.NoError(t, err)
		session := NewSession(env.deps, newFakeConn())
		session.active = active

		var wg sync.WaitGroup
		wg.Add(3)
		go func() {
			defer wg.Done()
			active.Mutate(func(*models.TestRun) { time.Sleep(time.Millisecond) })
		}()
		go func() {
			defer wg.Done()
			session.abortRun("Connection lost")
		}()
		go func() {
			defer wg.Done()
			session.finalizeRun(models.RunStatusFinished, protocol.NowTimestamp(), "")
		}()
		wg.Wait()

		assert.False(t, env.deps.Runs.Exists(runID))

		// Whichever caller won, the archive holds both records.
		reloaded, err := env.deps.LogStore.ReadSidecar(runID)
		require.NoError(t, err)
		tc := reloaded.TestCases["Ns.T1"]
		require.NotNil(t, tc)
		require.Equalf(t, 2, tc.LogCount, "iteration %d", i)
		logs, _, err := env.deps.LogStore.ReadMergedCase(runID, tc)
		require.NoError(t, err)
		assert.Lenf(t, logs, 2, "iteration %d", i)
	}

	// One run_finished per run, in order, and nothing after.
	for i := 0; i < iterations; i++ {
		msg := readViewer()
		assert.Equal(t, events.EventRunFinished, msg["type"])
		assert.Equal(t, fmt.Sprintf("race-%d", i), msg["run_id"])
	}
	silentCtx, silentCancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer silentCancel()
	_, _, err = viewer.Read(silentCtx)
	assert.Error(t, err)
}

func TestUniquifyRunName(t *testing.T) {
	assert.Equal(t, "Nightly", uniquifyRunName("Nightly", nil))
	assert.Equal(t, "Nightly 1", uniquifyRunName("Nightly", []string{"Nightly"}))
	assert.Equal(t, "Nightly 2", uniquifyRunName("Nightly", []string{"Nightly", "Nightly 1"}))
}
