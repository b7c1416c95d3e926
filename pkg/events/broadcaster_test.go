package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newViewerServer(b *Broadcaster) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		b.HandleConnection(r.Context(), conn)
	}))
}

func dialViewer(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestConnectionEstablished(t *testing.T) {
	b := NewBroadcaster(time.Second)
	srv := newViewerServer(b)
	defer srv.Close()

	conn := dialViewer(t, srv)
	defer conn.Close(websocket.StatusNormalClosure, "")

	msg := readJSON(t, conn)
	assert.Equal(t, "connection.established", msg["type"])
	assert.NotEmpty(t, msg["connection_id"])
	assert.Equal(t, 1, b.ActiveConnections())
}

func TestBroadcastReachesAllViewers(t *testing.T) {
	b := NewBroadcaster(time.Second)
	srv := newViewerServer(b)
	defer srv.Close()

	first := dialViewer(t, srv)
	defer first.Close(websocket.StatusNormalClosure, "")
	second := dialViewer(t, srv)
	defer second.Close(websocket.StatusNormalClosure, "")
	readJSON(t, first)
	readJSON(t, second)

	b.Broadcast(&RunStartedPayload{
		Type:      EventRunStarted,
		RunID:     "run-1",
		RunName:   "Nightly",
		StartTime: "2025-01-25T15:51:22.736Z",
	})

	for _, conn := range []*websocket.Conn{first, second} {
		msg := readJSON(t, conn)
		assert.Equal(t, EventRunStarted, msg["type"])
		assert.Equal(t, "run-1", msg["run_id"])
		assert.Equal(t, "Nightly", msg["run_name"])
	}
}

func TestPingPong(t *testing.T) {
	b := NewBroadcaster(time.Second)
	srv := newViewerServer(b)
	defer srv.Close()

	conn := dialViewer(t, srv)
	defer conn.Close(websocket.StatusNormalClosure, "")
	readJSON(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"action":"ping"}`)))

	msg := readJSON(t, conn)
	assert.Equal(t, "pong", msg["type"])
}

func TestClosedViewerIsRemoved(t *testing.T) {
	b := NewBroadcaster(time.Second)
	srv := newViewerServer(b)
	defer srv.Close()

	conn := dialViewer(t, srv)
	readJSON(t, conn)
	require.Equal(t, 1, b.ActiveConnections())

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	assert.Eventually(t, func() bool {
		return b.ActiveConnections() == 0
	}, 5*time.Second, 10*time.Millisecond)

	// Broadcasting with no viewers is a no-op.
	b.Broadcast(&RunFinishedPayload{Type: EventRunFinished, RunID: "run-1"})
}
