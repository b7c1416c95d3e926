// Package events implements the live fan-out plane for browser viewers: a
// broadcast set of WebSocket connections that receive every run and
// test-case lifecycle event as JSON.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Broadcaster manages the UI viewer connections. Each process has one
// Broadcaster instance.
type Broadcaster struct {
	// Active connections: connection_id → *Connection
	connections map[string]*Connection
	mu          sync.RWMutex

	// Write timeout for WebSocket sends
	writeTimeout time.Duration
}

// Connection represents a single UI WebSocket client.
type Connection struct {
	ID     string
	Conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

// NewBroadcaster creates a new Broadcaster.
func NewBroadcaster(writeTimeout time.Duration) *Broadcaster {
	return &Broadcaster{
		connections:  make(map[string]*Connection),
		writeTimeout: writeTimeout,
	}
}

// HandleConnection manages the lifecycle of a single viewer connection.
// Called by the WebSocket HTTP handler after upgrade. Blocks until the
// connection closes. Inbound traffic is limited to pings.
func (b *Broadcaster) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	c := &Connection{
		ID:     connID,
		Conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}

	b.register(c)
	defer b.unregister(c)

	b.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": connID,
	})

	// Read loop — drain client messages until the connection closes.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg struct {
			Action string `json:"action"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid UI WebSocket message",
				"connection_id", connID, "error", err)
			continue
		}
		if msg.Action == "ping" {
			b.sendJSON(c, map[string]string{"type": "pong"})
		}
	}
}

// Broadcast encodes the payload once and sends it to every viewer.
// Connections whose send fails are removed after the iteration; ingest
// never waits on a viewer.
func (b *Broadcaster) Broadcast(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to marshal broadcast payload", "error", err)
		return
	}

	// Snapshot connection pointers under the lock, then release before
	// sending, so slow writes never stall register/unregister.
	b.mu.RLock()
	conns := make([]*Connection, 0, len(b.connections))
	for _, c := range b.connections {
		conns = append(conns, c)
	}
	b.mu.RUnlock()

	var dead []*Connection
	for _, c := range conns {
		if err := b.sendRaw(c, data); err != nil {
			slog.Warn("Failed to send to UI client",
				"connection_id", c.ID, "error", err)
			dead = append(dead, c)
		}
	}
	for _, c := range dead {
		b.unregister(c)
	}
}

// ActiveConnections returns the count of connected viewers.
func (b *Broadcaster) ActiveConnections() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.connections)
}

func (b *Broadcaster) register(c *Connection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connections[c.ID] = c
}

func (b *Broadcaster) unregister(c *Connection) {
	b.mu.Lock()
	_, present := b.connections[c.ID]
	delete(b.connections, c.ID)
	b.mu.Unlock()
	if present {
		c.cancel()
		_ = c.Conn.Close(websocket.StatusNormalClosure, "")
	}
}

func (b *Broadcaster) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal UI message",
			"connection_id", c.ID, "error", err)
		return
	}
	if err := b.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send UI message",
			"connection_id", c.ID, "error", err)
	}
}

func (b *Broadcaster) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, b.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}
