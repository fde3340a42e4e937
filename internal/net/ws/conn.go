// Package ws adapts gorilla/websocket connections to the narrow transport
// surface internal/shard depends on, and drives the per-connection read
// loop that feeds decoded frames into a shard (§4.4.2).
package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// writeDeadline bounds how long a single outbound frame write may block
// before the connection is considered dead.
const writeDeadline = 10 * time.Second

// Conn adapts a *websocket.Conn to shard.Conn. gorilla's Conn forbids
// concurrent writers, so every write is serialized behind mu the same way
// the teacher's hub.go guards its subscriber socket with a per-subscriber
// mutex.
type Conn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewConn wraps an upgraded websocket connection.
func NewConn(conn *websocket.Conn) *Conn {
	return &Conn{conn: conn}
}

// Write sends one text frame, serialized against concurrent writers.
func (c *Conn) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// SetWriteDeadline implements shard.Conn.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.SetWriteDeadline(t)
}

// Close closes the underlying socket with a normal closure frame.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}

// CloseWithCode closes the socket with an explicit close-frame status code
// (§4.4.2 register failure → 4001; §4.4.4 heartbeat timeout → 1001).
func (c *Conn) CloseWithCode(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	return c.conn.Close()
}

