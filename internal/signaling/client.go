package signaling

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait = 1 * time.Second

	// sendQueueSize bounds the per-connection outbound queue. A client that
	// stops draining its socket loses events rather than stalling the rooms
	// it shares with others.
	sendQueueSize = 32
)

// client is one accepted WebSocket connection. The read loop runs on the
// handler goroutine; writePump is the only goroutine that writes to the
// socket, so enqueue is safe from any goroutine holding no locks.
type client struct {
	id   string
	addr string
	conn *websocket.Conn
	log  *slog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(id, addr string, conn *websocket.Conn, log *slog.Logger) *client {
	return &client{
		id:   id,
		addr: addr,
		conn: conn,
		log:  log,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}
}

// enqueue queues an encoded frame for delivery. It never blocks; when the
// queue is full the frame is dropped and the caller informed.
func (c *client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// enqueueJSON marshals v and enqueues it.
func (c *client) enqueueJSON(v any) bool {
	frame, err := json.Marshal(v)
	if err != nil {
		c.log.Error("failed to encode outbound message", "conn", c.id, "err", err)
		return false
	}
	return c.enqueue(frame)
}

// writePump drains the send queue onto the socket until shutdown closes the
// connection or a write fails.
func (c *client) writePump() {
	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			return
		}
	}
}

// shutdown terminates the connection. Safe to call from any goroutine, any
// number of times.
func (c *client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *client) writeClose(code int, reason string) {
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
