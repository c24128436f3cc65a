package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 5 * time.Second

// clientSession is one WebSocket connection's server-side state: the send
// queue pattern and write-deadline discipline are carried over from the
// teacher's WebSocketClientImpl, generalized to track malformed-message
// strikes and the set of terminals this connection owns.
type clientSession struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu             sync.Mutex
	ownedTerminals map[string]bool
	closed         bool

	strikes      int
	strikeWindow time.Time
}

func newClientSession(id string, conn *websocket.Conn) *clientSession {
	return &clientSession{
		id:             id,
		conn:           conn,
		send:           make(chan []byte, 256),
		ownedTerminals: make(map[string]bool),
	}
}

// enqueue is a non-blocking send; a client slow enough to fill its queue is
// disconnected rather than letting it stall the registry's event fan-out.
func (c *clientSession) enqueue(data []byte) bool {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		// Closing the socket ends this session's read loop, which runs the
		// gateway's normal disconnect cleanup.
		_ = c.conn.Close()
		return false
	}
}

func (c *clientSession) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *clientSession) own(terminalID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ownedTerminals[terminalID] = true
}

func (c *clientSession) disown(terminalID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ownedTerminals, terminalID)
}

func (c *clientSession) ownedIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.ownedTerminals))
	for id := range c.ownedTerminals {
		out = append(out, id)
	}
	return out
}

// strike increments the malformed-message counter, resetting it if the 60s
// window has elapsed, and reports whether the connection has now crossed
// the disconnect threshold.
func (c *clientSession) strike(threshold int, window time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if c.strikeWindow.IsZero() || now.Sub(c.strikeWindow) > window {
		c.strikeWindow = now
		c.strikes = 0
	}
	c.strikes++
	return c.strikes > threshold
}

func (c *clientSession) writePump() {
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		w, err := c.conn.NextWriter(websocket.TextMessage)
		if err != nil {
			return
		}
		if _, err := w.Write(msg); err != nil {
			return
		}
		if err := w.Close(); err != nil {
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
