package broadcast

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	writeDeadline  = 5 * time.Second
	pingInterval   = 30 * time.Second
	pongDeadline   = 60 * time.Second
	maxInboundSize = 512
)

// WSConn pushes JSON {event, data} frames over a gorilla WebSocket.
// One goroutine writes, one reads (to observe pongs and the client's close).
type WSConn struct {
	conn  *websocket.Conn
	clock clockwork.Clock

	send     chan Message
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	closeMu     sync.Mutex
	closeReason string
}

var _ Conn = (*WSConn)(nil)

func NewWSConn(conn *websocket.Conn, clock clockwork.Clock) *WSConn {
	c := &WSConn{
		conn:  conn,
		clock: clock,
		send:  make(chan Message, messageBufferSize),
		done:  make(chan struct{}),
	}
	c.send <- Message{Event: "connected", Data: []byte(`{}`)}
	c.configureReads()

	c.wg.Add(1)
	go c.writeLoop()
	go c.readLoop()
	return c
}

func (c *WSConn) Send(msg Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close sends a close frame carrying reason, then tears the socket down.
func (c *WSConn) Close(reason string) {
	c.closeMu.Lock()
	if c.closeReason == "" {
		c.closeReason = reason
	}
	c.closeMu.Unlock()
	c.stop()
}

func (c *WSConn) Done() <-chan struct{} { return c.done }

// Wait blocks until the writer has exited.
func (c *WSConn) Wait() { c.wg.Wait() }

func (c *WSConn) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

func (c *WSConn) writeLoop() {
	ticker := c.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.wg.Done()
	defer c.shutdown()

	for {
		select {
		case msg := <-c.send:
			frame, err := json.Marshal(msg)
			if err != nil {
				slog.Error("Failed to encode overlay frame", "event", msg.Event, "error", err)
				continue
			}
			c.updateWriteDeadline()
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.Chan():
			c.updateWriteDeadline()
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// shutdown runs on the writer goroutine only, so the close frame never races another write.
func (c *WSConn) shutdown() {
	c.stop()

	c.closeMu.Lock()
	reason := c.closeReason
	c.closeMu.Unlock()

	if reason != "" {
		c.updateWriteDeadline()
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
	}
	_ = c.conn.Close()
}

func (c *WSConn) readLoop() {
	defer c.stop()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *WSConn) configureReads() {
	c.conn.SetReadLimit(maxInboundSize)
	c.updateReadDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.updateReadDeadline()
		return nil
	})
}

func (c *WSConn) updateWriteDeadline() {
	_ = c.conn.SetWriteDeadline(c.clock.Now().Add(writeDeadline))
}

func (c *WSConn) updateReadDeadline() {
	_ = c.conn.SetReadDeadline(c.clock.Now().Add(pongDeadline))
}
