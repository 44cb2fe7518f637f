package broadcast

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	heartbeatInterval = 30 * time.Second
	messageBufferSize = 16
	sseWriteDeadline  = 5 * time.Second
)

// SSEConn streams server-sent events. Serve runs the writer on the request goroutine.
type SSEConn struct {
	w     http.ResponseWriter
	rc    *http.ResponseController
	clock clockwork.Clock

	send      chan Message
	done      chan struct{}
	closeOnce sync.Once
}

var _ Conn = (*SSEConn)(nil)

// NewSSEConn writes the stream headers and the initial connected event.
func NewSSEConn(w http.ResponseWriter, clock clockwork.Clock) (*SSEConn, error) {
	c := &SSEConn{
		w:     w,
		rc:    http.NewResponseController(w),
		clock: clock,
		send:  make(chan Message, messageBufferSize),
		done:  make(chan struct{}),
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := c.write(Message{Event: "connected", Data: []byte(`{}`)}); err != nil {
		return nil, fmt.Errorf("write connected event: %w", err)
	}
	return c, nil
}

func (c *SSEConn) Send(msg Message) bool {
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

func (c *SSEConn) Close(string) {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *SSEConn) Done() <-chan struct{} { return c.done }

// Serve blocks until the client goes away, ctx ends, the connection is closed, or a write fails.
func (c *SSEConn) Serve(ctx context.Context) {
	defer c.Close("")

	heartbeat := c.clock.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				return
			}
		case <-heartbeat.Chan():
			if err := c.comment("heartbeat"); err != nil {
				return
			}
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *SSEConn) write(msg Message) error {
	data := msg.Data
	if len(data) == 0 {
		data = []byte("null")
	}
	_ = c.rc.SetWriteDeadline(c.clock.Now().Add(sseWriteDeadline))
	if _, err := fmt.Fprintf(c.w, "event: %s\ndata: %s\n\n", msg.Event, data); err != nil {
		return err
	}
	return c.rc.Flush()
}

func (c *SSEConn) comment(text string) error {
	_ = c.rc.SetWriteDeadline(c.clock.Now().Add(sseWriteDeadline))
	if _, err := fmt.Fprintf(c.w, ": %s\n\n", text); err != nil {
		return err
	}
	return c.rc.Flush()
}
