package broadcast

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// streamRecorder is a ResponseWriter safe for reading while the writer goroutine streams.
type streamRecorder struct {
	mu      sync.Mutex
	header  http.Header
	status  int
	body    bytes.Buffer
	flushes int
}

func newStreamRecorder() *streamRecorder {
	return &streamRecorder{header: make(http.Header)}
}

func (r *streamRecorder) Header() http.Header { return r.header }

func (r *streamRecorder) WriteHeader(status int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
}

func (r *streamRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body.Write(p)
}

func (r *streamRecorder) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes++
}

func (r *streamRecorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body.String()
}

func TestSSEConn_StreamsFramesAndHeartbeats(t *testing.T) {
	rec := newStreamRecorder()
	clock := clockwork.NewFakeClock()
	conn, err := NewSSEConn(rec, clock)
	require.NoError(t, err)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "event: connected\ndata: {}\n\n", rec.String())

	served := make(chan struct{})
	go func() {
		conn.Serve(context.Background())
		close(served)
	}()

	require.True(t, conn.Send(Message{Event: "audio", Data: []byte(`{"url":"https://s3/a.mp3"}`)}))
	assert.Eventually(t, func() bool {
		return strings.Contains(rec.String(), "event: audio\ndata: {\"url\":\"https://s3/a.mp3\"}\n\n")
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	clock.Advance(heartbeatInterval)
	assert.Eventually(t, func() bool { return strings.Contains(rec.String(), ": heartbeat\n\n") }, time.Second, 5*time.Millisecond)

	conn.Close("evicted")
	select {
	case <-served:
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after Close")
	}
	assert.False(t, conn.Send(Message{Event: "late"}))
}

func TestSSEConn_ServeEndsWithClient(t *testing.T) {
	conn, err := NewSSEConn(newStreamRecorder(), clockwork.NewFakeClock())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	conn.Serve(ctx)

	select {
	case <-conn.Done():
	default:
		t.Fatal("connection not marked done after client went away")
	}
}

func TestSSEConn_FullBufferReportsSlow(t *testing.T) {
	conn, err := NewSSEConn(newStreamRecorder(), clockwork.NewFakeClock())
	require.NoError(t, err)

	for range messageBufferSize {
		require.True(t, conn.Send(Message{Event: "x"}))
	}
	assert.False(t, conn.Send(Message{Event: "overflow"}))
}
