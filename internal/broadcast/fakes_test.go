package broadcast

import (
	"context"
	"sync"

	"github.com/pscheid92/trailblazer/internal/domain"
)

type fakeConn struct {
	mu       sync.Mutex
	msgs     []Message
	full     bool
	closed   int
	reason   string
	done     chan struct{}
	doneOnce sync.Once
	onClose  func()
}

func newFakeConn() *fakeConn {
	return &fakeConn{done: make(chan struct{})}
}

func (c *fakeConn) Send(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return false
	}
	c.msgs = append(c.msgs, msg)
	return true
}

func (c *fakeConn) Close(reason string) {
	c.mu.Lock()
	c.closed++
	c.reason = reason
	hook := c.onClose
	c.mu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })
	if hook != nil {
		hook()
	}
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) received() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.msgs...)
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// memBus delivers synchronously to every subscriber of a topic.
type memBus struct {
	mu   sync.Mutex
	subs map[string][]*memSub
}

type memSub struct {
	bus     *memBus
	topic   string
	handler domain.EventHandler
	closed  bool
}

func newMemBus() *memBus {
	return &memBus{subs: make(map[string][]*memSub)}
}

func (b *memBus) Publish(ctx context.Context, topic string, evt domain.RealtimeEvent) error {
	b.mu.Lock()
	var handlers []domain.EventHandler
	for _, s := range b.subs[topic] {
		if !s.closed {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.Unlock()
	for _, h := range handlers {
		h(ctx, evt)
	}
	return nil
}

func (b *memBus) Subscribe(_ context.Context, topic string, handler domain.EventHandler) (domain.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &memSub{bus: b, topic: topic, handler: handler}
	b.subs[topic] = append(b.subs[topic], s)
	return s, nil
}

func (b *memBus) Close() error { return nil }

func (s *memSub) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.closed = true
	return nil
}
