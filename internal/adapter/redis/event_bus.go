package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pscheid92/trailblazer/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

// EventBus is the Redis pub/sub backend. A topic is a channel; messages published while
// an instance is not subscribed are lost.
type EventBus struct {
	rdb *goredis.Client

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

var _ domain.EventBus = (*EventBus)(nil)

func NewEventBus(rdb *goredis.Client) *EventBus {
	return &EventBus{rdb: rdb, subs: make(map[*subscription]struct{})}
}

func (b *EventBus) Publish(ctx context.Context, topic string, evt domain.RealtimeEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.rdb.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe returns once Redis confirmed the subscription. Handlers for one subscription
// run sequentially in publish order; the subscription ends on Close or when ctx is done.
func (b *EventBus) Subscribe(ctx context.Context, topic string, handler domain.EventHandler) (domain.Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errors.New("event bus closed")
	}
	b.mu.Unlock()

	ps := b.rdb.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{ps: ps, cancel: cancel, done: make(chan struct{})}
	sub.onClose = func() { b.forget(sub) }

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-sub.done:
		}
	}()
	go sub.run(loopCtx, topic, handler)

	return sub, nil
}

func (b *EventBus) forget(s *subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Close ends every subscription. The Redis client itself is owned by the caller.
func (b *EventBus) Close() error {
	b.mu.Lock()
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	var errs []error
	for _, s := range subs {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

type subscription struct {
	ps      *goredis.PubSub
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	onClose func()
}

func (s *subscription) run(ctx context.Context, topic string, handler domain.EventHandler) {
	for msg := range s.ps.Channel() {
		var evt domain.RealtimeEvent
		if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
			slog.Warn("Dropping malformed bus message", "topic", topic, "error", err)
			continue
		}
		dispatch(ctx, topic, handler, evt)
	}
}

func dispatch(ctx context.Context, topic string, handler domain.EventHandler, evt domain.RealtimeEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Bus handler panicked", "topic", topic, "panic", r)
		}
	}()
	handler(ctx, evt)
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.cancel()
		err = s.ps.Close()
		s.onClose()
	})
	return err
}
