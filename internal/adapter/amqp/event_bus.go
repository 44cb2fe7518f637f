// Package amqp is the RabbitMQ backend of the realtime EventBus.
//
// Every topic is a routing key on one durable topic exchange. Each subscription owns an
// exclusive, auto-deleted, server-named queue, so every instance sees every message and
// nothing outlives the subscriber.
//
// A lost connection is redialed in the background and every live subscription is
// declared again on the new one. Messages published while the link is down are lost,
// which the at-most-once contract of the bus allows.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pscheid92/trailblazer/internal/domain"
	"github.com/pscheid92/trailblazer/internal/platform/correlation"
	"github.com/pscheid92/trailblazer/internal/platform/retry"
	"github.com/rabbitmq/amqp091-go"
)

var (
	ErrBusClosed      = errors.New("event bus closed")
	ErrBusUnavailable = errors.New("rabbitmq connection unavailable")
)

var dialPolicy = retry.Policy{
	MaxAttempts:    5,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     10 * time.Second,
	Jitter:         0.2,
	OnRetry: func(attempt int, err error, backoff time.Duration) {
		slog.Warn("RabbitMQ dial failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)
	},
}

// reconnectPolicy keeps trying until the bus is closed.
var reconnectPolicy = retry.Policy{
	MaxAttempts:    math.MaxInt32,
	InitialBackoff: time.Second,
	MaxBackoff:     30 * time.Second,
	Jitter:         0.2,
	OnRetry: func(attempt int, err error, backoff time.Duration) {
		slog.Error("RabbitMQ reconnect failed", "attempt", attempt, "retry_in", backoff, "error", err)
	},
}

func always(error) retry.Action { return retry.Retry }

type EventBus struct {
	url      string
	exchange string

	pubMu sync.Mutex
	pubCh *amqp091.Channel

	mu     sync.Mutex
	conn   *amqp091.Connection
	subs   map[*subscription]struct{}
	closed bool

	healthy atomic.Bool
	orphans chan orphan
	done    chan struct{}
	wg      sync.WaitGroup
}

var _ domain.EventBus = (*EventBus)(nil)

// orphan is a subscription whose channel ended underneath it.
type orphan struct {
	sub *subscription
	ch  *amqp091.Channel
}

type link struct {
	conn   *amqp091.Connection
	pub    *amqp091.Channel
	closed <-chan *amqp091.Error
}

// Dial connects with retries, declares the exchange and starts watching the connection.
func Dial(ctx context.Context, url, exchange string) (*EventBus, error) {
	b := &EventBus{
		url:      url,
		exchange: exchange,
		subs:     make(map[*subscription]struct{}),
		orphans:  make(chan orphan, 16),
		done:     make(chan struct{}),
	}

	l, err := retry.Do(ctx, dialPolicy, always, b.connect)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	b.conn, b.pubCh = l.conn, l.pub
	b.healthy.Store(true)

	b.wg.Add(1)
	go b.supervise(l.closed)
	return b, nil
}

func (b *EventBus) connect(context.Context) (link, error) {
	conn, err := amqp091.Dial(b.url)
	if err != nil {
		return link{}, err
	}
	closed := conn.NotifyClose(make(chan *amqp091.Error, 1))

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return link{}, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(b.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return link{}, fmt.Errorf("declare exchange %s: %w", b.exchange, err)
	}
	return link{conn: conn, pub: ch, closed: closed}, nil
}

func (b *EventBus) supervise(closed <-chan *amqp091.Error) {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return

		case o := <-b.orphans:
			b.reattach(o)

		case cerr, ok := <-closed:
			select {
			case <-b.done:
				return
			default:
			}
			if !ok {
				cerr = amqp091.ErrClosed
			}
			b.healthy.Store(false)
			slog.Error("RabbitMQ connection lost, reconnecting", "error", cerr)

			next, err := b.reconnect()
			if err != nil {
				return
			}
			closed = next
		}
	}
}

// reconnect blocks until a new connection is up or the bus is closed.
func (b *EventBus) reconnect() (<-chan *amqp091.Error, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-b.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	l, err := retry.Do(ctx, reconnectPolicy, always, b.connect)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = l.conn.Close()
		return nil, ErrBusClosed
	}
	b.conn = l.conn
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	b.pubMu.Lock()
	b.pubCh = l.pub
	b.pubMu.Unlock()

	for _, s := range subs {
		if err := s.attach(l.conn); err != nil {
			slog.Error("Failed to resubscribe after reconnect", "topic", s.topic, "error", err)
		}
	}
	b.healthy.Store(true)
	slog.Info("RabbitMQ reconnected", "subscriptions", len(subs))
	return l.closed, nil
}

// reattach revives a subscription whose channel closed while the connection stayed up.
func (b *EventBus) reattach(o orphan) {
	if !b.healthy.Load() || o.sub.current() != o.ch {
		return
	}
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()

	if err := o.sub.attach(conn); err != nil {
		slog.Error("Failed to resubscribe", "topic", o.sub.topic, "error", err)
		return
	}
	slog.Info("Bus subscription restored", "topic", o.sub.topic)
}

// Ping reports whether the broker connection is currently up.
func (b *EventBus) Ping(context.Context) error {
	if !b.healthy.Load() {
		return ErrBusUnavailable
	}
	return nil
}

func (b *EventBus) Publish(ctx context.Context, topic string, evt domain.RealtimeEvent) error {
	if !b.healthy.Load() {
		return fmt.Errorf("publish %s: %w", topic, ErrBusUnavailable)
	}

	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	cid, ok := correlation.ID(ctx)
	if !ok {
		cid = correlation.NewID()
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	err = b.pubCh.PublishWithContext(ctx, b.exchange, topic, false, false, amqp091.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp091.Persistent,
		MessageId:     uuid.NewString(),
		CorrelationId: cid,
		Timestamp:     time.Now(),
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (b *EventBus) Subscribe(ctx context.Context, topic string, handler domain.EventHandler) (domain.Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	conn := b.conn
	b.mu.Unlock()

	sub := &subscription{bus: b, topic: topic, handler: handler, done: make(chan struct{})}
	if err := sub.attach(conn); err != nil {
		return nil, err
	}

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
	return sub, nil
}

func handle(ctx context.Context, topic string, handler domain.EventHandler, evt domain.RealtimeEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "Bus handler panicked", "topic", topic, "panic", r)
		}
	}()
	handler(ctx, evt)
}

// Close ends every subscription and the connection.
func (b *EventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.healthy.Store(false)
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	conn := b.conn
	b.mu.Unlock()

	var errs []error
	for _, s := range subs {
		errs = append(errs, s.Close())
	}
	if err := conn.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
		errs = append(errs, err)
	}
	b.wg.Wait()
	return errors.Join(errs...)
}

type subscription struct {
	bus     *EventBus
	topic   string
	handler domain.EventHandler

	mu   sync.Mutex
	ch   *amqp091.Channel
	done chan struct{}
	once sync.Once
}

func (s *subscription) current() *amqp091.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// attach declares the queue on conn and starts consuming from it.
func (s *subscription) attach(conn *amqp091.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, s.topic, s.bus.exchange, false, nil); err != nil {
		_ = ch.Close()
		return fmt.Errorf("bind %s: %w", s.topic, err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("consume %s: %w", s.topic, err)
	}

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		_ = ch.Close()
		return nil
	default:
	}
	s.ch = ch
	s.mu.Unlock()

	go s.consume(ch, deliveries)
	return nil
}

func (s *subscription) consume(ch *amqp091.Channel, deliveries <-chan amqp091.Delivery) {
	for d := range deliveries {
		var evt domain.RealtimeEvent
		if err := json.Unmarshal(d.Body, &evt); err != nil {
			slog.Warn("Dropping malformed bus message", "topic", s.topic, "message_id", d.MessageId, "error", err)
			continue
		}

		ctx := context.Background()
		if d.CorrelationId != "" {
			ctx = correlation.WithID(ctx, d.CorrelationId)
		}
		handle(ctx, s.topic, s.handler, evt)
	}

	select {
	case <-s.done:
		return
	default:
	}
	slog.Warn("Bus subscription channel closed", "topic", s.topic)
	select {
	case s.bus.orphans <- orphan{sub: s, ch: ch}:
	case <-s.done:
	case <-s.bus.done:
	}
}

// Close cancels the consumer; the exclusive queue is deleted by the broker.
func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		close(s.done)
		ch := s.ch
		s.mu.Unlock()

		if cerr := ch.Close(); cerr != nil && !errors.Is(cerr, amqp091.ErrClosed) {
			err = cerr
		}
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
	})
	return err
}
