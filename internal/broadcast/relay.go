package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pscheid92/trailblazer/internal/domain"
)

// Relay forwards bus events into one registry: overlay pushes become Deliver,
// eviction requests become EvictAll.
type Relay struct {
	bus      domain.EventBus
	registry *Registry
	topics   []string
	subs     []domain.Subscription
}

func NewRelay(bus domain.EventBus, registry *Registry, topics ...string) *Relay {
	return &Relay{bus: bus, registry: registry, topics: topics}
}

func (r *Relay) Start(ctx context.Context) error {
	for _, topic := range r.topics {
		sub, err := r.bus.Subscribe(ctx, topic, r.deliver)
		if err != nil {
			_ = r.Close()
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		r.subs = append(r.subs, sub)
	}

	evictTopic := domain.EvictTopic(r.registry.Kind())
	sub, err := r.bus.Subscribe(ctx, evictTopic, r.evict)
	if err != nil {
		_ = r.Close()
		return fmt.Errorf("subscribe %s: %w", evictTopic, err)
	}
	r.subs = append(r.subs, sub)

	slog.Info("Overlay relay started", "kind", r.registry.Kind(), "topics", r.topics)
	return nil
}

func (r *Relay) deliver(ctx context.Context, evt domain.RealtimeEvent) {
	ownerID, err := uuid.Parse(evt.OwnerID)
	if err != nil {
		slog.WarnContext(ctx, "Dropping realtime event with bad owner id", "owner_id", evt.OwnerID, "event", evt.Event)
		return
	}
	n := r.registry.Deliver(ownerID, Message{Event: evt.Event, Data: evt.Data})
	slog.DebugContext(ctx, "Realtime event relayed", "kind", r.registry.Kind(), "owner_id", evt.OwnerID, "event", evt.Event, "connections", n)
}

func (r *Relay) evict(ctx context.Context, evt domain.RealtimeEvent) {
	ownerID, err := uuid.Parse(evt.OwnerID)
	if err != nil {
		slog.WarnContext(ctx, "Dropping eviction with bad owner id", "owner_id", evt.OwnerID)
		return
	}
	r.registry.EvictAll(ownerID)
}

func (r *Relay) Close() error {
	var errs []error
	for _, sub := range r.subs {
		errs = append(errs, sub.Close())
	}
	r.subs = nil
	return errors.Join(errs...)
}

// Evictor asks every instance to close an owner's overlays by publishing on the
// kind's eviction topic. Each instance's Relay, this one included, does the closing.
type Evictor struct {
	bus domain.EventBus
}

var _ domain.OverlayEvictor = (*Evictor)(nil)

func NewEvictor(bus domain.EventBus) *Evictor {
	return &Evictor{bus: bus}
}

func (e *Evictor) EvictAll(ctx context.Context, kind domain.WidgetKind, ownerID uuid.UUID) error {
	err := e.bus.Publish(ctx, domain.EvictTopic(kind), domain.RealtimeEvent{OwnerID: ownerID.String(), Event: "evict"})
	if err != nil {
		return fmt.Errorf("publish eviction: %w", err)
	}
	return nil
}
