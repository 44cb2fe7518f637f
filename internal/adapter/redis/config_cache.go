package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/trailblazer/internal/adapter/metrics"
	"github.com/pscheid92/trailblazer/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

// ConfigLoader reads one widget kind from the system of record.
type ConfigLoader[T domain.WidgetConfig] struct {
	ByOwner   func(ctx context.Context, ownerID uuid.UUID) (T, error)
	ByChannel func(ctx context.Context, channelID string) (T, error)
}

type ConfigCacheOptions struct {
	TTL time.Duration
	// MemoryTTL enables the in-process layer when positive.
	MemoryTTL time.Duration
	// Bus, when set, carries L1 invalidations to the other instances.
	Bus     domain.EventBus
	Clock   clockwork.Clock
	Metrics *metrics.CacheMetrics
}

// ConfigCache is the read-through cache of one widget kind, addressable by owner and by channel.
//
// Keys are <kind>:owner_id:<ownerId> and <kind>:twitch_id:<channelId>. Both are filled on a
// load and both are dropped on Invalidate. Absence is never cached.
type ConfigCache[T domain.WidgetConfig] struct {
	rdb     goredis.Cmdable
	kind    domain.WidgetKind
	loader  ConfigLoader[T]
	ttl     time.Duration
	mem     *memoryCache
	bus     domain.EventBus
	metrics *metrics.CacheMetrics
}

var _ domain.ConfigSource[*domain.FirstWordConfig] = (*ConfigCache[*domain.FirstWordConfig])(nil)

func NewConfigCache[T domain.WidgetConfig](rdb goredis.Cmdable, kind domain.WidgetKind, loader ConfigLoader[T], opts ConfigCacheOptions) *ConfigCache[T] {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	c := &ConfigCache[T]{
		rdb:     rdb,
		kind:    kind,
		loader:  loader,
		ttl:     opts.TTL,
		bus:     opts.Bus,
		metrics: opts.Metrics,
	}
	if opts.MemoryTTL > 0 {
		c.mem = newMemoryCache(opts.MemoryTTL, opts.Clock)
	}
	return c
}

func (c *ConfigCache[T]) ownerKey(ownerID uuid.UUID) string {
	return string(c.kind) + ":owner_id:" + ownerID.String()
}

func (c *ConfigCache[T]) channelKey(channelID string) string {
	return string(c.kind) + ":twitch_id:" + channelID
}

func (c *ConfigCache[T]) GetByOwner(ctx context.Context, ownerID uuid.UUID) (T, error) {
	return c.get(ctx, c.ownerKey(ownerID), func(ctx context.Context) (T, error) {
		return c.loader.ByOwner(ctx, ownerID)
	})
}

func (c *ConfigCache[T]) GetByChannel(ctx context.Context, channelID string) (T, error) {
	return c.get(ctx, c.channelKey(channelID), func(ctx context.Context) (T, error) {
		return c.loader.ByChannel(ctx, channelID)
	})
}

func (c *ConfigCache[T]) get(ctx context.Context, key string, load func(context.Context) (T, error)) (T, error) {
	var zero T

	if c.mem != nil {
		if data, ok := c.mem.get(key); ok {
			if v, err := decode[T](data); err == nil {
				c.hit("memory")
				return v, nil
			}
		}
		c.miss("memory")
	}

	if data, ok := c.readRedis(ctx, key); ok {
		v, err := decode[T](data)
		if err == nil {
			c.hit("redis")
			if c.mem != nil {
				c.mem.set(key, data)
			}
			return v, nil
		}
		slog.WarnContext(ctx, "Failed to decode cached widget config", "key", key, "error", err)
	}
	c.miss("redis")

	v, err := load(ctx)
	if err != nil {
		return zero, fmt.Errorf("load %s config: %w", c.kind, err)
	}
	c.populate(ctx, v)
	return v, nil
}

func (c *ConfigCache[T]) readRedis(ctx context.Context, key string) ([]byte, bool) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			slog.WarnContext(ctx, "Redis config cache GET failed", "key", key, "error", err)
		}
		return nil, false
	}
	return data, true
}

func (c *ConfigCache[T]) populate(ctx context.Context, v T) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.WarnContext(ctx, "Failed to encode widget config for cache", "kind", c.kind, "error", err)
		return
	}

	w := v.Base()
	keys := []string{c.ownerKey(w.OwnerID), c.channelKey(w.TwitchID)}

	_, err = c.rdb.Pipelined(ctx, func(p goredis.Pipeliner) error {
		for _, k := range keys {
			p.Set(ctx, k, data, c.ttl)
		}
		return nil
	})
	if err != nil {
		slog.WarnContext(ctx, "Failed to populate Redis config cache", "kind", c.kind, "owner_id", w.OwnerID, "error", err)
	}

	if c.mem != nil {
		for _, k := range keys {
			c.mem.set(k, data)
		}
	}
}

// Invalidate drops both lookup keys of w, here and (through the bus) on every other instance.
func (c *ConfigCache[T]) Invalidate(ctx context.Context, w domain.Widget) error {
	keys := []string{c.ownerKey(w.OwnerID), c.channelKey(w.TwitchID)}

	if c.mem != nil {
		c.mem.invalidate(keys...)
	}
	c.metrics.Invalidated(string(c.kind), "local")

	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to invalidate %s config cache: %w", c.kind, err)
	}

	if c.bus != nil && c.mem != nil {
		payload, _ := json.Marshal(invalidation{Keys: keys})
		evt := domain.RealtimeEvent{OwnerID: w.OwnerID.String(), Event: string(c.kind), Data: payload}
		if err := c.bus.Publish(ctx, domain.TopicConfigInvalidate, evt); err != nil {
			slog.WarnContext(ctx, "Failed to broadcast config invalidation", "kind", c.kind, "error", err)
		}
	}
	return nil
}

type invalidation struct {
	Keys []string `json:"keys"`
}

// ListenInvalidations drops L1 entries named by other instances until ctx ends.
func (c *ConfigCache[T]) ListenInvalidations(ctx context.Context) (domain.Subscription, error) {
	if c.bus == nil || c.mem == nil {
		return noopSubscription{}, nil
	}
	return c.bus.Subscribe(ctx, domain.TopicConfigInvalidate, func(ctx context.Context, evt domain.RealtimeEvent) {
		if evt.Event != string(c.kind) {
			return
		}
		var inv invalidation
		if err := json.Unmarshal(evt.Data, &inv); err != nil {
			slog.WarnContext(ctx, "Malformed config invalidation message", "error", err)
			return
		}
		c.mem.invalidate(inv.Keys...)
		c.metrics.Invalidated(string(c.kind), "bus")
		slog.DebugContext(ctx, "Config cache invalidated via bus", "kind", c.kind, "keys", inv.Keys)
	})
}

// StartEvictionTimer periodically drops expired L1 entries. Call the returned func to stop.
func (c *ConfigCache[T]) StartEvictionTimer(clock clockwork.Clock, interval time.Duration) func() {
	if c.mem == nil {
		return func() {}
	}
	ticker := clock.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				if n := c.mem.evictExpired(); n > 0 {
					c.metrics.Evicted(string(c.kind), n)
					slog.Debug("Evicted expired config cache entries", "kind", c.kind, "count", n, "remaining", c.mem.size())
				}
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }
}

func (c *ConfigCache[T]) hit(layer string) { c.metrics.Lookup(string(c.kind), layer, true) }
func (c *ConfigCache[T]) miss(layer string) { c.metrics.Lookup(string(c.kind), layer, false) }

// T is a pointer type; json allocates the pointee.
func decode[T domain.WidgetConfig](data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, err
	}
	return v, nil
}

type noopSubscription struct{}

func (noopSubscription) Close() error { return nil }
