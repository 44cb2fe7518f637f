package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pscheid92/trailblazer/internal/adapter/metrics"
	"github.com/pscheid92/trailblazer/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

// hydratedMarker lets a hydrated-but-empty set exist in Redis.
const hydratedMarker = "~hydrated"

// hydrateScript fills the chatter set only if no Reset happened since the caller
// read the epoch, so a slow hydration cannot resurrect the previous cycle.
// KEYS: [1]=chatter set, [2]=epoch. ARGV: [1]=epoch read, [2]=ttl ms, [3..]=members
var hydrateScript = goredis.NewScript(`
if (redis.call('GET', KEYS[2]) or '0') ~= ARGV[1] then
  return 0
end
for i = 3, #ARGV do
  redis.call('SADD', KEYS[1], ARGV[i])
end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

// ChatterTracker is the first-word dedup set. The database is the system of record,
// Redis holds a per-channel SET rebuilt lazily on first use after expiry.
//
// HasSeen followed by MarkSeen is not atomic: two deliveries for the same viewer racing
// through both can each see "unseen". That bounds duplicates to one per racing pair.
type ChatterTracker struct {
	rdb      goredis.Cmdable
	chatters domain.ChatterRepository
	ttl      time.Duration
	sentinel string
	metrics  *metrics.DedupMetrics
}

var _ domain.ChatterTracker = (*ChatterTracker)(nil)

// NewChatterTracker builds the tracker. sentinelViewer is never recorded and always reads as unseen.
func NewChatterTracker(rdb goredis.Cmdable, chatters domain.ChatterRepository, ttl time.Duration, sentinelViewer string, m *metrics.DedupMetrics) *ChatterTracker {
	return &ChatterTracker{rdb: rdb, chatters: chatters, ttl: ttl, sentinel: sentinelViewer, metrics: m}
}

// Both keys of a channel share a hash slot so the hydrate script can touch them together.
func chattersKey(channelID string) string {
	return "first_word:chatters:{" + channelID + "}"
}

func epochKey(channelID string) string {
	return "first_word:epoch:{" + channelID + "}"
}

func (t *ChatterTracker) isSentinel(chatterID string) bool {
	return t.sentinel != "" && chatterID == t.sentinel
}

func (t *ChatterTracker) HasSeen(ctx context.Context, channelID, chatterID string) (bool, error) {
	if t.isSentinel(chatterID) {
		t.count("sentinel")
		return false, nil
	}

	seen, err := t.hasSeenCached(ctx, channelID, chatterID)
	if err != nil {
		slog.WarnContext(ctx, "Chatter cache unavailable, checking database", "channel_id", channelID, "error", err)
		seen, err = t.chatters.HasChatter(ctx, channelID, chatterID)
		if err != nil {
			return false, fmt.Errorf("check chatter: %w", err)
		}
	}

	if seen {
		t.count("seen")
	} else {
		t.count("unseen")
	}
	return seen, nil
}

func (t *ChatterTracker) hasSeenCached(ctx context.Context, channelID, chatterID string) (bool, error) {
	if err := t.hydrate(ctx, channelID); err != nil {
		return false, err
	}
	seen, err := t.rdb.SIsMember(ctx, chattersKey(channelID), chatterID).Result()
	if err != nil {
		return false, fmt.Errorf("sismember: %w", err)
	}
	return seen, nil
}

// MarkSeen persists first, so a lost cache never forgets a greeting.
func (t *ChatterTracker) MarkSeen(ctx context.Context, widgetID uuid.UUID, channelID, chatterID string) error {
	if t.isSentinel(chatterID) {
		return nil
	}

	if err := t.chatters.AddChatter(ctx, widgetID, channelID, chatterID); err != nil {
		return fmt.Errorf("persist chatter: %w", err)
	}

	if err := t.hydrate(ctx, channelID); err != nil {
		slog.WarnContext(ctx, "Failed to hydrate chatter cache", "channel_id", channelID, "error", err)
		return nil
	}

	key := chattersKey(channelID)
	_, err := t.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.SAdd(ctx, key, chatterID)
		p.Expire(ctx, key, t.ttl)
		return nil
	})
	if err != nil {
		slog.WarnContext(ctx, "Failed to cache chatter", "channel_id", channelID, "error", err)
	}
	return nil
}

// Reset starts a new greeting cycle for the channel.
func (t *ChatterTracker) Reset(ctx context.Context, channelID string) error {
	if err := t.chatters.DeleteChatters(ctx, channelID); err != nil {
		return fmt.Errorf("delete chatters: %w", err)
	}
	_, err := t.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Incr(ctx, epochKey(channelID))
		p.Del(ctx, chattersKey(channelID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("drop chatter cache: %w", err)
	}
	if t.metrics != nil {
		t.metrics.Resets.Inc()
	}
	return nil
}

func (t *ChatterTracker) hydrate(ctx context.Context, channelID string) error {
	key := chattersKey(channelID)

	exists, err := t.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("exists: %w", err)
	}
	if exists == 1 {
		return nil
	}

	epoch, err := t.rdb.Get(ctx, epochKey(channelID)).Result()
	if errors.Is(err, goredis.Nil) {
		epoch = "0"
	} else if err != nil {
		return fmt.Errorf("read epoch: %w", err)
	}

	ids, err := t.chatters.ListChatters(ctx, channelID)
	if err != nil {
		return fmt.Errorf("list chatters: %w", err)
	}

	args := make([]any, 0, len(ids)+3)
	args = append(args, epoch, strconv.FormatInt(t.ttl.Milliseconds(), 10), hydratedMarker)
	for _, id := range ids {
		args = append(args, id)
	}

	applied, err := hydrateScript.Run(ctx, t.rdb, []string{key, epochKey(channelID)}, args...).Int()
	if err != nil {
		return fmt.Errorf("hydrate chatter set: %w", err)
	}
	if applied == 0 {
		slog.DebugContext(ctx, "Discarded stale chatter hydration", "channel_id", channelID)
		return nil
	}

	if t.metrics != nil {
		t.metrics.Hydrations.Inc()
	}
	slog.DebugContext(ctx, "Hydrated chatter cache", "channel_id", channelID, "count", len(ids))
	return nil
}

func (t *ChatterTracker) count(result string) {
	if t.metrics != nil {
		t.metrics.Checks.WithLabelValues(result).Inc()
	}
}
