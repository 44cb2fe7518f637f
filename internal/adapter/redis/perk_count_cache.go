package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/pscheid92/trailblazer/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const perkCountTTL = 24 * time.Hour

// PerkCountCache fronts a slow PerkCounter (a wiki scrape) with a daily Redis entry.
type PerkCountCache struct {
	rdb   goredis.Cmdable
	inner domain.PerkCounter
}

var _ domain.PerkCounter = (*PerkCountCache)(nil)

func NewPerkCountCache(rdb goredis.Cmdable, inner domain.PerkCounter) *PerkCountCache {
	return &PerkCountCache{rdb: rdb, inner: inner}
}

func (c *PerkCountCache) TotalPerks(ctx context.Context, class domain.PerkClassType) (int, error) {
	key := "random_dbd_perk:total_perk_count:" + string(class)

	raw, err := c.rdb.Get(ctx, key).Result()
	if err == nil {
		if n, convErr := strconv.Atoi(raw); convErr == nil {
			return n, nil
		}
	} else if !errors.Is(err, goredis.Nil) {
		slog.WarnContext(ctx, "Perk count cache GET failed", "class", class, "error", err)
	}

	n, err := c.inner.TotalPerks(ctx, class)
	if err != nil {
		return 0, fmt.Errorf("count %s perks: %w", class, err)
	}

	if err := c.rdb.Set(ctx, key, n, perkCountTTL).Err(); err != nil {
		slog.WarnContext(ctx, "Failed to cache perk count", "class", class, "error", err)
	}
	return n, nil
}
