package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Twitch retries a delivery with the same message id; ten minutes matches its replay window.
const deliveryTTL = 10 * time.Minute

type DeliveryDeduper struct {
	rdb goredis.Cmdable
}

func NewDeliveryDeduper(rdb goredis.Cmdable) *DeliveryDeduper {
	return &DeliveryDeduper{rdb: rdb}
}

// FirstDelivery reports whether messageID is seen for the first time, and records it.
func (d *DeliveryDeduper) FirstDelivery(ctx context.Context, messageID string) (bool, error) {
	args := goredis.SetArgs{TTL: deliveryTTL, Mode: "NX"}
	_, err := d.rdb.SetArgs(ctx, "eventsub:message:"+messageID, "1", args).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("record delivery: %w", err)
	}
	return true, nil
}
