package processor

import (
	"context"
	"fmt"
	"time"

	"notification-engine/internal/clients/redis"
	"notification-engine/internal/store"

	"github.com/google/uuid"
)

// Deduper collapses duplicate notifications through a Redis reservation held
// while the first item is pending. The partial unique index on queue_items is
// the authoritative backstop, so a missing or failing Redis only costs the
// fast path.
type Deduper struct {
	redis  *redis.Client
	window time.Duration
}

func NewDeduper(redisClient *redis.Client, window time.Duration) *Deduper {
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &Deduper{
		redis:  redisClient,
		window: window,
	}
}

func dedupRedisKey(userID uuid.UUID, trigger store.Trigger, channel store.Channel, key string) string {
	return fmt.Sprintf("dedup:%s:%s:%s:%s", userID.String(), trigger, channel, key)
}

// Reserve claims the dedup slot for a notification. Returns false when an
// equivalent notification already holds the slot.
func (d *Deduper) Reserve(ctx context.Context, userID uuid.UUID, trigger store.Trigger, channel store.Channel, key string) (bool, error) {
	if d == nil || !d.redis.IsEnabled() {
		return true, nil
	}
	return d.redis.SetNX(ctx, dedupRedisKey(userID, trigger, channel, key), 1, d.window)
}

// Release frees the dedup slot once the holding item leaves the pending state
func (d *Deduper) Release(ctx context.Context, userID uuid.UUID, trigger store.Trigger, channel store.Channel, key string) {
	if d == nil || !d.redis.IsEnabled() {
		return
	}
	// Best effort; an orphaned reservation expires with the window
	_ = d.redis.Del(ctx, dedupRedisKey(userID, trigger, channel, key))
}
