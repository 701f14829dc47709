package reconcile

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Claimer gives one process at a time the right to reconcile an event.
// release gives the claim back early; a kept claim expires with its TTL.
type Claimer interface {
	Claim(ctx context.Context, eventID string) (release func(), ok bool, err error)
}

type RedisClaimer struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewRedisClaimer(client redis.Cmdable, ttl time.Duration) *RedisClaimer {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisClaimer{client: client, prefix: "webhook:claim:", ttl: ttl}
}

func (c *RedisClaimer) Claim(ctx context.Context, eventID string) (func(), bool, error) {
	key := c.prefix + eventID
	ok, err := c.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), c.ttl).Result()
	if err != nil || !ok {
		return func() {}, false, err
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.client.Del(ctx, key).Err()
	}
	return release, true, nil
}
