package redis

import (
	"context"
	"time"
)

// Blocker shares provider back-off windows (e.g. 429 Retry-After) between workers.
type Blocker struct {
	client    *Client
	keyPrefix string
}

func NewBlocker(client *Client, keyPrefix string) *Blocker {
	if keyPrefix == "" {
		keyPrefix = "ratelimit:"
	}
	return &Blocker{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (b *Blocker) blockKey(key string) string {
	return b.keyPrefix + key + ":block"
}

// BlockFor blocks key for d. Non-positive durations are ignored.
func (b *Blocker) BlockFor(ctx context.Context, key string, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	return b.client.Set(ctx, b.blockKey(key), "1", d)
}

// IsBlocked returns whether the key is currently blocked and, if so, for how long.
func (b *Blocker) IsBlocked(ctx context.Context, key string) (bool, time.Duration, error) {
	exists, err := b.client.Exists(ctx, b.blockKey(key))
	if err != nil {
		return false, 0, err
	}
	if !exists {
		return false, 0, nil
	}
	ttl, err := b.client.TTL(ctx, b.blockKey(key))
	if err != nil {
		return true, 0, err
	}
	if ttl < 0 {
		ttl = 0
	}
	return true, ttl, nil
}
