package redis

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "notify:debounce:"

// Debouncer collapses repeated notification keys across every API replica.
// Key format: notify:debounce:<sha1(key)>
type Debouncer struct {
	client redis.UniversalClient
}

// NewDebouncer creates a Debouncer wrapping the given Redis client.
func NewDebouncer(client redis.UniversalClient) *Debouncer {
	return &Debouncer{client: client}
}

// Admit reports true the first time key is seen within window. The marker
// expires on its own once window elapses.
func (d *Debouncer) Admit(ctx context.Context, key string, window time.Duration) (bool, error) {
	if window <= 0 {
		return true, nil
	}
	ok, err := d.client.SetNX(ctx, d.key(key), "1", window).Result()
	if err != nil {
		return false, fmt.Errorf("debounce check: %w", err)
	}
	return ok, nil
}

// Forget deletes the marker for key.
func (d *Debouncer) Forget(ctx context.Context, key string) error {
	if err := d.client.Del(ctx, d.key(key)).Err(); err != nil {
		return fmt.Errorf("debounce forget: %w", err)
	}
	return nil
}

func (d *Debouncer) key(key string) string {
	sum := sha1.Sum([]byte(key))
	return keyPrefix + hex.EncodeToString(sum[:])
}
