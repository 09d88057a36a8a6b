// Package redis backs the notification debounce window with Redis so every
// API replica collapses the same duplicates.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config is the connection the server opens when REDIS_ADDR is set.
type Config struct {
	Addr     string
	Password string
	DB       int
	// PingTimeout bounds the startup reachability check. Zero means 5s.
	PingTimeout time.Duration
}

// Open dials Redis and refuses to hand back a client that cannot answer PING.
// Debounce checks sit on the publish path, so command timeouts are short.
func Open(ctx context.Context, cfg Config) (*redis.Client, error) {
	wait := cfg.PingTimeout
	if wait <= 0 {
		wait = 5 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  wait,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})

	pctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis %s: ping: %w", cfg.Addr, err)
	}
	return rdb, nil
}
