package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// ClientConfig tunes NewClient.
type ClientConfig struct {
	// URL is a redis:// or rediss:// connection string.
	URL          string
	PoolSize     int
	DialTimeout  time.Duration
	PingDeadline time.Duration
}

// NewClient connects to Redis and pings it.
func NewClient(ctx context.Context, cfg ClientConfig) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	opts.DialTimeout = defaultDialTimeout
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	deadline := cfg.PingDeadline
	if deadline <= 0 {
		deadline = defaultPingDeadline
	}

	client := goredis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}
