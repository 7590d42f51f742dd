// Package redis opens the shared go-redis pool used by the credential store
// and the rate limiter.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"studentvc/internal/platform/config"
)

var ErrNotConfigured = errors.New("redis: url is not configured")

const healthTimeout = time.Second

// Client is a connected pool.
type Client struct {
	*redis.Client
}

// Options parses cfg.URL and applies the pool overrides that are set. Zero
// values keep the go-redis defaults.
func Options(cfg config.RedisConfig) (*redis.Options, error) {
	if cfg.URL == "" {
		return nil, ErrNotConfigured
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	for _, o := range []struct {
		set bool
		fn  func()
	}{
		{cfg.PoolSize > 0, func() { opts.PoolSize = cfg.PoolSize }},
		{cfg.MinIdleConns > 0, func() { opts.MinIdleConns = cfg.MinIdleConns }},
		{cfg.DialTimeout > 0, func() { opts.DialTimeout = cfg.DialTimeout }},
		{cfg.ReadTimeout > 0, func() { opts.ReadTimeout = cfg.ReadTimeout }},
		{cfg.WriteTimeout > 0, func() { opts.WriteTimeout = cfg.WriteTimeout }},
	} {
		if o.set {
			o.fn()
		}
	}
	return opts, nil
}

// New connects and pings once so a bad URL fails at startup.
func New(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	opts, err := Options(cfg)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return &Client{Client: client}, nil
}

func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	return c.Ping(ctx).Err()
}
