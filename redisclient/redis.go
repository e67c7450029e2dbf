// Package redisclient constructs the Redis connections the cache and
// monitor packages degrade gracefully without. A connection failure here
// is never fatal — callers receive a nil client and fall back to
// no-op behavior, matching the original's _make_redis degrade-to-None
// contract.
package redisclient

import (
	"context"
	"time"

	"github.com/hexclaw/orchestrator/config"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Client wraps two logical Redis databases against the same server: DB0
// for exact-match cache entries, DB1 for the semantic index. Using two
// databases on one connection mirrors the original's two-database split
// without requiring two separate Redis deployments.
type Client struct {
	Exact    *redis.Client
	Semantic *redis.Client
}

// New parses cfg.RedisURL and dials both logical databases. It returns
// (nil, err) only when the URL itself is malformed; a reachability
// failure is reported via Ping, not returned here, so callers can choose
// to run degraded instead of refusing to start.
func New(cfg *config.Config) (*Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, err
	}

	exactOpt := *opt
	exactOpt.DB = 0
	semanticOpt := *opt
	semanticOpt.DB = 1

	return &Client{
		Exact:    redis.NewClient(&exactOpt),
		Semantic: redis.NewClient(&semanticOpt),
	}, nil
}

// Ping checks both databases are reachable within a short timeout.
func (c *Client) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Exact.Ping(ctx).Err(); err != nil {
		return err
	}
	return c.Semantic.Ping(ctx).Err()
}

// Dial is a convenience used by daemon wiring: it builds the client and
// degrades to a nil client on any failure, logging a warning rather than
// propagating the error, matching the gateway main.go's "continue
// without Redis" posture.
func Dial(cfg *config.Config, log zerolog.Logger) *Client {
	rc, err := New(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("redis init failed — continuing without redis")
		return nil
	}
	if err := rc.Ping(); err != nil {
		log.Warn().Err(err).Msg("redis ping failed — continuing without redis")
		return nil
	}
	return rc
}
