package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const probeTimeout = 2 * time.Second

// Client wraps the redis connection with an explicit readiness flag.
// Every consumer of the cache or pub/sub backend branches on Available
// instead of consulting ambient globals; when the backend is down the
// process runs degraded (always-miss cache, local-only fan-out) rather
// than failing requests.
type Client struct {
	redis     *redis.Client
	available atomic.Bool
	logger    *zap.Logger
}

// NewClient connects to redis and probes it once. A failed probe still
// returns a usable client in degraded mode.
func NewClient(ctx context.Context, address string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := &Client{
		redis:  redis.NewClient(&redis.Options{Addr: address}),
		logger: logger,
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := client.redis.Ping(probeCtx).Err(); err != nil {
		logger.Warn("cache backend unreachable, running degraded", zap.String("address", address), zap.Error(err))
		client.available.Store(false)
		return client
	}

	client.available.Store(true)
	logger.Info("cache backend connected", zap.String("address", address))
	return client
}

// Available reports whether the backend answered the startup probe.
func (c *Client) Available() bool {
	return c.available.Load()
}

// Redis exposes the underlying connection for pub/sub consumers.
func (c *Client) Redis() *redis.Client {
	return c.redis
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.redis.Close()
}
