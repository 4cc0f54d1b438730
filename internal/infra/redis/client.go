package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Client wraps Redis operations shared by labeler processes.
type Client struct {
	rdb       *redis.Client
	namespace string
}

// Config holds Redis connection configuration.
type Config struct {
	URL       string `yaml:"url"`
	Password  string `yaml:"password"`
	Namespace string `yaml:"namespace"`
}

// NewClient creates a new Redis client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ns := cfg.Namespace
	if ns == "" {
		ns = "reviewradar"
	}
	return &Client{rdb: rdb, namespace: ns}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Key helpers
func (c *Client) humanQueueKey() string {
	return fmt.Sprintf("%s:human_queue", c.namespace)
}

func (c *Client) batchLockKey(batchID int64) string {
	return fmt.Sprintf("%s:processing:batch:%d", c.namespace, batchID)
}

// ErrLockNotHeld is returned when releasing a lock whose token no longer matches.
var ErrLockNotHeld = errors.New("batch lock not held")

var (
	releaseLock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshLock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// AcquireBatchLock attempts to take the processing lock for a batch. The
// returned token identifies this holder.
func (c *Client) AcquireBatchLock(ctx context.Context, batchID int64, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := c.rdb.SetNX(ctx, c.batchLockKey(batchID), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("setnx failed: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// RefreshBatchLock resets the lock's TTL if token still holds it.
func (c *Client) RefreshBatchLock(ctx context.Context, batchID int64, token string, ttl time.Duration) (bool, error) {
	n, err := refreshLock.Run(ctx, c.rdb, []string{c.batchLockKey(batchID)}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("refresh lock: %w", err)
	}
	return n == 1, nil
}

// ReleaseBatchLock deletes the lock if token still holds it.
func (c *Client) ReleaseBatchLock(ctx context.Context, batchID int64, token string) error {
	n, err := releaseLock.Run(ctx, c.rdb, []string{c.batchLockKey(batchID)}, token).Int()
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// Health pings the server.
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
