// Package redis implements a Locker on Redis with SET NX PX and a
// compare-and-delete release, for deployments running several processes.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"measurecore/internal/infra/lock"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

var _ lock.Locker = (*Locker)(nil)

const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) end return 0`

// Client is the subset of the go-redis client the locker needs.
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *goredis.Cmd
}

// Config configures the locker.
type Config struct {
	Prefix string        // key prefix, default "measurecore:lock:"
	TTL    time.Duration // lease length, default 30s
	Retry  time.Duration // poll interval while waiting, default 50ms
}

// Locker takes leases in Redis. A lease expires after TTL even if the
// holder dies; holders must finish within it.
type Locker struct {
	client Client
	cfg    Config
	logger *slog.Logger
}

// New wraps client.
func New(client Client, cfg Config, logger *slog.Logger) *Locker {
	if cfg.Prefix == "" {
		cfg.Prefix = "measurecore:lock:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.Retry <= 0 {
		cfg.Retry = 50 * time.Millisecond
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Locker{client: client, cfg: cfg, logger: logger}
}

// Dial connects to addr and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis addr is empty")
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// Lock polls SET NX until it wins or ctx is done.
func (l *Locker) Lock(ctx context.Context, key string) (lock.Unlock, error) {
	redisKey := l.cfg.Prefix + key
	token := uuid.NewString()
	ticker := time.NewTicker(l.cfg.Retry)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.cfg.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			return l.release(redisKey, token), nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", lock.ErrNotAcquired, key, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *Locker) release(redisKey, token string) lock.Unlock {
	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be cancelled.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := l.client.Eval(ctx, releaseScript, []string{redisKey}, token).Err(); err != nil {
				l.logger.Warn("lock release failed", "key", redisKey, "error", err)
			}
		})
	}
}
