// internal/storage/redis/lease.go
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Lua: ключ удаляется/продлевается только владельцем токена.
var (
	releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Config holds connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// LeaseStore keeps execution leases in Redis so several engine processes
// share the at-most-one-in-flight guarantee.
type LeaseStore struct {
	client *goredis.Client
	prefix string
	logger *zap.Logger
}

// NewLeaseStore connects and pings the server.
func NewLeaseStore(ctx context.Context, cfg Config, logger *zap.Logger) (*LeaseStore, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "solana-trader:"
	}

	logger.Named("redis").Info("Redis lease store connected", zap.String("addr", cfg.Addr))
	return &LeaseStore{client: client, prefix: prefix, logger: logger.Named("redis")}, nil
}

func (s *LeaseStore) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

func (s *LeaseStore) Refresh(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := refreshScript.Run(ctx, s.client, []string{s.prefix + key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis refresh lease: %w", err)
	}
	return n == 1, nil
}

func (s *LeaseStore) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.prefix + key}, token).Err(); err != nil {
		return fmt.Errorf("redis release lease: %w", err)
	}
	return nil
}

func (s *LeaseStore) Close() error {
	return s.client.Close()
}
