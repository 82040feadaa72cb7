// Package redislock implements per-agreement execution locks in Redis for
// deployments that run several executors.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"recurpay/agreement"
)

const defaultPrefix = "recurpay:exec_lock"

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker satisfies agreement.Locker. Keys expire after ttl so a crashed
// holder cannot block an agreement forever.
type Locker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func New(client redis.UniversalClient, prefix string, ttl time.Duration) *Locker {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultPrefix
	}
	if ttl <= 0 {
		ttl = agreement.DefaultLockTTL
	}
	return &Locker{client: client, prefix: prefix, ttl: ttl}
}

func (l *Locker) key(agreementID string) string {
	return fmt.Sprintf("%s:%s", l.prefix, agreementID)
}

func (l *Locker) Lock(ctx context.Context, agreementID string) (func(context.Context) error, error) {
	if l == nil || l.client == nil {
		return nil, errors.New("redislock: client not configured")
	}
	key := l.key(agreementID)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redislock: set %s: %w", key, err)
	}
	if !ok {
		return nil, agreement.ErrLockHeld
	}

	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
			return fmt.Errorf("redislock: release %s: %w", key, err)
		}
		return nil
	}, nil
}

// Connect parses url, pings the server and returns a client. The caller owns
// Close.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redislock: parse url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redislock: ping: %w", err)
	}
	return client, nil
}
