package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"hangnet/internal/core/domain"
	"hangnet/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// unlockScript deletes the lock only when this holder still owns it.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisHangoutLocker serializes a hangout's mutations across instances with
// a SET NX lock. The lock is renewed at half its TTL until released.
type RedisHangoutLocker struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.SugaredLogger
}

var _ ports.HangoutLocker = (*RedisHangoutLocker)(nil)

func NewRedisHangoutLocker(client *redis.Client, ttl time.Duration, logger *zap.SugaredLogger) *RedisHangoutLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisHangoutLocker{client: client, ttl: ttl, logger: logger}
}

func (l *RedisHangoutLocker) lockKey(id domain.HangoutID) string {
	return "hangnet:lock:hangout:" + string(id)
}

func (l *RedisHangoutLocker) Acquire(ctx context.Context, id domain.HangoutID) (func(), error) {
	key := l.lockKey(id)
	value := lockValue()

	for {
		acquired, err := l.client.SetNX(ctx, key, value, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire hangout lock: %w", err)
		}
		if acquired {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}

	stopRenew := make(chan struct{})
	go l.renew(key, value, stopRenew)

	release := func() {
		close(stopRenew)
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := unlockScript.Run(releaseCtx, l.client, []string{key}, value).Err(); err != nil && err != redis.Nil {
			l.logger.Warnw("failed to release hangout lock", "key", key, "error", err)
		}
	}
	return release, nil
}

func (l *RedisHangoutLocker) renew(key, value string, stop <-chan struct{}) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			current, err := l.client.Get(ctx, key).Result()
			if err == nil && current == value {
				if err := l.client.Expire(ctx, key, l.ttl).Err(); err != nil {
					l.logger.Warnw("failed to renew hangout lock", "key", key, "error", err)
				}
			}
			cancel()
			if err == redis.Nil || (err == nil && current != value) {
				return // lost the lock
			}
		}
	}
}

func lockValue() string {
	b := make([]byte, 16)
	rand.Read(b) //nolint:errcheck
	return hex.EncodeToString(b)
}
