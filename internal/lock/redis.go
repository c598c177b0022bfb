package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrLockTimeout = errors.New("lock: timed out waiting for lock")
)

// unlockScript deletes the key only if it still holds our token.
const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// RedisLocker is a SETNX lock with a per-acquisition token. The TTL bounds
// how long a crashed holder can block a key.
type RedisLocker struct {
	rdb     *redis.Client
	prefix  string
	ttl     time.Duration
	wait    time.Duration
	logger  *slog.Logger
	backoff time.Duration
}

// NewRedisLocker creates a locker. ttl is the lease length; wait bounds how
// long Lock retries before giving up.
func NewRedisLocker(rdb *redis.Client, ttl, wait time.Duration, logger *slog.Logger) *RedisLocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{
		rdb:     rdb,
		prefix:  "lock:position:",
		ttl:     ttl,
		wait:    wait,
		logger:  logger,
		backoff: 25 * time.Millisecond,
	}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	full := l.prefix + key

	timer := time.NewTimer(l.wait)
	defer timer.Stop()

	interval := l.backoff
	for {
		ok, err := l.rdb.SetNX(ctx, full, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock: setnx %s: %w", key, err)
		}
		if ok {
			break
		}

		select {
		case <-timer.C:
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
			if interval < 400*time.Millisecond {
				interval *= 2
			}
		}
	}

	return func() {
		// Release even if the caller's context is already cancelled.
		uctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n, err := l.rdb.Eval(uctx, unlockScript, []string{full}, token).Int()
		if err != nil {
			l.logger.Error("redis unlock failed", "key", key, "err", err)
			return
		}
		if n == 0 {
			l.logger.Warn("redis lock expired before unlock", "key", key)
		}
	}, nil
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
