package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Ownership checks run server-side so a lock that expired and was re-acquired
// by another instance is never touched.
var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

	renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisLocker implements [Locker] on a shared Redis so the one-stream-per-user
// rule holds across backend instances. Held locks are renewed in the
// background at a third of their TTL; a crashed holder just lets the TTL run
// out.
type RedisLocker struct {
	client redis.UniversalClient
	log    *slog.Logger
}

func NewRedisLocker(client redis.UniversalClient, log *slog.Logger) *RedisLocker {
	if log == nil {
		log = slog.Default()
	}
	return &RedisLocker{client: client, log: log}
}

func (l *RedisLocker) Acquire(ctx context.Context, email string, kind Kind) (func(), error) {
	k := key(email, kind)
	token := uuid.NewString()
	ttl := kind.TTL()

	ok, err := l.client.SetNX(ctx, k, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock: acquire %s: %w", k, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s for %s", ErrAlreadyHeld, kind, email)
	}

	stop := make(chan struct{})
	go l.renewLoop(k, token, ttl, stop)

	var once sync.Once
	release := func() {
		once.Do(func() {
			close(stop)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.client, []string{k}, token).Err(); err != nil {
				l.log.Warn("releasing lock", "key", k, "error", err)
			}
		})
	}
	return release, nil
}

func (l *RedisLocker) renewLoop(key, token string, ttl time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			res, err := renewScript.Run(ctx, l.client, []string{key}, token, ttl.Milliseconds()).Int()
			cancel()
			switch {
			case err != nil:
				l.log.Warn("renewing lock", "key", key, "error", err)
			case res == 0:
				// Someone else owns the key now, nothing left to renew.
				l.log.Warn("lock lost before release", "key", key)
				return
			}
		}
	}
}
