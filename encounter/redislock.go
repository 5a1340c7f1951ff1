package encounter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotHeld is returned by an UnlockFunc when the lock expired or was
// taken over before release.
var ErrLockNotHeld = errors.New("distributed lock no longer held")

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// RedisLocker implements Locker with SET NX PX and a compare-and-delete
// release, so a holder can never release a lock it no longer owns.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	poll   time.Duration
}

// NewRedisLocker creates a Redis-backed Locker. Keys are stored as
// prefix + "lock:" + key.
func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix, poll: 50 * time.Millisecond}
}

// Lock polls until the lock is acquired or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error) {
	lockKey := l.prefix + "lock:" + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis acquire lock %q: %w", lockKey, err)
		}
		if ok {
			return func(ctx context.Context) error {
				n, err := l.client.Eval(ctx, releaseScript, []string{lockKey}, token).Int()
				if err != nil {
					return fmt.Errorf("redis release lock %q: %w", lockKey, err)
				}
				if n == 0 {
					return ErrLockNotHeld
				}
				return nil
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
