package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Compare-token scripts make release and extend atomic: only the holder
// whose token is stored under the key may act on the lock.
var (
	releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// AcquireLock sets the lock key to token with the given expiry, only if
// the key is absent. Returns false on contention.
func (s *Store) AcquireLock(ctx context.Context, resource, token string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, lockKey(resource), token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("stride/redis: acquire lock: %w", err)
	}
	return ok, nil
}

// ExtendLock re-arms the expiry only if the stored token matches.
func (s *Store) ExtendLock(ctx context.Context, resource, token string, ttl time.Duration) (bool, error) {
	res, err := extendScript.Run(ctx, s.client, []string{lockKey(resource)}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("stride/redis: extend lock: %w", err)
	}
	return res == 1, nil
}

// ReleaseLock deletes the lock key only if the stored token matches.
func (s *Store) ReleaseLock(ctx context.Context, resource, token string) (bool, error) {
	res, err := releaseScript.Run(ctx, s.client, []string{lockKey(resource)}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("stride/redis: release lock: %w", err)
	}
	return res == 1, nil
}
