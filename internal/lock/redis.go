package lock

import (
	"context"
	"fmt"
	"time"

	rdb "github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = rdb.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker shares leases across worker processes.
type RedisLocker struct {
	Client *rdb.Client
	Prefix string
}

func NewRedisLocker(client *rdb.Client, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "meetsync:lock:"
	}
	return &RedisLocker{Client: client, Prefix: prefix}
}

// NewRedisLockerFromURL parses a redis:// URL such as REDIS_URL.
func NewRedisLockerFromURL(url string) (*RedisLocker, error) {
	opts, err := rdb.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
	}
	return NewRedisLocker(rdb.NewClient(opts), ""), nil
}

func (r *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	token := newToken()
	ok, err := r.Client.SetNX(ctx, r.Prefix+key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return &redisLease{owner: r, key: key, token: token}, nil
}

func (r *RedisLocker) Close() error {
	return r.Client.Close()
}

type redisLease struct {
	owner *RedisLocker
	key   string
	token string
}

func (l *redisLease) Key() string { return l.key }

func (l *redisLease) Release(ctx context.Context) error {
	err := releaseScript.Run(ctx, l.owner.Client, []string{l.owner.Prefix + l.key}, l.token).Err()
	if err != nil && err != rdb.Nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	return nil
}
