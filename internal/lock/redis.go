package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker shared by every instance pointing at the same Redis.
// Keys are SET NX PX with a random token and deleted by compare-and-delete.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedis creates a Redis-backed locker. prefix namespaces the keys.
func NewRedis(rdb redis.UniversalClient, prefix string) *Redis {
	return &Redis{rdb: rdb, prefix: prefix}
}

func (r *Redis) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (*Lease, error) {
	token := newToken()
	full := r.prefix + key

	var expires time.Time
	err := poll(ctx, wait, func() (bool, error) {
		ok, err := r.rdb.SetNX(ctx, full, token, ttl).Result()
		if err != nil {
			return false, fmt.Errorf("lock: redis set %s: %w", full, err)
		}
		expires = time.Now().Add(ttl)
		return ok, nil
	})
	if err != nil {
		return nil, err
	}
	return &Lease{Key: key, Token: token, ExpiresAt: expires}, nil
}

func (r *Redis) Release(ctx context.Context, l *Lease) error {
	if l == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, r.rdb, []string{r.prefix + l.Key}, l.Token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("lock: redis release %s: %w", l.Key, err)
	}
	return nil
}
