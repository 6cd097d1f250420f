package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultLease     = 30 * time.Second
	DefaultKeyPrefix = "smartbff:lock:"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisProvider is a Provider shared by every gateway instance using the same
// Redis. Locks expire after the lease so a crashed holder cannot wedge a
// session.
type RedisProvider struct {
	client    redis.UniversalClient
	keyPrefix string
	lease     time.Duration
}

// NewRedisProvider wraps client. Zero lease and empty prefix use defaults.
func NewRedisProvider(client redis.UniversalClient, keyPrefix string, lease time.Duration) *RedisProvider {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	if lease <= 0 {
		lease = DefaultLease
	}
	return &RedisProvider{client: client, keyPrefix: keyPrefix, lease: lease}
}

func (p *RedisProvider) TryAcquire(ctx context.Context, name string) (Handle, error) {
	key := p.keyPrefix + name
	token := uuid.NewString()
	ok, err := p.client.SetNX(ctx, key, token, p.lease).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, nil
	}
	return &redisHandle{client: p.client, key: key, token: token}, nil
}

type redisHandle struct {
	client redis.UniversalClient
	key    string
	token  string
}

// Release deletes the key only while it still holds this handle's token.
func (h *redisHandle) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, h.client, []string{h.key}, h.token).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", h.key, err)
	}
	return nil
}
