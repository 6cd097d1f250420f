package ticket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis clients built for the store.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second

	DefaultRedisKeyPrefix = "smartbff:ticket:"
)

// RedisStore keeps session tickets in Redis with a key TTL matching the
// ticket expiry. Renewals use WATCH so a concurrent writer is detected.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	codec     *Codec
	clock     func() time.Time
	sweep     *sweeper
}

// NewRedisStoreWithClient wraps an existing client, usually the one shared
// with the refresh lock. The store closes the client on Close.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string, p Protector, opts Options) *RedisStore {
	opts = opts.withDefaults()
	if keyPrefix == "" {
		keyPrefix = DefaultRedisKeyPrefix
	}
	s := &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		codec:     NewCodec(p),
		clock:     opts.Clock,
	}
	s.sweep = newSweeper(opts, "redis", s.purge)
	return s
}

// Close waits for an in-flight sweep and closes the client.
func (s *RedisStore) Close() error {
	s.sweep.close()
	return s.client.Close()
}

func (s *RedisStore) Store(ctx context.Context, t *Ticket) (string, error) {
	s.sweep.trigger()
	payload, err := s.codec.Encode(t)
	if err != nil {
		return "", err
	}
	key := newKey()
	rec := record{
		Scheme:         t.Scheme,
		Subject:        t.Subject(),
		RegistrationID: t.RegistrationID(),
		CreatedAt:      s.clock(),
		ExpiresAt:      t.Properties.ExpiresAt,
		Version:        1,
		Payload:        payload,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal ticket record: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.redisKey(key), data, s.ttl(rec.ExpiresAt)).Result()
	if err != nil {
		return "", fmt.Errorf("store ticket: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("store ticket: key %s already exists", key)
	}
	t.Version = rec.Version
	return key, nil
}

func (s *RedisStore) Renew(ctx context.Context, key string, t *Ticket) error {
	s.sweep.trigger()
	if err := checkKey(key); err != nil {
		return err
	}
	payload, err := s.codec.Encode(t)
	if err != nil {
		return err
	}
	full := s.redisKey(key)

	var version int64
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, full).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("unmarshal ticket record: %w", err)
		}
		if rec.Version != t.Version {
			return ErrConcurrentUpdate
		}
		rec.Subject = t.Subject()
		rec.RegistrationID = t.RegistrationID()
		rec.ExpiresAt = t.Properties.ExpiresAt
		rec.Payload = payload
		rec.Version++
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal ticket record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, full, data, s.ttl(rec.ExpiresAt))
			return nil
		})
		version = rec.Version
		return err
	}, full)
	if errors.Is(err, redis.TxFailedErr) || errors.Is(err, ErrConcurrentUpdate) {
		return ErrConcurrentUpdate
	}
	if err != nil {
		return fmt.Errorf("renew ticket: %w", err)
	}
	if version != 0 {
		t.Version = version
	}
	return nil
}

func (s *RedisStore) Retrieve(ctx context.Context, key string) (*Ticket, error) {
	s.sweep.trigger()
	if err := checkKey(key); err != nil {
		return nil, err
	}
	raw, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("retrieve ticket: %w", err)
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal ticket record: %w", err)
	}
	if rec.expired(s.clock()) {
		return nil, nil
	}
	t, err := s.codec.Decode(rec.Payload)
	if err != nil {
		return nil, err
	}
	t.Version = rec.Version
	return t, nil
}

func (s *RedisStore) Remove(ctx context.Context, key string) error {
	s.sweep.trigger()
	if err := checkKey(key); err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("remove ticket: %w", err)
	}
	return nil
}

// purge removes records whose expiry has passed but whose key TTL has not
// fired yet, for example after a clock adjustment.
func (s *RedisStore) purge(ctx context.Context, now time.Time) (int64, error) {
	var deleted int64
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.keyPrefix+"*", 100).Result()
		if err != nil {
			return deleted, fmt.Errorf("scan tickets: %w", err)
		}
		for _, k := range keys {
			raw, err := s.client.Get(ctx, k).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return deleted, fmt.Errorf("read ticket %s: %w", k, err)
			}
			var rec record
			if err := json.Unmarshal(raw, &rec); err != nil || !rec.expired(now) {
				continue
			}
			n, err := s.client.Del(ctx, k).Result()
			if err != nil {
				return deleted, fmt.Errorf("delete ticket %s: %w", k, err)
			}
			deleted += n
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

func (s *RedisStore) redisKey(key string) string {
	return s.keyPrefix + key
}

// ttl converts an absolute expiry to a key TTL. Zero means no expiry.
func (s *RedisStore) ttl(expiresAt time.Time) time.Duration {
	if expiresAt.IsZero() {
		return 0
	}
	if d := expiresAt.Sub(s.clock()); d > time.Millisecond {
		return d
	}
	return time.Millisecond
}
