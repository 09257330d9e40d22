package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrSentinelMissing is returned by Redis.Arm when the sentinel key has
// already fired or been evicted. The caller (the flight-plan tracker)
// recovers by Put-ing the sentinel key and calling Arm again.
var ErrSentinelMissing = errors.New("store: sentinel no longer exists")

// Redis is the production TTLStore, backed by a Redis (or Redis-protocol
// compatible) server with keyspace notifications enabled for expired
// events (`notify-keyspace-events Ex` in redis.conf).
type Redis struct {
	rdb *redis.Client
}

// Open connects to the Redis server at url (a redis:// URL).
func Open(url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	return &Redis{rdb: rdb}, nil
}

func (r *Redis) Put(ctx context.Context, key string, value []byte) error {
	if err := r.rdb.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return v, nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Scan(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s*: %w", prefix, err)
	}
	return keys, nil
}

// Arm extends the TTL of an existing sentinel key. It does not create the
// key: if key is absent (already fired, or never put), it returns
// ErrSentinelMissing so the caller can Put + Arm again.
func (r *Redis) Arm(ctx context.Context, key string, ttl time.Duration) error {
	ok, err := r.rdb.Expire(ctx, key, ttl).Result()
	if err != nil {
		return fmt.Errorf("arm %s: %w", key, err)
	}
	if !ok {
		return ErrSentinelMissing
	}
	return nil
}

// SubscribeExpiries listens on Redis's keyspace-notification channel for
// expired-key events and invokes callback with the expired key, stripped
// of the `__keyevent@N__:expired` channel framing. Blocks until ctx is done.
func (r *Redis) SubscribeExpiries(ctx context.Context, callback func(key string)) error {
	sub := r.rdb.PSubscribe(ctx, "__keyevent@*__:expired")
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			key := msg.Payload
			if !strings.HasPrefix(key, TTLPrefix) {
				// Not one of our sentinels (e.g. another consumer's key
				// sharing the keyspace); ignore.
				continue
			}
			callback(key)
		}
	}
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.rdb.Close()
}
