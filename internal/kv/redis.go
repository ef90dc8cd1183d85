package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis is a Store backed by a Redis server, one hash per namespace.
// Useful when several clients share a storage host; most deployments
// want the SQLite store instead.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

var _ Store = (*Redis)(nil)

// OpenRedis connects to the Redis server at addr. The prefix is prepended
// to every namespace so multiple accounts can share one server.
func OpenRedis(addr, prefix string) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("kv: redis ping: %w", err)
	}
	return &Redis{rdb: rdb, prefix: prefix}, nil
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

func (r *Redis) hash(ns string) string {
	return r.prefix + ns
}

func (r *Redis) Get(ns, key string) ([]byte, error) {
	val, err := r.rdb.HGet(context.Background(), r.hash(ns), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv: redis get %s/%s: %w", ns, key, err)
	}
	return val, nil
}

func (r *Redis) Set(ns, key string, value []byte) error {
	if err := r.rdb.HSet(context.Background(), r.hash(ns), key, value).Err(); err != nil {
		return fmt.Errorf("kv: redis set %s/%s: %w", ns, key, err)
	}
	return nil
}

func (r *Redis) Remove(ns, key string) error {
	if err := r.rdb.HDel(context.Background(), r.hash(ns), key).Err(); err != nil {
		return fmt.Errorf("kv: redis remove %s/%s: %w", ns, key, err)
	}
	return nil
}

func (r *Redis) Has(ns, key string) (bool, error) {
	ok, err := r.rdb.HExists(context.Background(), r.hash(ns), key).Result()
	if err != nil {
		return false, fmt.Errorf("kv: redis has %s/%s: %w", ns, key, err)
	}
	return ok, nil
}

func (r *Redis) Keys(ns string) ([]string, error) {
	keys, err := r.rdb.HKeys(context.Background(), r.hash(ns)).Result()
	if err != nil {
		return nil, fmt.Errorf("kv: redis keys %s: %w", ns, err)
	}
	return keys, nil
}
