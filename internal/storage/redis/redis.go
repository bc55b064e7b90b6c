// Package redis implements the shared store on a Redis server. It is
// an alternative to the bolt backend for installations where the
// process group shares a local Redis instance instead of a file.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goodtune/timegate/internal/config"
	"github.com/goodtune/timegate/internal/storage"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "timegate:"

// KV implements storage.KV on a Redis client.
type KV struct {
	client *redis.Client
}

// Open creates a Redis-backed shared store and verifies connectivity.
func Open(cfg config.RedisConfig) (*KV, error) {
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: connect to redis: %v", storage.ErrUnavailable, err)
	}

	return &KV{client: client}, nil
}

// Close closes the Redis connection.
func (kv *KV) Close() error {
	return kv.client.Close()
}

// Get returns the value for key.
func (kv *KV) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := kv.client.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, unavailable(err)
	}
	return value, nil
}

// Put writes value under key.
func (kv *KV) Put(ctx context.Context, key string, value []byte) error {
	if err := kv.client.Set(ctx, keyPrefix+key, value, 0).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// PutIfAbsent writes value only when key has no value yet.
func (kv *KV) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	written, err := kv.client.SetNX(ctx, keyPrefix+key, value, 0).Result()
	if err != nil {
		return false, unavailable(err)
	}
	return written, nil
}

// Delete removes key. Deleting an absent key succeeds.
func (kv *KV) Delete(ctx context.Context, key string) error {
	if err := kv.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// List returns all pairs whose key starts with prefix.
func (kv *KV) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	items := make(map[string][]byte)
	match := keyPrefix + prefix + "*"

	var cursor uint64
	for {
		keys, next, err := kv.client.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return nil, unavailable(err)
		}

		if len(keys) > 0 {
			pipe := kv.client.Pipeline()
			cmds := make([]*redis.StringCmd, len(keys))
			for i, k := range keys {
				cmds[i] = pipe.Get(ctx, k)
			}
			if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
				return nil, unavailable(err)
			}
			for i, cmd := range cmds {
				value, err := cmd.Bytes()
				if err != nil {
					continue
				}
				items[strings.TrimPrefix(keys[i], keyPrefix)] = value
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return items, nil
}

// Update performs a read-modify-write of key. Redis gives no
// cross-process transaction for this shape of access, so the write is
// plain last-write-wins, matching the substrate contract.
func (kv *KV) Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error {
	current, err := kv.Get(ctx, key)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	next, err := fn(current)
	if err != nil {
		return err
	}

	return kv.Put(ctx, key, next)
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
}
