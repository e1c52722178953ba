package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultStoreKey     = "imagegw:config"
	defaultQueryTimeout = 2 * time.Second
)

// RedisBackend stores the snapshot as one JSON document under a single key.
// Replace runs inside WATCH/MULTI so a concurrent writer makes it fail with
// ErrConflict instead of silently losing the other write.
type RedisBackend struct {
	client       *redis.Client
	key          string
	queryTimeout time.Duration
}

// NewRedisBackend wraps an existing Redis client and takes ownership of
// it: Close closes the client. An empty key selects the default "imagegw:config".
func NewRedisBackend(cli *redis.Client, key string) *RedisBackend {
	if key == "" {
		key = defaultStoreKey
	}
	return &RedisBackend{client: cli, key: key, queryTimeout: defaultQueryTimeout}
}

// NewRedisBackendFromURL parses redisURL, connects and verifies the
// connection with a PING.
func NewRedisBackendFromURL(ctx context.Context, redisURL, key string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return NewRedisBackend(cli, key), nil
}

// getter is satisfied by *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Load reads the snapshot. A missing key yields an empty snapshot at
// version 0.
func (r *RedisBackend) Load(ctx context.Context) (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	return r.load(ctx, r.client)
}

// Replace stores snap when its version matches the stored one.
func (r *RedisBackend) Replace(ctx context.Context, snap *Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	var newVersion int64
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := r.load(ctx, tx)
		if err != nil {
			return err
		}
		if cur.Version != snap.Version {
			return ErrConflict
		}

		next := *snap
		next.Version = cur.Version + 1
		data, err := encodeSnapshot(&next)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, r.key, data, 0)
			return nil
		})
		if err != nil {
			return err
		}
		newVersion = next.Version
		return nil
	}, r.key)

	switch {
	case err == nil:
		snap.Version = newVersion
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return ErrConflict
	default:
		return err
	}
}

func (r *RedisBackend) load(ctx context.Context, c getter) (*Snapshot, error) {
	data, err := c.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return NewSnapshot(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: GET %s: %w", r.key, err)
	}
	snap, err := decodeSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("store: decode %s: %w", r.key, err)
	}
	return snap, nil
}

// Ping checks connectivity.
func (r *RedisBackend) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

// Close releases the Redis connection pool.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}
