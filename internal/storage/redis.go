package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"avm.io/avm-wallet/internal/config"
	"avm.io/avm-wallet/pkg/errors"
	"avm.io/avm-wallet/pkg/log"
	"github.com/go-redis/redis/v8"
)

// Redis is a Store shared between processes, e.g. several verify servers.
type Redis struct {
	client *redis.Client
}

// NewRedis connects and pings the configured server.
func NewRedis(ctx context.Context, cred *config.DBCredential) (*Redis, error) {
	db, _ := strconv.ParseInt(cred.Database, 10, 64)
	client := redis.NewClient(&redis.Options{
		Addr:     cred.GetRedisAddress(),
		Password: cred.Password,
		DB:       int(db),
	})
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "ping to redis")
	}
	return &Redis{client: client}, nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Client exposes the underlying connection, e.g. for rate limiting.
func (r *Redis) Client() *redis.Client {
	return r.client
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", errors.WrapAndReport(err, "redis get")
	}
	return v, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return errors.WrapAndReport(r.client.Set(ctx, key, value, ttl).Err(), "redis set")
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return errors.WrapAndReport(r.client.Del(ctx, keys...).Err(), "redis delete")
}

func (r *Redis) Keys(ctx context.Context, prefix string) ([]string, error) {
	var (
		cursor uint64
		match        = fmt.Sprintf("%v*", prefix)
		count  int64 = 200
		keys   []string
	)
	log.Debugf("scanning cache pattern %v", match)
	for {
		batch, c, err := r.client.Scan(ctx, cursor, match, count).Result()
		if err != nil {
			return nil, errors.WrapAndReport(err, "scan caches")
		}
		keys = append(keys, batch...)
		cursor = c
		if c == 0 {
			return keys, nil
		}
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}
