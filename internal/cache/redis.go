package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"

	"github.com/ethicalzen/sentinel-gateway/internal/config"
)

// Redis is the out-of-process cache variant. Backend errors are returned
// to the caller, never fatal; callers decide the fallback.
type Redis struct {
	client  *redis.Client
	timeout time.Duration

	hits   uint64
	misses uint64
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(cfg config.CacheConfig) (*Redis, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.RedisPassword != "" {
		opt.Password = cfg.RedisPassword
	}
	opt.DB = cfg.RedisDB
	opt.PoolSize = cfg.PoolSize
	opt.MaxRetries = cfg.MaxRetries

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.WithFields(log.Fields{
		"redis_url": cfg.RedisURL,
		"db":        cfg.RedisDB,
		"pool_size": cfg.PoolSize,
	}).Info("Redis cache initialized")

	return &Redis{
		client:  client,
		timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
	}, nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		atomic.AddUint64(&r.misses, 1)
		return "", false, nil
	}
	if err != nil {
		atomic.AddUint64(&r.misses, 1)
		return "", false, err
	}
	atomic.AddUint64(&r.hits, 1)
	return val, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Del(ctx, key).Err()
}

func (r *Redis) Stats() Stats {
	hits := atomic.LoadUint64(&r.hits)
	misses := atomic.LoadUint64(&r.misses)
	return Stats{Hits: hits, Misses: misses, HitRate: hitRate(hits, misses)}
}

func (r *Redis) Close() error {
	return r.client.Close()
}
