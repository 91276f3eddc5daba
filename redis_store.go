package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// connectRedis returns a client when addr is set and the server answers a
// ping; otherwise nil, and the caller keeps its in-memory state.
func connectRedis(ctx context.Context, cfg *Config, logger *slog.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis not available, using in-memory rate limiting", "addr", cfg.RedisAddr, "error", err)
		_ = client.Close()
		return nil
	}
	logger.Info("redis connected", "addr", cfg.RedisAddr)
	return client
}

// redisRateLimiter keeps the per-minute counters in Redis so that several
// server instances share one limit. Each bucket key expires after two
// minutes. When Redis fails the request is counted by the fallback limiter.
type redisRateLimiter struct {
	client   *redis.Client
	limit    int
	prefix   string
	fallback RateLimiter
	logger   *slog.Logger
	now      func() time.Time
}

func newRedisRateLimiter(client *redis.Client, limit int, fallback RateLimiter, logger *slog.Logger) *redisRateLimiter {
	return &redisRateLimiter{
		client:   client,
		limit:    limit,
		prefix:   "docconv:ratelimit:",
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

func (l *redisRateLimiter) Allow(ctx context.Context, clientIP string) bool {
	key := l.prefix + rateLimitKey(clientIP, minuteBucket(l.now()))

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*bucketWidth)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("redis rate limit failed, counting in memory", "error", fmt.Errorf("incr %s: %w", key, err))
		return l.fallback.Allow(ctx, clientIP)
	}
	return incr.Val() <= int64(l.limit)
}
