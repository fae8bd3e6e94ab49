package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nexa-labs/assistant-gateway/internal/service/authn"
)

// LoginLimitPrefix namespaces login-attempt keys in Redis.
const LoginLimitPrefix = "loginlimit:"

// redisLoginLimiter implements authn.AttemptLimiter with a sliding window
// over a Redis sorted set, one member per attempt.
type redisLoginLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	logger *zap.Logger
}

// NewRedisLoginLimiter creates a Redis-backed login attempt limiter
// allowing limit attempts per window per key.
func NewRedisLoginLimiter(client *redis.Client, limit int, window time.Duration, logger *zap.Logger) authn.AttemptLimiter {
	return &redisLoginLimiter{
		client: client,
		limit:  limit,
		window: window,
		logger: logger,
	}
}

// Allow records one attempt and reports whether it is within the limit.
func (r *redisLoginLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now()
	windowStart := now.Add(-r.window)
	limitKey := LoginLimitPrefix + key

	pipe := r.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, limitKey, "-inf", strconv.FormatInt(windowStart.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, limitKey)
	member := fmt.Sprintf("%d-%d", now.UnixNano(), now.Nanosecond()%1000)
	pipe.ZAdd(ctx, limitKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: member,
	})
	pipe.Expire(ctx, limitKey, r.window+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Error("login limiter pipeline failed",
			zap.String("key", key),
			zap.Error(err))
		return false, fmt.Errorf("login limiter pipeline failed: %w", err)
	}

	if countCmd.Val() >= int64(r.limit) {
		// Take the over-limit attempt back out so a burst of rejected
		// attempts does not extend the lockout.
		r.client.ZRem(ctx, limitKey, member)
		r.logger.Warn("login attempts rate limited",
			zap.String("key", key),
			zap.Int64("attempts", countCmd.Val()),
			zap.Int("limit", r.limit),
			zap.Duration("window", r.window))
		return false, nil
	}
	return true, nil
}

// Reset clears recorded attempts for a key, called after a successful
// login.
func (r *redisLoginLimiter) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, LoginLimitPrefix+key).Err(); err != nil {
		return fmt.Errorf("login limiter reset failed: %w", err)
	}
	return nil
}
