package cache

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nexa-labs/assistant-gateway/internal/service/quota"
)

// QuotaPrefix namespaces quota usage keys in Redis.
const QuotaPrefix = "quota:"

// redisQuotaStore implements quota.Store on Redis. Usage lives in one hash
// per (user, period bucket) with a field per quota type; HIncrBy gives the
// atomic increment the guard relies on, so concurrent recordings for the
// same user never lose updates.
type redisQuotaStore struct {
	client *redis.Client
	limits map[quota.Type]int64
	period time.Duration
	logger *zap.Logger
}

// NewRedisQuotaStore creates a Redis-backed quota store. limits maps quota
// type to the per-period cap; types absent from the map are unlimited.
func NewRedisQuotaStore(client *redis.Client, limits map[quota.Type]int64, period time.Duration, logger *zap.Logger) quota.Store {
	return &redisQuotaStore{
		client: client,
		limits: limits,
		period: period,
		logger: logger,
	}
}

// CheckQuota reads current usage and the configured limit.
func (s *redisQuotaStore) CheckQuota(ctx context.Context, userID string, t quota.Type) (int64, int64, time.Time, error) {
	bucket := s.bucketStart(time.Now())
	key := s.key(userID, bucket)

	val, err := s.client.HGet(ctx, key, string(t)).Int64()
	if err != nil && err != redis.Nil {
		s.logger.Error("quota read failed",
			zap.String("user_id", userID),
			zap.String("quota_type", string(t)),
			zap.Error(err))
		return 0, 0, time.Time{}, fmt.Errorf("quota read failed: %w", err)
	}

	return val, s.limitFor(t), bucket.Add(s.period), nil
}

// RecordUsage atomically increments usage for the current period.
func (s *redisQuotaStore) RecordUsage(ctx context.Context, userID string, t quota.Type, amount int64) error {
	bucket := s.bucketStart(time.Now())
	key := s.key(userID, bucket)

	pipe := s.client.Pipeline()
	pipe.HIncrBy(ctx, key, string(t), amount)
	// Keep the bucket one extra period so summaries straddling the
	// boundary still see it.
	pipe.Expire(ctx, key, 2*s.period)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("quota increment failed",
			zap.String("user_id", userID),
			zap.String("quota_type", string(t)),
			zap.Int64("amount", amount),
			zap.Error(err))
		return fmt.Errorf("quota increment failed: %w", err)
	}
	return nil
}

// GetSummary returns usage for every configured quota type, ordered by
// type name so callers see a stable listing.
func (s *redisQuotaStore) GetSummary(ctx context.Context, userID string) ([]quota.Usage, error) {
	bucket := s.bucketStart(time.Now())
	key := s.key(userID, bucket)

	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("quota summary failed: %w", err)
	}

	types := make([]quota.Type, 0, len(s.limits))
	for t := range s.limits {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	resetsAt := bucket.Add(s.period)
	summary := make([]quota.Usage, 0, len(types))
	for _, t := range types {
		var used int64
		if raw, ok := fields[string(t)]; ok {
			used, err = strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("corrupt quota counter %s for user %s: %w", t, userID, err)
			}
		}
		summary = append(summary, quota.Usage{
			Type:     t,
			Used:     used,
			Limit:    s.limits[t],
			ResetsAt: resetsAt,
		})
	}
	return summary, nil
}

func (s *redisQuotaStore) limitFor(t quota.Type) int64 {
	if limit, ok := s.limits[t]; ok {
		return limit
	}
	return quota.Unlimited
}

func (s *redisQuotaStore) bucketStart(now time.Time) time.Time {
	return now.Truncate(s.period)
}

func (s *redisQuotaStore) key(userID string, bucket time.Time) string {
	return fmt.Sprintf("%s%s:%d", QuotaPrefix, userID, bucket.Unix())
}
