package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nexa-labs/assistant-gateway/internal/service/quota"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func newTestQuotaStore(t *testing.T) quota.Store {
	t.Helper()
	limits := map[quota.Type]int64{
		quota.TypeAICalls:      100,
		quota.TypeTokens:       quota.Unlimited,
		quota.TypeStorageBytes: 1 << 20,
	}
	return NewRedisQuotaStore(newTestRedis(t), limits, time.Hour, zap.NewNop())
}

func TestQuotaStore_CheckEmpty(t *testing.T) {
	store := newTestQuotaStore(t)
	ctx := context.Background()

	used, limit, resetsAt, err := store.CheckQuota(ctx, "user-1", quota.TypeAICalls)
	require.NoError(t, err)
	assert.Equal(t, int64(0), used)
	assert.Equal(t, int64(100), limit)
	assert.True(t, resetsAt.After(time.Now()))
}

func TestQuotaStore_RecordAndCheck(t *testing.T) {
	store := newTestQuotaStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordUsage(ctx, "user-1", quota.TypeAICalls, 1))
	require.NoError(t, store.RecordUsage(ctx, "user-1", quota.TypeAICalls, 3))

	used, _, _, err := store.CheckQuota(ctx, "user-1", quota.TypeAICalls)
	require.NoError(t, err)
	assert.Equal(t, int64(4), used)

	// Other users and other types are independent.
	used, _, _, err = store.CheckQuota(ctx, "user-2", quota.TypeAICalls)
	require.NoError(t, err)
	assert.Equal(t, int64(0), used)

	used, _, _, err = store.CheckQuota(ctx, "user-1", quota.TypeStorageBytes)
	require.NoError(t, err)
	assert.Equal(t, int64(0), used)
}

func TestQuotaStore_ConcurrentRecords(t *testing.T) {
	store := newTestQuotaStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.RecordUsage(ctx, "user-1", quota.TypeAICalls, 1)
		}()
	}
	wg.Wait()

	used, _, _, err := store.CheckQuota(ctx, "user-1", quota.TypeAICalls)
	require.NoError(t, err)
	assert.Equal(t, int64(20), used, "HIncrBy must not lose concurrent updates")
}

func TestQuotaStore_UnknownTypeIsUnlimited(t *testing.T) {
	store := newTestQuotaStore(t)

	_, limit, _, err := store.CheckQuota(context.Background(), "user-1", quota.Type("unconfigured"))
	require.NoError(t, err)
	assert.Equal(t, quota.Unlimited, limit)
}

func TestQuotaStore_Summary(t *testing.T) {
	store := newTestQuotaStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordUsage(ctx, "user-1", quota.TypeAICalls, 7))

	summary, err := store.GetSummary(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, summary, 3)

	// Listing order is stable: configured types sorted by name.
	assert.Equal(t, quota.TypeAICalls, summary[0].Type)
	assert.Equal(t, quota.TypeStorageBytes, summary[1].Type)
	assert.Equal(t, quota.TypeTokens, summary[2].Type)

	assert.Equal(t, int64(7), summary[0].Used)
	assert.Equal(t, int64(100), summary[0].Limit)
	assert.Equal(t, int64(0), summary[1].Used)
	assert.Equal(t, quota.Unlimited, summary[2].Limit)
}

func TestQuotaStore_CorruptCounter(t *testing.T) {
	client := newTestRedis(t)
	store := NewRedisQuotaStore(client,
		map[quota.Type]int64{quota.TypeAICalls: 100}, time.Hour, zap.NewNop())
	ctx := context.Background()

	bucket := time.Now().Truncate(time.Hour)
	key := fmt.Sprintf("%suser-1:%d", QuotaPrefix, bucket.Unix())
	require.NoError(t, client.HSet(ctx, key, string(quota.TypeAICalls), "not-a-number").Err())

	_, err := store.GetSummary(ctx, "user-1")
	require.Error(t, err)
}

func TestQuotaStore_UnreachableBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := NewRedisQuotaStore(client, map[quota.Type]int64{quota.TypeAICalls: 100}, time.Hour, zap.NewNop())
	mr.Close()

	_, _, _, err := store.CheckQuota(context.Background(), "user-1", quota.TypeAICalls)
	assert.Error(t, err)

	err = store.RecordUsage(context.Background(), "user-1", quota.TypeAICalls, 1)
	assert.Error(t, err)
}

func TestQuotaStore_KeyLayout(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := NewRedisQuotaStore(client, map[quota.Type]int64{quota.TypeAICalls: 100}, time.Hour, zap.NewNop())

	require.NoError(t, store.RecordUsage(context.Background(), "user-1", quota.TypeAICalls, 1))

	bucket := time.Now().Truncate(time.Hour).Unix()
	key := fmt.Sprintf("%suser-1:%d", QuotaPrefix, bucket)
	assert.True(t, mr.Exists(key), "usage hash should live under the period bucket key")
}
