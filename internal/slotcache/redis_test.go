package slotcache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hsematch/scheduling/internal/availability"
	"github.com/hsematch/scheduling/pkg/logging"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *Redis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedis(client, 5*time.Minute, logging.Default())
}

func TestRedisRoundTripAndTTL(t *testing.T) {
	mr, cache := newTestRedis(t)
	ctx := context.Background()
	key := "availability:prov-1:abc"

	cache.Set(ctx, key, sampleSlots("prov-1"))
	got, ok := cache.Get(ctx, key)
	require.True(t, ok)
	require.Len(t, got, 1)
	assert.Equal(t, availability.SlotAvailable, got[0].Status)
	assert.Equal(t, 5*time.Minute, mr.TTL(key))

	mr.FastForward(5 * time.Minute)
	_, ok = cache.Get(ctx, key)
	assert.False(t, ok)
}

func TestRedisInvalidateProvider(t *testing.T) {
	mr, cache := newTestRedis(t)
	ctx := context.Background()

	cache.Set(ctx, "availability:prov-1:aaa", sampleSlots("prov-1"))
	cache.Set(ctx, "availability:prov-1:bbb", sampleSlots("prov-1"))
	cache.Set(ctx, "availability:prov-2:ccc", sampleSlots("prov-2"))

	cache.InvalidateProvider(ctx, "prov-1")

	assert.False(t, mr.Exists("availability:prov-1:aaa"))
	assert.False(t, mr.Exists("availability:prov-1:bbb"))
	assert.True(t, mr.Exists("availability:prov-2:ccc"))
}

func TestRedisEmptyResultIsAHit(t *testing.T) {
	_, cache := newTestRedis(t)
	ctx := context.Background()
	cache.Set(ctx, "availability:prov-1:none", nil)
	got, ok := cache.Get(ctx, "availability:prov-1:none")
	assert.True(t, ok)
	assert.Empty(t, got)
}

func TestRedisCorruptEntryIsAMiss(t *testing.T) {
	mr, cache := newTestRedis(t)
	require.NoError(t, mr.Set("availability:prov-1:bad", "{not json"))
	_, ok := cache.Get(context.Background(), "availability:prov-1:bad")
	assert.False(t, ok)
}

func TestRedisUnavailableDegradesToMiss(t *testing.T) {
	mr, cache := newTestRedis(t)
	mr.Close()
	ctx := context.Background()
	cache.Set(ctx, "availability:prov-1:x", sampleSlots("prov-1"))
	_, ok := cache.Get(ctx, "availability:prov-1:x")
	assert.False(t, ok)
	cache.InvalidateProvider(ctx, "prov-1")
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `prov\*1\?`, escapeGlob("prov*1?"))
}
