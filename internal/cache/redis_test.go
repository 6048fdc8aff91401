package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	r := NewRedisFromClient(client)
	t.Cleanup(func() { _ = r.Close() })
	return r, srv
}

func TestRedisRoundTrip(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "eta:BUS001:STOP1", []byte(`{"eta_minutes":6}`), 30*time.Second))

	data, err := r.Get(ctx, "eta:BUS001:STOP1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"eta_minutes":6}`, string(data))

	ok, err := r.Exists(ctx, "eta:BUS001:STOP1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisMissReturnsNil(t *testing.T) {
	r, _ := newTestRedis(t)

	data, err := r.Get(context.Background(), "gps:latest:nobody")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestRedisTTLExpiry(t *testing.T) {
	r, srv := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, LastSeenKey("BUS001"), []byte("1"), time.Minute))
	srv.FastForward(61 * time.Second)

	data, err := r.Get(ctx, LastSeenKey("BUS001"))
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestRedisDelAndPing(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "k", []byte("v"), 0))
	require.NoError(t, r.Del(ctx, "k"))

	ok, err := r.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, r.Ping(ctx))
}

func TestRedisPingFailsWhenServerGone(t *testing.T) {
	r, srv := newTestRedis(t)
	srv.Close()

	err := r.Ping(context.Background())
	assert.Error(t, err)
}

func TestRedisStats(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := r.Get(ctx, LatestPositionKey("BUS001"))
		require.NoError(t, err)
	}

	stats := r.Stats()
	assert.GreaterOrEqual(t, stats.TotalConns, uint32(1))
	assert.Positive(t, stats.Hits+stats.Misses)
}
