package redisrl

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T, rps float64, burst int) (*Limiter, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	now := time.UnixMilli(1_700_000_000_000)
	l := New(rdb, rps, burst)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAllow_BurstThenDeny(t *testing.T) {
	l, _ := newLimiter(t, 1, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, _, err := l.Allow(ctx, "proj-a")
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, wait, err := l.Allow(ctx, "proj-a")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, time.Second, wait)
}

func TestAllow_Refills(t *testing.T) {
	l, now := newLimiter(t, 2, 1)
	ctx := context.Background()

	ok, _, err := l.Allow(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	ok, _, _ = l.Allow(ctx, "k")
	require.False(t, ok)

	*now = now.Add(500 * time.Millisecond)
	ok, _, err = l.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	l, _ := newLimiter(t, 1, 1)
	ctx := context.Background()

	ok, _, _ := l.Allow(ctx, "a")
	assert.True(t, ok)
	ok, _, _ = l.Allow(ctx, "b")
	assert.True(t, ok)
	ok, _, _ = l.Allow(ctx, "a")
	assert.False(t, ok)
}

func TestAllow_Disabled(t *testing.T) {
	l := New(nil, 0, 10)
	ok, _, err := l.Allow(context.Background(), "any")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllow_RedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	mr.Close()

	_, _, err := New(rdb, 1, 1).Allow(context.Background(), "k")
	assert.Error(t, err)
}
