package lock

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()

	release, ok, err := l.TryAcquire(ctx, "timezone", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryAcquire(ctx, "timezone", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder is refused")

	other, ok, err := l.TryAcquire(ctx, "content", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "locks are per name")
	other()

	release()
	release()
	again, ok, err := l.TryAcquire(ctx, "timezone", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	again()
}

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return mr, redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisLocker(t *testing.T) {
	ctx := context.Background()
	mr, client := newMiniredis(t)
	l := NewRedis(client, "geo:lock:", nil)

	release, ok, err := l.TryAcquire(ctx, "structure", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("geo:lock:structure"))

	_, ok, err = l.TryAcquire(ctx, "structure", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	assert.False(t, mr.Exists("geo:lock:structure"))

	_, ok, err = l.TryAcquire(ctx, "structure", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockerExpiryAndStaleRelease(t *testing.T) {
	ctx := context.Background()
	mr, client := newMiniredis(t)
	l := NewRedis(client, "geo:lock:", nil)

	staleRelease, ok, err := l.TryAcquire(ctx, "content", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(31 * time.Second)

	release, ok, err := l.TryAcquire(ctx, "content", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok, "expired lock can be taken over")

	staleRelease()
	assert.True(t, mr.Exists("geo:lock:content"), "old holder must not delete the new lock")

	release()
	assert.False(t, mr.Exists("geo:lock:content"))
}

func TestRedisLockerUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	mr.Close()

	_, ok, err := NewRedis(client, "geo:lock:", nil).TryAcquire(context.Background(), "timezone", time.Minute)
	assert.Error(t, err)
	assert.False(t, ok)
}
