package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, DefaultConfig())
	require.NoError(t, err)

	if err := store.Ping(context.Background()); err != nil {
		t.Skipf("redis not reachable: %v", err)
	}
	return store
}

func testKey(suffix string) string {
	return fmt.Sprintf("quotagate-test:%s:%s", uuid.NewString(), suffix)
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	assert.Error(t, err)
}

func TestIncrementSetsTTLOnceOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := testKey("incr")
	defer store.Delete(ctx, key)

	count, first, err := store.Increment(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.WithinDuration(t, time.Now().Add(time.Minute), first, 2*time.Second)

	// A longer TTL on the second increment must not move the window end.
	count, second, err := store.Increment(ctx, key, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.WithinDuration(t, first, second, 2*time.Second)
}

func TestGetSetDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := testKey("getset")
	defer store.Delete(ctx, key)

	_, found, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Set(ctx, key, 42, time.Minute))

	count, found, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(42), count)

	require.NoError(t, store.Delete(ctx, key))
	_, found, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestShortTTLExpires(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := testKey("expiry")

	_, _, err := store.Increment(ctx, key, 100*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)

	_, found, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestKeysScan(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := testKey("scan")
	for i := 0; i < 3; i++ {
		k := fmt.Sprintf("%s:%d", base, i)
		require.NoError(t, store.Set(ctx, k, 1, time.Minute))
		defer store.Delete(ctx, k)
	}

	keys, err := store.Keys(ctx, base+":*")
	require.NoError(t, err)
	assert.Len(t, keys, 3)
}

func TestKeyPrefixIsTransparent(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	t.Cleanup(func() { _ = client.Close() })

	cfg := DefaultConfig()
	cfg.KeyPrefix = "appA:"
	store, err := New(client, cfg)
	require.NoError(t, err)
	if err := store.Ping(context.Background()); err != nil {
		t.Skipf("redis not reachable: %v", err)
	}

	ctx := context.Background()
	key := testKey("prefixed")
	defer store.Delete(ctx, key)

	require.NoError(t, store.Set(ctx, key, 7, time.Minute))

	keys, err := store.Keys(ctx, key)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, key, keys[0], "callers must never see the prefix")
}
