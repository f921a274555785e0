package failover

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesisflow/quotagate/pkg/quotagate"
	"github.com/thesisflow/quotagate/storage/memory"
)

// flakyStore wraps a memory store and fails every operation while broken.
type flakyStore struct {
	*memory.Store
	mu     sync.Mutex
	broken bool
}

func (f *flakyStore) setBroken(broken bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broken = broken
}

func (f *flakyStore) errIfBroken() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken {
		return errors.New("connection refused")
	}
	return nil
}

func (f *flakyStore) Get(ctx context.Context, key string) (int64, bool, error) {
	if err := f.errIfBroken(); err != nil {
		return 0, false, err
	}
	return f.Store.Get(ctx, key)
}

func (f *flakyStore) Set(ctx context.Context, key string, value int64, ttl time.Duration) error {
	if err := f.errIfBroken(); err != nil {
		return err
	}
	return f.Store.Set(ctx, key, value, ttl)
}

func (f *flakyStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, time.Time, error) {
	if err := f.errIfBroken(); err != nil {
		return 0, time.Time{}, err
	}
	return f.Store.Increment(ctx, key, ttl)
}

func (f *flakyStore) Delete(ctx context.Context, key string) error {
	if err := f.errIfBroken(); err != nil {
		return err
	}
	return f.Store.Delete(ctx, key)
}

func (f *flakyStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	if err := f.errIfBroken(); err != nil {
		return nil, err
	}
	return f.Store.Keys(ctx, pattern)
}

func TestNewRequiresBothStores(t *testing.T) {
	_, err := New(nil, memory.New())
	assert.ErrorIs(t, err, quotagate.ErrStoreUnavailable)

	_, err = New(memory.New(), nil)
	assert.ErrorIs(t, err, quotagate.ErrStoreUnavailable)
}

func TestHealthyPrimaryIsUsed(t *testing.T) {
	primary := &flakyStore{Store: memory.New()}
	fallback := memory.New()
	s, err := New(primary, fallback)
	require.NoError(t, err)

	ctx := context.Background()
	count, _, err := s.Increment(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.False(t, s.Degraded())

	// The fallback saw nothing.
	_, found, err := fallback.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFailureIsTransparent(t *testing.T) {
	primary := &flakyStore{Store: memory.New()}
	s, err := New(primary, memory.New())
	require.NoError(t, err)

	ctx := context.Background()
	primary.setBroken(true)

	// Callers keep getting monotonically increasing counts without errors.
	for i := 1; i <= 5; i++ {
		count, _, err := s.Increment(ctx, "k", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(i), count)
	}
	assert.True(t, s.Degraded())
}

func TestRecoveryClearsDegradation(t *testing.T) {
	primary := &flakyStore{Store: memory.New()}
	s, err := New(primary, memory.New())
	require.NoError(t, err)

	ctx := context.Background()
	primary.setBroken(true)
	_, _, err = s.Increment(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, s.Degraded())

	primary.setBroken(false)
	_, _, err = s.Increment(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, s.Degraded())
}

func TestGetFallsBack(t *testing.T) {
	primary := &flakyStore{Store: memory.New()}
	fallback := memory.New()
	s, err := New(primary, fallback)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, fallback.Set(ctx, "k", 9, time.Minute))

	primary.setBroken(true)
	count, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(9), count)
}

func TestDeleteClearsBothSides(t *testing.T) {
	primary := &flakyStore{Store: memory.New()}
	fallback := memory.New()
	s, err := New(primary, fallback)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, primary.Set(ctx, "k", 1, time.Minute))
	require.NoError(t, fallback.Set(ctx, "k", 1, time.Minute))

	require.NoError(t, s.Delete(ctx, "k"))

	_, found, _ := primary.Store.Get(ctx, "k")
	assert.False(t, found)
	_, found, _ = fallback.Get(ctx, "k")
	assert.False(t, found)
}

func TestConcurrentIncrementsDuringFailover(t *testing.T) {
	primary := &flakyStore{Store: memory.New()}
	s, err := New(primary, memory.New())
	require.NoError(t, err)

	ctx := context.Background()
	primary.setBroken(true)

	const total = 100
	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.Increment(ctx, "shared", time.Minute)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	count, found, err := s.Get(ctx, "shared")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(total), count)
}
