package counter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConnectedMemory(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory(Config{Name: "test"})
	require.NoError(t, m.Connect())
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestFactory(t *testing.T) {
	tests := []struct {
		typ  string
		want string
	}{
		{"redis", "redis"},
		{"valkey", "valkey"},
		{"memcached", "memcached"},
		{"memory", "memory"},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			store, err := Factory(Config{Type: tt.typ})
			require.NoError(t, err)
			assert.Equal(t, tt.want, store.Type())
			assert.Equal(t, tt.typ, store.Name())
			assert.False(t, store.IsConnected())
		})
	}

	_, err := Factory(Config{Type: "etcd"})
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestMemoryRequiresConnect(t *testing.T) {
	m := NewMemory(Config{})
	ctx := context.Background()

	_, err := m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotConnected)
	_, _, err = m.IncrementBelow(ctx, "k", 1, time.Minute)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestMemoryIncrementAndDecrement(t *testing.T) {
	m := newConnectedMemory(t)
	ctx := context.Background()

	v, err := m.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Zero(t, v)

	v, err = m.Increment(ctx, "k", 3, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	v, err = m.Decrement(ctx, "k", 5)
	require.NoError(t, err)
	assert.Zero(t, v, "decrement floors at zero")

	require.NoError(t, m.Delete(ctx, "k"))
	v, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestMemoryIncrementBelow(t *testing.T) {
	m := newConnectedMemory(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		v, ok, err := m.IncrementBelow(ctx, "k", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(i), v)
	}

	v, ok, err := m.IncrementBelow(ctx, "k", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(3), v)
}

func TestMemoryExpiry(t *testing.T) {
	m := newConnectedMemory(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	_, err := m.Increment(ctx, "k", 5, time.Minute)
	require.NoError(t, err)

	// later increments keep the original expiry
	now = now.Add(30 * time.Second)
	_, err = m.Increment(ctx, "k", 1, time.Minute)
	require.NoError(t, err)

	now = now.Add(31 * time.Second)
	v, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Zero(t, v)

	_, ok, err := m.IncrementBelow(ctx, "k", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryIncrementBelowConcurrent(t *testing.T) {
	m := newConnectedMemory(t)
	ctx := context.Background()

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, err := m.IncrementBelow(ctx, "k", 10, time.Minute); err == nil && ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), admitted.Load())
	v, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(10), v)
}

func TestExpirationSeconds(t *testing.T) {
	assert.Equal(t, int32(0), expirationSeconds(0))
	assert.Equal(t, int32(1), expirationSeconds(200*time.Millisecond))
	assert.Equal(t, int32(7200), expirationSeconds(2*time.Hour))
}
