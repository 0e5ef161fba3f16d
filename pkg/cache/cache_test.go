package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// MemoryCache
// =============================================================================

func TestNewMemoryCacheDefaults(t *testing.T) {
	c := NewMemoryCache(0, 0)
	assert.Equal(t, 10000, c.maxSize)
	assert.Equal(t, DefaultTTL, c.ttl)
}

func TestMemoryCacheGetSet(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(10, time.Minute)

	_, ok, err := c.Get(ctx, GeneKey("g1"))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, GeneKey("g1"), []byte(`{"id":"g1"}`), 0))
	v, ok, err := c.Get(ctx, GeneKey("g1"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"id":"g1"}`, string(v))

	// returned slices are copies
	v[0] = 'X'
	v2, _, _ := c.Get(ctx, GeneKey("g1"))
	assert.Equal(t, byte('{'), v2[0])

	s := c.Stats()
	assert.Equal(t, uint64(2), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
	assert.Equal(t, 1, s.Size)
	assert.InDelta(t, 66.67, s.HitRate, 0.01)
}

func TestMemoryCacheExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(10, time.Minute)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	require.NoError(t, c.Set(ctx, "short", []byte("v"), time.Second))

	now = now.Add(2 * time.Second)
	_, ok, _ := c.Get(ctx, "short")
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, "k")
	assert.True(t, ok)

	now = now.Add(time.Minute)
	_, ok, _ = c.Get(ctx, "k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestMemoryCacheEvictsLRU(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(2, time.Minute)

	require.NoError(t, c.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), 0))
	_, _, _ = c.Get(ctx, "a")
	require.NoError(t, c.Set(ctx, "c", []byte("3"), 0))

	_, ok, _ := c.Get(ctx, "b")
	assert.False(t, ok, "b was least recently used")
	_, ok, _ = c.Get(ctx, "a")
	assert.True(t, ok)
	_, ok, _ = c.Get(ctx, "c")
	assert.True(t, ok)
}

func TestMemoryCacheDelete(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(10, time.Minute)
	require.NoError(t, c.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, c.Delete(ctx, "a"))
	require.NoError(t, c.Delete(ctx, "missing"))
	_, ok, _ := c.Get(ctx, "a")
	assert.False(t, ok)
}

func TestMemoryCacheCancelledContext(t *testing.T) {
	c := NewMemoryCache(10, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := c.Get(ctx, "a")
	assert.Error(t, err)
	assert.Error(t, c.Set(ctx, "a", nil, 0))
	assert.Error(t, c.Delete(ctx, "a"))
}

func TestMemoryCacheConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(50, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				key := fmt.Sprintf("k%d", (n*j)%100)
				_ = c.Set(ctx, key, []byte(key), 0)
				_, _, _ = c.Get(ctx, key)
				if j%10 == 0 {
					_ = c.Delete(ctx, key)
				}
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 50)
}

// =============================================================================
// BadgerCache
// =============================================================================

func TestBadgerCache(t *testing.T) {
	ctx := context.Background()
	c, err := OpenBadgerCache(BadgerCacheOptions{InMemory: true, TTL: time.Minute})
	require.NoError(t, err)
	defer c.Close()

	var _ Cache = c

	_, ok, err := c.Get(ctx, GeneKey("g1"))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, GeneKey("g1"), []byte("snapshot"), 0))
	v, ok, err := c.Get(ctx, GeneKey("g1"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "snapshot", string(v))
	assert.Equal(t, 1, c.Stats().Size)

	require.NoError(t, c.Delete(ctx, GeneKey("g1")))
	_, ok, err = c.Get(ctx, GeneKey("g1"))
	require.NoError(t, err)
	assert.False(t, ok)

	s := c.Stats()
	assert.Equal(t, "badger", s.Backend)
	assert.Equal(t, uint64(1), s.Hits)
	assert.Equal(t, uint64(2), s.Misses)
}

func TestBadgerCacheClosedIsUnavailable(t *testing.T) {
	c, err := OpenBadgerCache(BadgerCacheOptions{InMemory: true})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, _, err = c.Get(context.Background(), "k")
	assert.Error(t, err)
}
