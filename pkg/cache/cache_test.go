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

func TestLRUBounded(t *testing.T) {
	c, err := NewLRU[string, string](2)
	require.NoError(t, err)

	c.Add("a", "1")
	c.Add("b", "2")
	c.Add("c", "3") // evicts a

	_, ok := c.Get("a")
	assert.False(t, ok, "oldest entry should have been evicted")

	v, ok := c.Get("c")
	assert.True(t, ok)
	assert.Equal(t, "3", v)
	assert.Equal(t, 2, c.Len())

	c.Remove("b")
	_, ok = c.Get("b")
	assert.False(t, ok, "removed entry still resident")

	c.Purge()
	assert.Equal(t, 0, c.Len())
}

func newRedisTTL(t *testing.T, ttl time.Duration, capacity int) (*RedisTTL, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisTTL(rdb, "test", ttl, capacity), mr
}

func TestRedisTTLRoundTrip(t *testing.T) {
	c, _ := newRedisTTL(t, time.Minute, 8)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", "v"))
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	require.NoError(t, c.Delete(ctx, "k"))
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "deleted key still resident")

	// Idempotent delete.
	assert.NoError(t, c.Delete(ctx, "k"))
}

func TestRedisTTLExpiry(t *testing.T) {
	c, mr := newRedisTTL(t, time.Second, 8)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v"))
	mr.FastForward(2 * time.Second)

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "entry should have expired")
}

func TestRedisTTLCapacity(t *testing.T) {
	c, mr := newRedisTTL(t, time.Second, 2)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", "1"))
	require.NoError(t, c.Set(ctx, "b", "2"))

	// At capacity: new key skipped, not an error.
	require.NoError(t, c.Set(ctx, "c", "3"))
	_, ok, err := c.Get(ctx, "c")
	require.NoError(t, err)
	assert.False(t, ok, "write beyond capacity should be skipped")

	// Overwriting a resident key is allowed at capacity.
	require.NoError(t, c.Set(ctx, "a", "1b"))
	v, _, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "1b", v)

	// After expiry the index is pruned and new writes fit again.
	mr.FastForward(2 * time.Second)
	require.NoError(t, c.Set(ctx, "c", "3"))
	v, ok, err = c.Get(ctx, "c")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "3", v)
}
