package cache

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// LRU is a bounded, size-capped in-process cache. Eviction is
// least-recently-used; there is no TTL. Safe for concurrent use.
type LRU[K comparable, V any] struct {
	inner *lru.Cache[K, V]
}

// NewLRU creates an LRU cache holding at most size entries.
func NewLRU[K comparable, V any](size int) (*LRU[K, V], error) {
	inner, err := lru.New[K, V](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &LRU[K, V]{inner: inner}, nil
}

// Get returns the cached value for key, if resident.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	return c.inner.Get(key)
}

// Add stores a value, evicting the least recently used entry at capacity.
func (c *LRU[K, V]) Add(key K, value V) {
	c.inner.Add(key, value)
}

// Remove evicts a single key.
func (c *LRU[K, V]) Remove(key K) {
	c.inner.Remove(key)
}

// Purge drops every entry.
func (c *LRU[K, V]) Purge() {
	c.inner.Purge()
}

// Len returns the number of resident entries.
func (c *LRU[K, V]) Len() int {
	return c.inner.Len()
}

// RedisTTL is a bounded, TTL-indexed string cache shared between
// processes. Every entry expires after the configured TTL. Capacity is
// enforced through an index set: members whose underlying entry has
// expired are pruned opportunistically before each write, and writes
// beyond the cap are skipped (a shared cache write is best-effort, the
// authoritative store stays correct).
type RedisTTL struct {
	rdb      *redis.Client
	prefix   string
	ttl      time.Duration
	capacity int
}

// NewRedisTTL creates a shared TTL cache. All keys are namespaced under
// prefix; the index set lives at <prefix>:index.
func NewRedisTTL(rdb *redis.Client, prefix string, ttl time.Duration, capacity int) *RedisTTL {
	return &RedisTTL{rdb: rdb, prefix: prefix, ttl: ttl, capacity: capacity}
}

func (c *RedisTTL) key(k string) string {
	return c.prefix + ":" + k
}

func (c *RedisTTL) indexKey() string {
	return c.prefix + ":index"
}

// setScript writes an entry unless doing so would grow the index past
// the cap. Checking and writing in one atomic step keeps the bound exact
// under concurrent writers; overwriting a resident entry is always
// allowed. Returns 0 when skipped at capacity, 1 on write.
var setScript = redis.NewScript(`
if redis.call("exists", KEYS[1]) == 0 and redis.call("scard", KEYS[2]) >= tonumber(ARGV[2]) then
	return 0
end
redis.call("set", KEYS[1], ARGV[1], "PX", ARGV[3])
redis.call("sadd", KEYS[2], KEYS[1])
return 1
`)

// Get returns the cached value for key, with a hit indicator.
func (c *RedisTTL) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, c.key(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("shared cache get: %w", err)
	}
	return val, true, nil
}

// Set stores a value with the configured TTL, subject to the capacity
// cap. At capacity the write is skipped rather than evicting; readers
// fall through to the authoritative store.
func (c *RedisTTL) Set(ctx context.Context, key, value string) error {
	if err := c.prune(ctx); err != nil {
		return err
	}

	if err := setScript.Run(ctx, c.rdb, []string{c.key(key), c.indexKey()},
		value, c.capacity, c.ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("shared cache set: %w", err)
	}
	return nil
}

// Delete removes a key and its index entry. Missing target is success.
func (c *RedisTTL) Delete(ctx context.Context, key string) error {
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, c.key(key))
	pipe.SRem(ctx, c.indexKey(), c.key(key))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("shared cache delete: %w", err)
	}
	return nil
}

// prune drops index members whose entry has expired.
func (c *RedisTTL) prune(ctx context.Context) error {
	members, err := c.rdb.SMembers(ctx, c.indexKey()).Result()
	if err != nil {
		return fmt.Errorf("shared cache prune: %w", err)
	}
	for _, member := range members {
		n, err := c.rdb.Exists(ctx, member).Result()
		if err != nil {
			return fmt.Errorf("shared cache prune: %w", err)
		}
		if n == 0 {
			if err := c.rdb.SRem(ctx, c.indexKey(), member).Err(); err != nil {
				return fmt.Errorf("shared cache prune: %w", err)
			}
		}
	}
	return nil
}
