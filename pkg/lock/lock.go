package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cuemby/keymaster/pkg/log"
	"github.com/cuemby/keymaster/pkg/metrics"
	"github.com/cuemby/keymaster/pkg/types"
)

const (
	lockPrefix = "lock:"
	indexKey   = "locks:index"
)

// releaseScript deletes the lock only while the caller's token is still
// the stored value, and drops the index member in the same atomic step.
// A lock that expired and was re-acquired by another holder is left
// untouched.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	redis.call("srem", KEYS[2], KEYS[1])
	return redis.call("del", KEYS[1])
end
return 0
`)

// acquireScript folds the capacity count and the set-if-absent into one
// atomic step, so two acquirers racing at the cap cannot both slip in.
// Returns -1 at capacity, 0 when the lock is held elsewhere, 1 on
// acquisition.
var acquireScript = redis.NewScript(`
if redis.call("scard", KEYS[2]) >= tonumber(ARGV[2]) then
	return -1
end
if redis.call("set", KEYS[1], ARGV[1], "NX", "PX", ARGV[3]) then
	redis.call("sadd", KEYS[2], KEYS[1])
	return 1
end
return 0
`)

// Manager hands out per-domain mutual exclusion backed by Redis. Each
// acquisition is fenced with a random token; release only succeeds for
// the token that acquired the lock. A global capacity bounds how many
// domains may hold locks at once.
type Manager struct {
	rdb      *redis.Client
	capacity int
	logger   zerolog.Logger
}

// NewManager creates a lock manager with the given concurrent-lock cap.
func NewManager(rdb *redis.Client, capacity int) *Manager {
	return &Manager{
		rdb:      rdb,
		capacity: capacity,
		logger:   log.WithComponent("lock"),
	}
}

func lockKey(domain string) string {
	return lockPrefix + types.NormalizeDomain(domain)
}

// Acquire attempts to take the lock for domain. It returns the fencing
// token and true on success, and false without error when the lock is
// held elsewhere or the global capacity is reached. Transport failures
// are errors.
func (m *Manager) Acquire(ctx context.Context, domain string, ttl time.Duration) (string, bool, error) {
	key := lockKey(domain)

	if err := m.pruneIndex(ctx); err != nil {
		return "", false, err
	}

	token := uuid.NewString()
	n, err := acquireScript.Run(ctx, m.rdb, []string{key, indexKey}, token, m.capacity, ttl.Milliseconds()).Int64()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire lock for %s: %w", domain, err)
	}
	switch n {
	case -1:
		metrics.LockAcquireFailures.WithLabelValues("capacity").Inc()
		m.logger.Warn().Str("domain", domain).Int("capacity", m.capacity).Msg("Lock capacity reached")
		return "", false, nil
	case 0:
		metrics.LockAcquireFailures.WithLabelValues("contended").Inc()
		return "", false, nil
	}

	metrics.ActiveLocks.Inc()
	m.logger.Debug().Str("domain", domain).Msg("Lock acquired")
	return token, true, nil
}

// Release frees the lock for domain if token still owns it. It returns
// false when the lock expired or belongs to another holder.
func (m *Manager) Release(ctx context.Context, domain, token string) (bool, error) {
	key := lockKey(domain)

	n, err := releaseScript.Run(ctx, m.rdb, []string{key, indexKey}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to release lock for %s: %w", domain, err)
	}
	if n == 0 {
		m.logger.Warn().Str("domain", domain).Msg("Lock already expired or stolen at release")
		return false, nil
	}

	metrics.ActiveLocks.Dec()
	m.logger.Debug().Str("domain", domain).Msg("Lock released")
	return true, nil
}

// pruneIndex drops index members whose lock key has already expired, so
// the capacity count reflects live locks only.
func (m *Manager) pruneIndex(ctx context.Context) error {
	members, err := m.rdb.SMembers(ctx, indexKey).Result()
	if err != nil {
		return fmt.Errorf("failed to list held locks: %w", err)
	}
	for _, member := range members {
		n, err := m.rdb.Exists(ctx, member).Result()
		if err != nil {
			return fmt.Errorf("failed to probe lock %s: %w", member, err)
		}
		if n == 0 {
			if err := m.rdb.SRem(ctx, indexKey, member).Err(); err != nil {
				return fmt.Errorf("failed to prune lock %s: %w", member, err)
			}
			metrics.ActiveLocks.Dec()
		}
	}
	return nil
}
