package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newManager(t *testing.T, capacity int) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewManager(rdb, capacity), mr
}

func TestAcquireRelease(t *testing.T) {
	m, _ := newManager(t, 4)
	ctx := context.Background()

	token, ok, err := m.Acquire(ctx, "user", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Acquire() = %v, %v", ok, err)
	}
	if token == "" {
		t.Fatal("Acquire() returned empty token")
	}

	// Second acquisition of the same domain is refused, not an error.
	_, ok, err = m.Acquire(ctx, "USER", time.Minute)
	if err != nil {
		t.Fatalf("contended Acquire() error = %v", err)
	}
	if ok {
		t.Error("contended Acquire() should fail")
	}

	released, err := m.Release(ctx, "user", token)
	if err != nil || !released {
		t.Fatalf("Release() = %v, %v", released, err)
	}

	// Lock is free again.
	_, ok, err = m.Acquire(ctx, "user", time.Minute)
	if err != nil || !ok {
		t.Errorf("Acquire() after release = %v, %v", ok, err)
	}
}

func TestReleaseWrongToken(t *testing.T) {
	m, _ := newManager(t, 4)
	ctx := context.Background()

	token, ok, err := m.Acquire(ctx, "user", time.Minute)
	if err != nil || !ok {
		t.Fatal(err)
	}

	released, err := m.Release(ctx, "user", "not-the-token")
	if err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if released {
		t.Error("Release() with a foreign token must not free the lock")
	}

	// The rightful holder can still release.
	released, err = m.Release(ctx, "user", token)
	if err != nil || !released {
		t.Errorf("Release() with owning token = %v, %v", released, err)
	}
}

func TestLockExpiry(t *testing.T) {
	m, mr := newManager(t, 4)
	ctx := context.Background()

	token, ok, err := m.Acquire(ctx, "user", time.Second)
	if err != nil || !ok {
		t.Fatal(err)
	}

	mr.FastForward(2 * time.Second)

	// Another caller acquires the expired lock.
	_, ok, err = m.Acquire(ctx, "user", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Acquire() after expiry = %v, %v", ok, err)
	}

	// The original token no longer releases it.
	released, err := m.Release(ctx, "user", token)
	if err != nil {
		t.Fatal(err)
	}
	if released {
		t.Error("stale token released a re-acquired lock")
	}
}

func TestCapacity(t *testing.T) {
	m, mr := newManager(t, 2)
	ctx := context.Background()

	for _, domain := range []string{"a", "b"} {
		if _, ok, err := m.Acquire(ctx, domain, time.Second); err != nil || !ok {
			t.Fatalf("Acquire(%s) = %v, %v", domain, ok, err)
		}
	}

	// Cap reached: refusal, not error.
	_, ok, err := m.Acquire(ctx, "c", time.Second)
	if err != nil {
		t.Fatalf("Acquire() at capacity error = %v", err)
	}
	if ok {
		t.Error("Acquire() beyond capacity should be refused")
	}

	// Expired locks are pruned from the count.
	mr.FastForward(2 * time.Second)
	_, ok, err = m.Acquire(ctx, "c", time.Minute)
	if err != nil || !ok {
		t.Errorf("Acquire() after expiry prune = %v, %v", ok, err)
	}
}
