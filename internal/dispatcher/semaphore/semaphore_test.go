package semaphore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"judgedispatch/internal/common/cache"
	appErr "judgedispatch/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newStore(t *testing.T) (*cache.RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	rc, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return rc, mr
}

func TestAcquireRespectsLimitUnderContention(t *testing.T) {
	store, _ := newStore(t)
	const limit = 2
	sem, err := New(store, Config{Name: "contention", Limit: limit, RetryInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("new semaphore: %v", err)
	}

	var inFlight, maxSeen atomic.Int64
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := context.Background()
			lease, err := sem.Acquire(ctx, 10*time.Second)
			if err != nil {
				errs <- err
				return
			}
			cur := inFlight.Add(1)
			for {
				prev := maxSeen.Load()
				if cur <= prev || maxSeen.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			inFlight.Add(-1)
			if err := sem.Release(ctx, lease); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("unexpected error: %v", err)
	}
	if maxSeen.Load() > limit {
		t.Fatalf("observed %d concurrent leases with limit %d", maxSeen.Load(), limit)
	}
	if maxSeen.Load() == 0 {
		t.Fatalf("no lease was ever held")
	}
}

func TestAcquireNonBlockingFailsWhenFull(t *testing.T) {
	store, _ := newStore(t)
	sem, _ := New(store, Config{Name: "full", Limit: 1, NonBlocking: true})
	ctx := context.Background()

	if _, err := sem.Acquire(ctx, time.Second); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	_, err := sem.Acquire(ctx, time.Second)
	if !appErr.Is(err, appErr.NoNodeAvailable) {
		t.Fatalf("expected NoNodeAvailable, got %v", err)
	}
}

func TestBlockingAcquireWaitsForRelease(t *testing.T) {
	store, _ := newStore(t)
	sem, _ := New(store, Config{Name: "wait", Limit: 1, RetryInterval: 5 * time.Millisecond})
	ctx := context.Background()

	first, err := sem.Acquire(ctx, time.Second)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = sem.Release(ctx, first)
	}()

	start := time.Now()
	if _, err := sem.Acquire(ctx, 2*time.Second); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("second acquire did not wait for release, elapsed %v", elapsed)
	}
}

func TestBlockingAcquireGivesUpAfterBudget(t *testing.T) {
	store, _ := newStore(t)
	sem, _ := New(store, Config{Name: "budget", Limit: 1, RetryInterval: 5 * time.Millisecond})
	ctx := context.Background()

	if _, err := sem.Acquire(ctx, time.Second); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	start := time.Now()
	_, err := sem.Acquire(ctx, 30*time.Millisecond)
	if !appErr.Is(err, appErr.NoNodeAvailable) {
		t.Fatalf("expected NoNodeAvailable, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("acquire overran its budget: %v", elapsed)
	}
}

func TestExpiredLeaseStopsCounting(t *testing.T) {
	store, _ := newStore(t)
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	sem, _ := New(store, Config{Name: "expiry", Limit: 1, LeaseTimeout: 10 * time.Second, NonBlocking: true}, WithClock(clock))
	ctx := context.Background()

	if _, err := sem.Acquire(ctx, 0); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := sem.Acquire(ctx, 0); err == nil {
		t.Fatalf("second acquire should fail while first lease is live")
	}

	now = now.Add(11 * time.Second)
	if _, err := sem.Acquire(ctx, 0); err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	if err := sem.Cleanup(ctx); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	n, err := store.ZCard(ctx, keyPrefix+"expiry")
	if err != nil {
		t.Fatalf("zcard: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected stale lease purged, %d leases remain", n)
	}
}

func TestAcquireFailsFastWhenStoreDown(t *testing.T) {
	store, mr := newStore(t)
	sem, _ := New(store, Config{Name: "down", Limit: 1})
	mr.Close()

	start := time.Now()
	_, err := sem.Acquire(context.Background(), 10*time.Second)
	if !appErr.Is(err, appErr.NoNodeAvailable) {
		t.Fatalf("expected NoNodeAvailable, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("acquire blocked on an unreachable store for %v", elapsed)
	}
}

func TestZeroLimitNeverAdmits(t *testing.T) {
	store, _ := newStore(t)
	sem, _ := New(store, Config{Name: "zero", NonBlocking: true})
	if _, err := sem.Acquire(context.Background(), 0); !appErr.Is(err, appErr.NoNodeAvailable) {
		t.Fatalf("expected NoNodeAvailable, got %v", err)
	}
	sem.SetLimit(1)
	if _, err := sem.Acquire(context.Background(), 0); err != nil {
		t.Fatalf("acquire after raising limit: %v", err)
	}
}

func TestUnboundedAcquireWaitsUntilRelease(t *testing.T) {
	store, _ := newStore(t)
	sem, _ := New(store, Config{Name: "unbounded", Limit: 1, RetryInterval: 5 * time.Millisecond})
	ctx := context.Background()

	first, err := sem.Acquire(ctx, 0)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = sem.Release(ctx, first)
	}()

	start := time.Now()
	if _, err := sem.Acquire(ctx, 0); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("second acquire returned before release, elapsed %v", elapsed)
	}
}

func TestUnboundedAcquireStopsOnCancel(t *testing.T) {
	store, _ := newStore(t)
	sem, _ := New(store, Config{Name: "cancel", Limit: 1, RetryInterval: 5 * time.Millisecond})
	if _, err := sem.Acquire(context.Background(), 0); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := sem.Acquire(ctx, 0); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
