package coord_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anchapin/ai-freelance-platform-sub002/internal/coord"
	"github.com/anchapin/ai-freelance-platform-sub002/internal/storage"
)

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "coord_test.db")

	db, err := storage.Open(context.Background(), storage.Config{
		Path:         dbPath,
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 20,
		MaxIdleConns: 20,
	})
	if err != nil {
		t.Fatalf("db open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newManager(t *testing.T, db *storage.DB, opts coord.Options) *coord.Manager {
	t.Helper()
	return coord.NewManager(coord.NewSQLiteStore(db.DB), nil, nil, opts)
}

func TestMutualExclusion(t *testing.T) {
	db := openTestDB(t)
	m := newManager(t, db, coord.Options{
		TTL:            2 * time.Second,
		AcquireTimeout: 60 * time.Millisecond,
		RetryMin:       20 * time.Millisecond,
	})

	const (
		key     = "bid:lock:mp1:hotposting"
		workers = 30
	)
	testDur := 2 * time.Second

	var (
		inCS       int64
		violations int64
		acquireOK  int64
		acquireNo  int64
		opErrors   int64
	)

	ctx, cancel := context.WithTimeout(context.Background(), testDur)
	defer cancel()

	wg := sync.WaitGroup{}
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				lease, ok, err := m.Acquire(ctx, key, 2*time.Second, 60*time.Millisecond)
				if err != nil {
					if ctx.Err() == nil {
						atomic.AddInt64(&opErrors, 1)
					}
					continue
				}
				if !ok {
					atomic.AddInt64(&acquireNo, 1)
					continue
				}
				atomic.AddInt64(&acquireOK, 1)

				// Exactly one worker may be inside at any instant.
				if atomic.AddInt64(&inCS, 1) > 1 {
					atomic.AddInt64(&violations, 1)
				}
				time.Sleep(3 * time.Millisecond)
				atomic.AddInt64(&inCS, -1)

				if _, err := m.Release(context.Background(), lease); err != nil {
					atomic.AddInt64(&opErrors, 1)
				}
			}
		}()
	}
	wg.Wait()

	if violations != 0 {
		t.Fatalf("mutual exclusion violated %d times (acquired=%d)", violations, acquireOK)
	}
	if acquireOK == 0 {
		t.Fatalf("no acquisitions at all; test exercised nothing (fail=%d errs=%d)", acquireNo, opErrors)
	}
	if acquireNo == 0 {
		t.Logf("warning: no contention observed (acquired=%d)", acquireOK)
	}
	if opErrors != 0 {
		t.Fatalf("operational errors: %d", opErrors)
	}
}

func TestLeaseExpiryAllowsReacquire(t *testing.T) {
	db := openTestDB(t)
	m := newManager(t, db, coord.Options{})

	ctx := context.Background()
	key := "bid:lock:mp1:post1"

	// A acquires with a short lease and never releases (simulated crash).
	_, ok, err := m.Acquire(ctx, key, 300*time.Millisecond, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("A acquire err: %v", err)
	}
	if !ok {
		t.Fatalf("A expected acquired=true")
	}

	// Before expiry, B must fail.
	_, ok, err = m.Acquire(ctx, key, 300*time.Millisecond, 60*time.Millisecond)
	if err != nil {
		t.Fatalf("B early acquire err: %v", err)
	}
	if ok {
		t.Fatalf("B acquired while A's lease is live")
	}

	// After expiry, B must succeed without any release from A.
	time.Sleep(400 * time.Millisecond)
	leaseB, ok, err := m.Acquire(ctx, key, 300*time.Millisecond, 1*time.Second)
	if err != nil {
		t.Fatalf("B late acquire err: %v", err)
	}
	if !ok {
		t.Fatalf("B expected acquired=true after A's lease expired")
	}
	if _, err := m.Release(ctx, leaseB); err != nil {
		t.Fatalf("B release err: %v", err)
	}
}

func TestStaleReleaseCannotClobberNewHolder(t *testing.T) {
	db := openTestDB(t)
	store := coord.NewSQLiteStore(db.DB)
	m := coord.NewManager(store, nil, nil, coord.Options{})

	ctx := context.Background()
	key := "bid:lock:mp1:post2"

	leaseA, ok, err := m.Acquire(ctx, key, 150*time.Millisecond, 100*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("A acquire: ok=%v err=%v", ok, err)
	}

	time.Sleep(250 * time.Millisecond) // A's lease expires

	leaseB, ok, err := m.Acquire(ctx, key, 5*time.Second, 1*time.Second)
	if err != nil || !ok {
		t.Fatalf("B acquire: ok=%v err=%v", ok, err)
	}
	if leaseB.Holder == leaseA.Holder {
		t.Fatalf("expected distinct holder tokens")
	}

	// A's stale release must not touch B's lock. It logs and returns
	// false, it does not raise.
	released, err := m.Release(ctx, leaseA)
	if err != nil {
		t.Fatalf("A stale release err: %v", err)
	}
	if released {
		t.Fatalf("stale release must not succeed")
	}

	entry, held, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get err: %v", err)
	}
	if !held {
		t.Fatalf("expected lock still held by B")
	}
	if entry.Value != leaseB.Holder {
		t.Fatalf("expected holder=%s got %s", leaseB.Holder, entry.Value)
	}
}

func TestAcquireTimeoutIsBounded(t *testing.T) {
	db := openTestDB(t)
	m := newManager(t, db, coord.Options{})

	ctx := context.Background()
	key := "bid:lock:mp1:post3"

	if _, ok, err := m.Acquire(ctx, key, 10*time.Second, 1*time.Second); err != nil || !ok {
		t.Fatalf("holder acquire: ok=%v err=%v", ok, err)
	}

	start := time.Now()
	_, ok, err := m.Acquire(ctx, key, 10*time.Second, 300*time.Millisecond)
	if err != nil {
		t.Fatalf("contender acquire err: %v", err)
	}
	if ok {
		t.Fatalf("contender must not acquire a held lock")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("acquire blocked %s past its 300ms timeout", elapsed)
	}
}

func TestWithLockReleasesOnEveryPath(t *testing.T) {
	db := openTestDB(t)
	m := newManager(t, db, coord.Options{})

	ctx := context.Background()
	key := "bid:lock:mp1:post4"
	boom := errors.New("boom")

	err := m.WithLock(ctx, key, 10*time.Second, 1*time.Second, func(ctx context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error back, got %v", err)
	}

	// The error path must have released; an immediate reacquire succeeds.
	err = m.WithLock(ctx, key, 10*time.Second, 200*time.Millisecond, func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("reacquire after error path failed: %v", err)
	}

	// Cancellation path releases too.
	cctx, cancel := context.WithCancel(ctx)
	err = m.WithLock(cctx, key, 10*time.Second, 200*time.Millisecond, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	err = m.WithLock(ctx, key, 10*time.Second, 200*time.Millisecond, func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("reacquire after cancellation path failed: %v", err)
	}
}

func TestWithLockContention(t *testing.T) {
	db := openTestDB(t)
	m := newManager(t, db, coord.Options{})

	ctx := context.Background()
	key := "bid:lock:mp1:post5"

	if _, ok, err := m.Acquire(ctx, key, 10*time.Second, 200*time.Millisecond); err != nil || !ok {
		t.Fatalf("holder acquire: ok=%v err=%v", ok, err)
	}

	err := m.WithLock(ctx, key, 10*time.Second, 150*time.Millisecond, func(ctx context.Context) error {
		t.Fatal("fn must not run without the lock")
		return nil
	})
	var na *coord.NotAcquiredError
	if !errors.As(err, &na) {
		t.Fatalf("expected NotAcquiredError, got %v", err)
	}
	if na.Key != key {
		t.Fatalf("expected key %q in error, got %q", key, na.Key)
	}
}

func TestKeepAliveExtendsThenStopsWhenLost(t *testing.T) {
	db := openTestDB(t)
	m := newManager(t, db, coord.Options{})

	ctx := context.Background()
	key := "bid:lock:mp1:post6"

	lease, ok, err := m.Acquire(ctx, key, 300*time.Millisecond, 200*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	hbCtx, cancel := context.WithCancel(ctx)
	errCh := m.KeepAlive(hbCtx, lease, 80*time.Millisecond, 300*time.Millisecond)

	// The lease outlives its original TTL while the heartbeat runs.
	time.Sleep(700 * time.Millisecond)
	_, ok, err = m.Acquire(ctx, key, 300*time.Millisecond, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("probe acquire err: %v", err)
	}
	if ok {
		t.Fatalf("lock acquired by another holder while heartbeating")
	}

	// Stop the heartbeat; after TTL the key frees up.
	cancel()
	for range errCh {
	}
	time.Sleep(450 * time.Millisecond)

	_, ok, err = m.Acquire(ctx, key, 300*time.Millisecond, 1*time.Second)
	if err != nil {
		t.Fatalf("final acquire err: %v", err)
	}
	if !ok {
		t.Fatalf("expected acquire to succeed after heartbeat stopped")
	}
}

func TestConcurrentDistinctKeysDoNotInterfere(t *testing.T) {
	db := openTestDB(t)
	m := newManager(t, db, coord.Options{})

	ctx := context.Background()
	var failed int64

	wg := sync.WaitGroup{}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("bid:lock:mp1:distinct-%d", i)
			lease, ok, err := m.Acquire(ctx, key, 5*time.Second, 2*time.Second)
			if err != nil || !ok {
				atomic.AddInt64(&failed, 1)
				return
			}
			if _, err := m.Release(ctx, lease); err != nil {
				atomic.AddInt64(&failed, 1)
			}
		}(i)
	}
	wg.Wait()

	if failed != 0 {
		t.Fatalf("%d workers failed to acquire distinct keys", failed)
	}
}
