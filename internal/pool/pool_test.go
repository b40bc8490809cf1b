package pool_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anchapin/ai-freelance-platform-sub002/internal/pool"
)

// fakeHandle is a pooled session stand-in with a switchable health bit.
type fakeHandle struct {
	id        int
	unhealthy atomic.Bool
	closed    atomic.Bool
}

func (h *fakeHandle) Healthy(ctx context.Context) bool { return !h.unhealthy.Load() }

func (h *fakeHandle) Close(ctx context.Context) error {
	h.closed.Store(true)
	return nil
}

func newFactory(created *atomic.Int32) pool.Factory {
	return func(ctx context.Context) (pool.Handle, error) {
		n := created.Add(1)
		return &fakeHandle{id: int(n)}, nil
	}
}

func TestInUseNeverExceedsMax(t *testing.T) {
	var created atomic.Int32
	p := pool.New(newFactory(&created), 3, nil, nil)
	ctx := context.Background()

	var inUse, maxInUse, violations int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := p.Acquire(ctx, 5*time.Second)
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			cur := atomic.AddInt64(&inUse, 1)
			if cur > 3 {
				atomic.AddInt64(&violations, 1)
			}
			for {
				old := atomic.LoadInt64(&maxInUse)
				if cur <= old || atomic.CompareAndSwapInt64(&maxInUse, old, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&inUse, -1)
			p.Release(ctx, h)
		}()
	}
	wg.Wait()

	if violations != 0 {
		t.Fatalf("in-use handle count exceeded max (peak %d)", maxInUse)
	}
	if created.Load() > 3 {
		t.Fatalf("factory created %d handles, want at most 3", created.Load())
	}
}

func TestAcquireTimesOutWhenExhausted(t *testing.T) {
	var created atomic.Int32
	p := pool.New(newFactory(&created), 1, nil, nil)
	ctx := context.Background()

	h, err := p.Acquire(ctx, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Release(ctx, h)

	start := time.Now()
	_, err = p.Acquire(ctx, 100*time.Millisecond)
	var exhausted *pool.ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("err = %v, want ExhaustedError", err)
	}
	if exhausted.Max != 1 {
		t.Fatalf("Max = %d, want 1", exhausted.Max)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("exhausted acquire took %s, want roughly the 100ms timeout", elapsed)
	}
}

func TestReleaseUnblocksWaiter(t *testing.T) {
	var created atomic.Int32
	p := pool.New(newFactory(&created), 1, nil, nil)
	ctx := context.Background()

	h, err := p.Acquire(ctx, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	got := make(chan pool.Handle, 1)
	go func() {
		h2, err := p.Acquire(ctx, 5*time.Second)
		if err != nil {
			t.Errorf("waiter Acquire: %v", err)
			return
		}
		got <- h2
	}()

	time.Sleep(50 * time.Millisecond)
	p.Release(ctx, h)

	select {
	case h2 := <-got:
		if h2 != h {
			t.Fatal("waiter should reuse the released handle")
		}
		p.Release(ctx, h2)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never unblocked after release")
	}
}

func TestUnhealthyIdleHandleIsReplaced(t *testing.T) {
	var created atomic.Int32
	p := pool.New(newFactory(&created), 2, nil, nil)
	ctx := context.Background()

	h, err := p.Acquire(ctx, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	fh := h.(*fakeHandle)
	p.Release(ctx, h)

	// Session dies while idle; next acquire must not hand it back.
	fh.unhealthy.Store(true)

	h2, err := p.Acquire(ctx, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Release(ctx, h2)

	if h2 == h {
		t.Fatal("unhealthy handle was handed back out")
	}
	if !fh.closed.Load() {
		t.Fatal("unhealthy handle was not closed on discard")
	}
	if created.Load() != 2 {
		t.Fatalf("factory calls = %d, want 2", created.Load())
	}
}

func TestDiscardFreesSlotForFreshHandle(t *testing.T) {
	var created atomic.Int32
	p := pool.New(newFactory(&created), 1, nil, nil)
	ctx := context.Background()

	h, err := p.Acquire(ctx, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Discard(ctx, h)
	if !h.(*fakeHandle).closed.Load() {
		t.Fatal("discarded handle was not closed")
	}

	h2, err := p.Acquire(ctx, time.Second)
	if err != nil {
		t.Fatalf("Acquire after discard: %v", err)
	}
	defer p.Release(ctx, h2)
	if h2 == h {
		t.Fatal("discarded handle must not be reused")
	}
}

func TestFactoryErrorReturnsSlot(t *testing.T) {
	boom := errors.New("launch failed")
	fail := true
	factory := func(ctx context.Context) (pool.Handle, error) {
		if fail {
			return nil, boom
		}
		return &fakeHandle{}, nil
	}
	p := pool.New(factory, 1, nil, nil)
	ctx := context.Background()

	if _, err := p.Acquire(ctx, time.Second); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want factory error", err)
	}

	// The failed acquire must not leak its slot.
	fail = false
	h, err := p.Acquire(ctx, time.Second)
	if err != nil {
		t.Fatalf("Acquire after factory failure: %v", err)
	}
	p.Release(ctx, h)
}

func TestCloseTearsDownIdleHandles(t *testing.T) {
	var created atomic.Int32
	p := pool.New(newFactory(&created), 2, nil, nil)
	ctx := context.Background()

	h, err := p.Acquire(ctx, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(ctx, h)

	p.Close(ctx)
	if !h.(*fakeHandle).closed.Load() {
		t.Fatal("idle handle survived pool close")
	}
}
