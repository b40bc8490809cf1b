package worker_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/anchapin/ai-freelance-platform-sub002/internal/bid"
	"github.com/anchapin/ai-freelance-platform-sub002/internal/breaker"
	"github.com/anchapin/ai-freelance-platform-sub002/internal/coord"
	"github.com/anchapin/ai-freelance-platform-sub002/internal/pool"
	"github.com/anchapin/ai-freelance-platform-sub002/internal/storage"
	"github.com/anchapin/ai-freelance-platform-sub002/internal/worker"
)

type fakeSession struct{}

func (fakeSession) Healthy(ctx context.Context) bool { return true }
func (fakeSession) Close(ctx context.Context) error  { return nil }

// scriptedBidder answers PlaceBid from a per-call script; an empty script
// means every call succeeds.
type scriptedBidder struct {
	script []error
	calls  int
}

func (b *scriptedBidder) PlaceBid(ctx context.Context, h pool.Handle, p worker.Posting) error {
	b.calls++
	if len(b.script) == 0 {
		return nil
	}
	err := b.script[0]
	b.script = b.script[1:]
	return err
}

type fixture struct {
	worker  *worker.Worker
	bids    *bid.Store
	breaker *breaker.Breaker
	bidder  *scriptedBidder
}

func newFixture(t *testing.T, cfg worker.Config) *fixture {
	t.Helper()

	db, err := storage.Open(context.Background(), storage.Config{
		Path:         filepath.Join(t.TempDir(), "worker_test.db"),
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 20,
		MaxIdleConns: 20,
	})
	if err != nil {
		t.Fatalf("db open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cfg = cfg.WithDefaults()
	locks := coord.NewManager(coord.NewSQLiteStore(db.DB), nil, nil, coord.Options{
		TTL:            cfg.LockTTL,
		AcquireTimeout: cfg.LockAcquireTimeout,
	})
	bids := bid.NewStore(db.DB, nil, nil)
	gate := bid.NewGate(locks, bids, bid.GateConfig{
		FreshnessTTL:   cfg.FreshnessTTL,
		LockTTL:        cfg.LockTTL,
		AcquireTimeout: cfg.LockAcquireTimeout,
	}, nil, nil)

	brk := breaker.New(breaker.Config{
		Threshold: cfg.BreakerThreshold,
		Window:    cfg.BreakerWindow,
		Cooldown:  cfg.BreakerCooldown,
	})
	p := pool.New(func(ctx context.Context) (pool.Handle, error) {
		return fakeSession{}, nil
	}, cfg.PoolMax, nil, nil)

	bidder := &scriptedBidder{}
	return &fixture{
		worker:  worker.New(cfg, gate, bids, brk, p, bidder, nil),
		bids:    bids,
		breaker: brk,
		bidder:  bidder,
	}
}

func freshPosting(marketplace, posting string) worker.Posting {
	return worker.Posting{
		MarketplaceID: marketplace,
		PostingID:     posting,
		Target:        "https://example-market.test",
		CachedAt:      time.Now(),
	}
}

func TestEvaluatePlacesBid(t *testing.T) {
	fx := newFixture(t, worker.Config{})
	ctx := context.Background()

	res, err := fx.worker.Evaluate(ctx, freshPosting("mp1", "post1"))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Outcome != worker.OutcomePlaced {
		t.Fatalf("outcome = %s, want placed", res.Outcome)
	}
	if res.Bid == nil || res.Bid.Status != bid.StatusActive {
		t.Fatalf("result bid = %+v, want persisted ACTIVE bid", res.Bid)
	}

	stored, err := fx.bids.Get(ctx, res.Bid.ID)
	if err != nil {
		t.Fatalf("get stored bid: %v", err)
	}
	if stored.Status != bid.StatusActive {
		t.Fatalf("stored status = %s, want ACTIVE", stored.Status)
	}
}

func TestEvaluateSkipsStalePosting(t *testing.T) {
	fx := newFixture(t, worker.Config{FreshnessTTL: time.Hour})
	ctx := context.Background()

	p := freshPosting("mp1", "post1")
	p.CachedAt = time.Now().Add(-2 * time.Hour)

	res, err := fx.worker.Evaluate(ctx, p)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Outcome != worker.OutcomeSkipStale {
		t.Fatalf("outcome = %s, want skip_stale", res.Outcome)
	}
	if fx.bidder.calls != 0 {
		t.Fatalf("bidder called %d times for a stale posting", fx.bidder.calls)
	}
}

func TestEvaluateSkipsWhenActiveBidExists(t *testing.T) {
	fx := newFixture(t, worker.Config{})
	ctx := context.Background()

	p := freshPosting("mp1", "post1")
	if res, err := fx.worker.Evaluate(ctx, p); err != nil || res.Outcome != worker.OutcomePlaced {
		t.Fatalf("first evaluate: res=%+v err=%v", res, err)
	}

	res, err := fx.worker.Evaluate(ctx, p)
	if err != nil {
		t.Fatalf("second evaluate: %v", err)
	}
	if res.Outcome != worker.OutcomeSkipDup {
		t.Fatalf("outcome = %s, want skip_duplicate", res.Outcome)
	}
	if fx.bidder.calls != 1 {
		t.Fatalf("bidder called %d times, want 1", fx.bidder.calls)
	}
}

func TestEvaluateRecordsRejection(t *testing.T) {
	fx := newFixture(t, worker.Config{})
	fx.bidder.script = []error{worker.ErrBidRejected}
	ctx := context.Background()

	res, err := fx.worker.Evaluate(ctx, freshPosting("mp1", "post1"))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Outcome != worker.OutcomeRejected {
		t.Fatalf("outcome = %s, want rejected", res.Outcome)
	}

	stored, err := fx.bids.Get(ctx, res.Bid.ID)
	if err != nil {
		t.Fatalf("get stored bid: %v", err)
	}
	if stored.Status != bid.StatusRejected {
		t.Fatalf("stored status = %s, want REJECTED", stored.Status)
	}

	// A rejection is terminal, not an active bid: the posting can be bid
	// on again later.
	res2, err := fx.worker.Evaluate(ctx, freshPosting("mp1", "post1"))
	if err != nil {
		t.Fatalf("re-evaluate: %v", err)
	}
	if res2.Outcome != worker.OutcomePlaced {
		t.Fatalf("re-evaluate outcome = %s, want placed", res2.Outcome)
	}
}

func TestRepeatedFailuresOpenBreaker(t *testing.T) {
	fx := newFixture(t, worker.Config{BreakerThreshold: 3})
	boom := errors.New("target unreachable")
	fx.bidder.script = []error{boom, boom, boom}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p := freshPosting("mp1", "post"+string(rune('a'+i)))
		res, err := fx.worker.Evaluate(ctx, p)
		if !errors.Is(err, boom) {
			t.Fatalf("evaluate %d: err = %v, want bidder error", i, err)
		}
		if res.Outcome != worker.OutcomeFailed {
			t.Fatalf("evaluate %d: outcome = %s, want failed", i, res.Outcome)
		}
	}

	res, err := fx.worker.Evaluate(ctx, freshPosting("mp1", "post-final"))
	if err != nil {
		t.Fatalf("evaluate with open breaker: %v", err)
	}
	if res.Outcome != worker.OutcomeCircuitOpen {
		t.Fatalf("outcome = %s, want circuit_open", res.Outcome)
	}
	if fx.bidder.calls != 3 {
		t.Fatalf("bidder called %d times, want 3 (breaker short-circuits)", fx.bidder.calls)
	}
}

func TestMarkRejectedTransitionsActiveBid(t *testing.T) {
	fx := newFixture(t, worker.Config{})
	ctx := context.Background()

	res, err := fx.worker.Evaluate(ctx, freshPosting("mp1", "post1"))
	if err != nil || res.Outcome != worker.OutcomePlaced {
		t.Fatalf("evaluate: res=%+v err=%v", res, err)
	}

	if err := fx.worker.MarkRejected(ctx, res.Bid.ID); err != nil {
		t.Fatalf("mark rejected: %v", err)
	}
	stored, err := fx.bids.Get(ctx, res.Bid.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != bid.StatusRejected {
		t.Fatalf("status = %s, want REJECTED", stored.Status)
	}

	// Second denial for the same bid must fail the transition guard.
	var invalid *bid.InvalidTransitionError
	if err := fx.worker.MarkRejected(ctx, res.Bid.ID); !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want InvalidTransitionError", err)
	}
}
