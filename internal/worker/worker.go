// Package worker composes the evaluate-and-act cycle: circuit breaker,
// session pool, deduplication gate, external action, bid record. Many
// worker processes run this concurrently against the same stores; all
// cross-process correctness lives in the gate and the bids table, none
// of it in this package's ordering.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/anchapin/ai-freelance-platform-sub002/internal/bid"
	"github.com/anchapin/ai-freelance-platform-sub002/internal/breaker"
	"github.com/anchapin/ai-freelance-platform-sub002/internal/obs"
	"github.com/anchapin/ai-freelance-platform-sub002/internal/pool"
)

// Posting is one external job posting snapshot under evaluation.
type Posting struct {
	MarketplaceID string
	PostingID     string
	Target        string    // breaker scope, typically the site URL/domain
	CachedAt      time.Time // when the snapshot was fetched
}

// ErrBidRejected is returned by a Bidder when the target explicitly
// denies the bid, as opposed to failing transiently.
var ErrBidRejected = errors.New("bid rejected by target")

// Bidder performs the external bid action using a pooled session handle.
type Bidder interface {
	PlaceBid(ctx context.Context, h pool.Handle, p Posting) error
}

type Outcome string

const (
	OutcomePlaced      Outcome = "placed"
	OutcomeSkipStale   Outcome = "skip_stale"
	OutcomeSkipDup     Outcome = "skip_duplicate"
	OutcomeCircuitOpen Outcome = "circuit_open"
	OutcomeRejected    Outcome = "rejected"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeFailed      Outcome = "failed"
)

// Result is what one Evaluate cycle produced. Bid is set for placed,
// rejected and duplicate outcomes.
type Result struct {
	Outcome Outcome
	Bid     *bid.Bid
}

type Worker struct {
	cfg     Config
	gate    *bid.Gate
	bids    *bid.Store
	breaker *breaker.Breaker
	pool    *pool.Pool
	bidder  Bidder
	logger  *obs.Logger
}

func New(cfg Config, gate *bid.Gate, bids *bid.Store, brk *breaker.Breaker, p *pool.Pool, bidder Bidder, logger *obs.Logger) *Worker {
	return &Worker{
		cfg:     cfg.WithDefaults(),
		gate:    gate,
		bids:    bids,
		breaker: brk,
		pool:    p,
		bidder:  bidder,
		logger:  logger,
	}
}

// Evaluate runs one "evaluate posting, maybe act" cycle. Skip outcomes
// are common-path results, not errors; the worker simply moves on to the
// next posting. A *pool.ExhaustedError is surfaced to the caller as a
// retryable condition.
func (w *Worker) Evaluate(ctx context.Context, p Posting) (Result, error) {
	if !w.breaker.Allow(p.Target) {
		w.logOutcome(p, OutcomeCircuitOpen, nil)
		return Result{Outcome: OutcomeCircuitOpen}, nil
	}

	h, err := w.pool.Acquire(ctx, w.cfg.PoolAcquireTimeout)
	if err != nil {
		return Result{}, err
	}
	defer w.pool.Release(ctx, h)

	dec, err := w.gate.ShouldAct(ctx, p.MarketplaceID, p.PostingID, p.CachedAt)
	if err != nil {
		return Result{}, err
	}
	switch dec.Kind {
	case bid.SkipStale:
		w.logOutcome(p, OutcomeSkipStale, nil)
		return Result{Outcome: OutcomeSkipStale}, nil
	case bid.SkipDuplicate:
		w.logOutcome(p, OutcomeSkipDup, nil)
		return Result{Outcome: OutcomeSkipDup}, nil
	}

	// Lock held from here; release on every path once the action and the
	// insert have both settled.
	defer w.gate.Release(ctx, dec.Lease)

	if err := w.bidder.PlaceBid(ctx, h, p); err != nil {
		if errors.Is(err, ErrBidRejected) {
			w.breaker.RecordSuccess(p.Target) // target answered; not a fault
			b, rerr := w.recordRejected(ctx, p)
			if rerr != nil {
				return Result{}, rerr
			}
			w.logOutcome(p, OutcomeRejected, nil)
			return Result{Outcome: OutcomeRejected, Bid: b}, nil
		}
		w.breaker.RecordFailure(p.Target)
		w.logOutcome(p, OutcomeFailed, err)
		return Result{Outcome: OutcomeFailed}, err
	}
	w.breaker.RecordSuccess(p.Target)

	b := &bid.Bid{
		MarketplaceID:   p.MarketplaceID,
		PostingID:       p.PostingID,
		PostingCachedAt: p.CachedAt,
	}
	if err := w.bids.InsertActive(ctx, b); err != nil {
		if errors.Is(err, bid.ErrDuplicateActive) {
			// The constraint, not the lock, caught the race. Keep the
			// audit trail.
			audit, aerr := w.bids.RecordDuplicate(ctx, p.MarketplaceID, p.PostingID, p.CachedAt)
			if aerr != nil {
				return Result{}, aerr
			}
			w.logOutcome(p, OutcomeDuplicate, nil)
			return Result{Outcome: OutcomeDuplicate, Bid: audit}, nil
		}
		return Result{}, err
	}

	w.logOutcome(p, OutcomePlaced, nil)
	return Result{Outcome: OutcomePlaced, Bid: b}, nil
}

// recordRejected persists the denied bid so the outcome is queryable:
// inserted ACTIVE, immediately transitioned to REJECTED.
func (w *Worker) recordRejected(ctx context.Context, p Posting) (*bid.Bid, error) {
	b := &bid.Bid{
		MarketplaceID:   p.MarketplaceID,
		PostingID:       p.PostingID,
		PostingCachedAt: p.CachedAt,
	}
	if err := w.bids.InsertActive(ctx, b); err != nil {
		if errors.Is(err, bid.ErrDuplicateActive) {
			return w.bids.RecordDuplicate(ctx, p.MarketplaceID, p.PostingID, p.CachedAt)
		}
		return nil, err
	}
	if err := w.bids.Transition(ctx, b.ID, bid.StatusActive, bid.StatusRejected, ""); err != nil {
		return nil, err
	}
	b.Status = bid.StatusRejected
	return b, nil
}

// MarkRejected applies an asynchronous external denial to an existing
// active bid.
func (w *Worker) MarkRejected(ctx context.Context, bidID string) error {
	return w.bids.Transition(ctx, bidID, bid.StatusActive, bid.StatusRejected, "")
}

func (w *Worker) logOutcome(p Posting, o Outcome, err error) {
	if w.logger == nil {
		return
	}
	fields := map[string]interface{}{
		"op":          "evaluate",
		"marketplace": p.MarketplaceID,
		"posting":     p.PostingID,
		"target":      p.Target,
		"outcome":     string(o),
	}
	if err != nil {
		fields["error"] = err.Error()
		w.logger.Error(fields)
		return
	}
	w.logger.Info(fields)
}
