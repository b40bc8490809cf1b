package bid

import (
	"context"
	"time"

	"github.com/anchapin/ai-freelance-platform-sub002/internal/coord"
	"github.com/anchapin/ai-freelance-platform-sub002/internal/obs"
)

// GateConfig carries the gate's timing knobs. Zero values fall back to
// the production defaults.
type GateConfig struct {
	FreshnessTTL   time.Duration // default 24h
	LockTTL        time.Duration // default 300s
	AcquireTimeout time.Duration // default 10s
}

func (c GateConfig) withDefaults() GateConfig {
	if c.FreshnessTTL <= 0 {
		c.FreshnessTTL = 24 * time.Hour
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 300 * time.Second
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 10 * time.Second
	}
	return c
}

// Gate decides whether a worker should act on a posting. Two layers:
// the distributed lock narrows the race window, the ACTIVE-row check
// (backed by the partial unique index at insert time) is the ground
// truth. The lock alone cannot prevent duplicates once a lease expires
// mid-action.
type Gate struct {
	locks   *coord.Manager
	bids    *Store
	cfg     GateConfig
	logger  *obs.Logger
	metrics *obs.Metrics
	now     func() time.Time
}

func NewGate(locks *coord.Manager, bids *Store, cfg GateConfig, logger *obs.Logger, metrics *obs.Metrics) *Gate {
	return &Gate{
		locks:   locks,
		bids:    bids,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// ShouldAct returns Proceed with a held lease, or a skip decision. The
// freshness check runs first so stale snapshots never cost a lock
// attempt. On Proceed the caller owns the lease until both the external
// action and the bid insert have completed.
func (g *Gate) ShouldAct(ctx context.Context, marketplaceID, postingID string, postingCachedAt time.Time) (Decision, error) {
	start := time.Now()

	if g.now().Sub(postingCachedAt) > g.cfg.FreshnessTTL {
		g.observe(SkipStale, marketplaceID, postingID, start)
		return Decision{Kind: SkipStale}, nil
	}

	key := LockKey(marketplaceID, postingID)
	lease, ok, err := g.locks.Acquire(ctx, key, g.cfg.LockTTL, g.cfg.AcquireTimeout)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		// Contention: someone else is likely handling this posting.
		g.observe(SkipDuplicate, marketplaceID, postingID, start)
		return Decision{Kind: SkipDuplicate}, nil
	}

	_, found, err := g.bids.FindActive(ctx, marketplaceID, postingID)
	if err != nil {
		g.releaseQuiet(ctx, lease)
		return Decision{}, err
	}
	if found {
		g.releaseQuiet(ctx, lease)
		g.observe(SkipDuplicate, marketplaceID, postingID, start)
		return Decision{Kind: SkipDuplicate}, nil
	}

	g.observe(Proceed, marketplaceID, postingID, start)
	return Decision{Kind: Proceed, Lease: lease}, nil
}

// Release gives back a lease handed out by ShouldAct.
func (g *Gate) Release(ctx context.Context, lease coord.Lease) {
	g.releaseQuiet(ctx, lease)
}

func (g *Gate) releaseQuiet(ctx context.Context, lease coord.Lease) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	_, _ = g.locks.Release(rctx, lease)
}

func (g *Gate) observe(kind DecisionKind, marketplaceID, postingID string, start time.Time) {
	if g.metrics != nil {
		g.metrics.GateDecisions.WithLabelValues(string(kind)).Inc()
		g.metrics.OpLatencyMS.WithLabelValues("gate").Observe(float64(time.Since(start).Milliseconds()))
	}
	if g.logger != nil {
		g.logger.Info(map[string]interface{}{
			"op":          "gate_decision",
			"marketplace": marketplaceID,
			"posting":     postingID,
			"decision":    string(kind),
			"latency_ms":  time.Since(start).Milliseconds(),
		})
	}
}
