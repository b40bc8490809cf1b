package coord

import (
	"context"
	"database/sql"
	"time"

	"github.com/anchapin/ai-freelance-platform-sub002/internal/obs"
)

// ExpirationMonitor periodically sweeps the lock table:
// 1) counts unexpired held locks -> sets gauge
// 2) clears expired leases (hygiene; expiry itself is enforced at read
//    time, a crashed holder needs no sweep to lose the lock)
type ExpirationMonitor struct {
	db       *sql.DB
	logger   *obs.Logger
	metrics  *obs.Metrics
	interval time.Duration
}

func NewExpirationMonitor(db *sql.DB, logger *obs.Logger, metrics *obs.Metrics, interval time.Duration) *ExpirationMonitor {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &ExpirationMonitor{
		db:       db,
		logger:   logger,
		metrics:  metrics,
		interval: interval,
	}
}

func (m *ExpirationMonitor) Run(ctx context.Context) {
	t := time.NewTicker(m.interval)
	defer t.Stop()

	// Run once immediately
	m.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.sweepOnce(ctx)
		}
	}
}

func (m *ExpirationMonitor) sweepOnce(ctx context.Context) {
	start := time.Now()
	nowNs := time.Now().UnixNano()

	var heldCount int64
	err := m.db.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM locks
WHERE holder IS NOT NULL
  AND expiry_ns > ?;
`, nowNs).Scan(&heldCount)

	if err == nil && m.metrics != nil {
		m.metrics.LocksHeld.Set(float64(heldCount))
	}

	res, err2 := m.db.ExecContext(ctx, `
UPDATE locks
SET holder = NULL,
    expiry_ns = 0,
    version = version + 1,
    updated_at_ns = ?
WHERE holder IS NOT NULL
  AND expiry_ns > 0
  AND expiry_ns <= ?;
`, nowNs, nowNs)

	var cleared int64
	if err2 == nil && res != nil {
		cleared, _ = res.RowsAffected()
		if cleared > 0 && m.metrics != nil {
			m.metrics.ExpiredTotal.Add(float64(cleared))
		}
	}

	if m.logger != nil {
		fields := map[string]interface{}{
			"op":         "expire_sweep",
			"held":       heldCount,
			"cleared":    cleared,
			"latency_ms": time.Since(start).Milliseconds(),
		}
		if err != nil {
			fields["count_err"] = err.Error()
		}
		if err2 != nil {
			fields["clear_err"] = err2.Error()
		}
		// Quiet unless something happened
		if cleared > 0 || err != nil || err2 != nil {
			m.logger.Info(fields)
		}
	}
}
