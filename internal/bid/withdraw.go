package bid

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/anchapin/ai-freelance-platform-sub002/internal/obs"
	"github.com/anchapin/ai-freelance-platform-sub002/internal/retry"
)

// Withdrawer performs the external withdrawal call for one marketplace.
// One implementation per target; the service dispatches on the bid's
// marketplace id.
type Withdrawer interface {
	Withdraw(ctx context.Context, b *Bid, reason string) error
}

// WithdrawalFailedError means the external call exhausted its retries.
// The bid stays ACTIVE: the system never marks something withdrawn that
// it could not confirm.
type WithdrawalFailedError struct {
	BidID    string
	Attempts int
	Err      error
}

func (e *WithdrawalFailedError) Error() string {
	return fmt.Sprintf("withdrawal failed: bid=%s attempts=%d: %v", e.BidID, e.Attempts, e.Err)
}

func (e *WithdrawalFailedError) Unwrap() error { return e.Err }

// WithdrawalService drives the ACTIVE -> WITHDRAWN transition: external
// confirmation first, then the guarded status update.
type WithdrawalService struct {
	bids    *Store
	retrier retry.Retrier
	logger  *obs.Logger
	metrics *obs.Metrics

	mu          sync.RWMutex
	withdrawers map[string]Withdrawer
}

func NewWithdrawalService(bids *Store, retrier retry.Retrier, logger *obs.Logger, metrics *obs.Metrics) *WithdrawalService {
	return &WithdrawalService{
		bids:        bids,
		retrier:     retrier,
		logger:      logger,
		metrics:     metrics,
		withdrawers: make(map[string]Withdrawer),
	}
}

// Register installs the withdrawer for a marketplace.
func (s *WithdrawalService) Register(marketplaceID string, w Withdrawer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.withdrawers[marketplaceID] = w
}

// Withdraw confirms the withdrawal externally (with bounded retries) and
// then transitions the bid. On retry exhaustion the bid remains ACTIVE
// and the failure is logged at error level for manual review.
func (s *WithdrawalService) Withdraw(ctx context.Context, bidID, reason string) error {
	if reason == "" {
		return fmt.Errorf("withdrawn_reason required")
	}

	b, err := s.bids.Get(ctx, bidID)
	if err != nil {
		return err
	}
	if !CanTransition(b.Status, StatusWithdrawn) {
		return &InvalidTransitionError{BidID: b.ID, From: b.Status, To: StatusWithdrawn}
	}

	s.mu.RLock()
	w, ok := s.withdrawers[b.MarketplaceID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no withdrawer registered for marketplace %q", b.MarketplaceID)
	}

	start := time.Now()
	err = s.retrier.Do(ctx, "withdraw", func(ctx context.Context) error {
		return w.Withdraw(ctx, b, reason)
	})
	if err != nil {
		if s.metrics != nil {
			s.metrics.Withdrawals.WithLabelValues("failed").Inc()
		}
		if s.logger != nil {
			s.logger.Error(map[string]interface{}{
				"op":          "withdraw",
				"bid_id":      b.ID,
				"marketplace": b.MarketplaceID,
				"posting":     b.PostingID,
				"error":       err.Error(),
				"latency_ms":  time.Since(start).Milliseconds(),
			})
		}
		var ex *retry.ExhaustedError
		if errors.As(err, &ex) {
			return &WithdrawalFailedError{BidID: b.ID, Attempts: ex.Attempts, Err: ex.Err}
		}
		return err
	}

	if err := s.bids.Transition(ctx, b.ID, StatusActive, StatusWithdrawn, reason); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.Withdrawals.WithLabelValues("success").Inc()
		s.metrics.OpLatencyMS.WithLabelValues("withdraw").Observe(float64(time.Since(start).Milliseconds()))
	}
	if s.logger != nil {
		s.logger.Info(map[string]interface{}{
			"op":          "withdraw",
			"bid_id":      b.ID,
			"marketplace": b.MarketplaceID,
			"posting":     b.PostingID,
			"reason":      reason,
			"latency_ms":  time.Since(start).Milliseconds(),
		})
	}
	return nil
}
