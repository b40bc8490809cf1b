// Package bid holds the bid lifecycle: the deduplication gate that
// decides whether a worker may act on a posting, the persistence layer
// whose partial unique index is the final dedup arbiter, and the
// withdrawal flow.
package bid

import (
	"fmt"
	"time"

	"github.com/anchapin/ai-freelance-platform-sub002/internal/coord"
)

type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusWithdrawn Status = "WITHDRAWN"
	StatusDuplicate Status = "DUPLICATE"
	StatusRejected  Status = "REJECTED"
)

// Bid is one worker's committed action on a posting. Rows are never
// deleted; terminal statuses keep the history queryable.
type Bid struct {
	ID              string
	MarketplaceID   string
	PostingID       string
	Status          Status
	WithdrawnReason string
	WithdrawalAt    time.Time // zero unless withdrawn
	PostingCachedAt time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// LockKey is the coordination key for one (marketplace, posting) pair.
func LockKey(marketplaceID, postingID string) string {
	return fmt.Sprintf("bid:lock:%s:%s", marketplaceID, postingID)
}

type DecisionKind string

const (
	Proceed       DecisionKind = "proceed"
	SkipDuplicate DecisionKind = "skip_duplicate"
	SkipStale     DecisionKind = "skip_stale"
)

// Decision is the gate's verdict. On Proceed the lease is held and the
// caller owns releasing it once the external action and the bid insert
// both complete.
type Decision struct {
	Kind  DecisionKind
	Lease coord.Lease
}
