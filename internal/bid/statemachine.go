package bid

import (
	"fmt"
	"time"
)

// transitions is the complete lifecycle table. WITHDRAWN, DUPLICATE and
// REJECTED are terminal; nothing leaves them.
var transitions = map[Status]map[Status]bool{
	StatusActive: {
		StatusWithdrawn: true,
		StatusDuplicate: true, // only at creation, via constraint violation
		StatusRejected:  true,
	},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// InvalidTransitionError indicates a logic error upstream; it is always
// surfaced, never swallowed.
type InvalidTransitionError struct {
	BidID string
	From  Status
	To    Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid bid transition: id=%s %s -> %s", e.BidID, e.From, e.To)
}

// ApplyWithdrawal mutates b into WITHDRAWN, recording the reason and
// timestamp. The reason is mandatory.
func ApplyWithdrawal(b *Bid, reason string, at time.Time) error {
	if reason == "" {
		return fmt.Errorf("withdrawn_reason required")
	}
	if !CanTransition(b.Status, StatusWithdrawn) {
		return &InvalidTransitionError{BidID: b.ID, From: b.Status, To: StatusWithdrawn}
	}
	b.Status = StatusWithdrawn
	b.WithdrawnReason = reason
	b.WithdrawalAt = at
	return nil
}
