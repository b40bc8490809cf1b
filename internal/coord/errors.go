package coord

import (
	"errors"
	"fmt"
	"time"
)

// ErrLeaseLost is reported by KeepAlive when the lease expired or was
// reassigned to another holder.
var ErrLeaseLost = errors.New("lease lost")

// NotAcquiredError means the key stayed held by another process for the
// whole acquire window. It is a contention signal, not a failure.
type NotAcquiredError struct {
	Key     string
	Timeout time.Duration
}

func (e *NotAcquiredError) Error() string {
	return fmt.Sprintf("lock not acquired: key=%s timeout=%s", e.Key, e.Timeout)
}
