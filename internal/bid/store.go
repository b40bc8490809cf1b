package bid

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/anchapin/ai-freelance-platform-sub002/internal/obs"
)

// ErrDuplicateActive is returned by InsertActive when the partial unique
// index already holds an ACTIVE row for the pair. This is the
// authoritative race outcome, not a failure of the lock.
var ErrDuplicateActive = errors.New("active bid already exists")

// ErrNotFound is returned for lookups of unknown bid ids.
var ErrNotFound = errors.New("bid not found")

type Store struct {
	db      *sql.DB
	logger  *obs.Logger
	metrics *obs.Metrics
	now     func() time.Time
}

func NewStore(db *sql.DB, logger *obs.Logger, metrics *obs.Metrics) *Store {
	return &Store{db: db, logger: logger, metrics: metrics, now: time.Now}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// InsertActive writes a new ACTIVE bid. A unique-index violation means
// another worker's insert won the race (possibly after our lock lease
// expired mid-action) and maps to ErrDuplicateActive.
func (s *Store) InsertActive(ctx context.Context, b *Bid) error {
	if b.MarketplaceID == "" || b.PostingID == "" {
		return fmt.Errorf("marketplace_id and posting_id required")
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	now := s.now()
	b.Status = StatusActive
	b.CreatedAt = now
	b.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
INSERT INTO bids(id, marketplace_id, posting_id, status, posting_cached_at_ns, created_at_ns, updated_at_ns)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, b.ID, b.MarketplaceID, b.PostingID, string(StatusActive), b.PostingCachedAt.UnixNano(), now.UnixNano(), now.UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateActive
		}
		return err
	}
	return nil
}

// RecordDuplicate writes an audit row for a constraint-caught race. It
// records that this worker attempted the posting and lost to an existing
// ACTIVE bid.
func (s *Store) RecordDuplicate(ctx context.Context, marketplaceID, postingID string, cachedAt time.Time) (*Bid, error) {
	now := s.now()
	b := &Bid{
		ID:              uuid.NewString(),
		MarketplaceID:   marketplaceID,
		PostingID:       postingID,
		Status:          StatusDuplicate,
		PostingCachedAt: cachedAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO bids(id, marketplace_id, posting_id, status, posting_cached_at_ns, created_at_ns, updated_at_ns)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, b.ID, b.MarketplaceID, b.PostingID, string(StatusDuplicate), cachedAt.UnixNano(), now.UnixNano(), now.UnixNano())
	if err != nil {
		return nil, err
	}
	return b, nil
}

// FindActive looks up the ACTIVE bid for a pair, if one exists.
func (s *Store) FindActive(ctx context.Context, marketplaceID, postingID string) (*Bid, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, marketplace_id, posting_id, status, withdrawn_reason, withdrawal_ts_ns, posting_cached_at_ns, created_at_ns, updated_at_ns
FROM bids
WHERE marketplace_id = ? AND posting_id = ? AND status = ?;
`, marketplaceID, postingID, string(StatusActive))

	b, err := scanBid(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// Get fetches one bid by id.
func (s *Store) Get(ctx context.Context, id string) (*Bid, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, marketplace_id, posting_id, status, withdrawn_reason, withdrawal_ts_ns, posting_cached_at_ns, created_at_ns, updated_at_ns
FROM bids WHERE id = ?;
`, id)

	b, err := scanBid(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// List returns bids, newest first, optionally filtered by status.
func (s *Store) List(ctx context.Context, status Status, limit int) ([]Bid, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
SELECT id, marketplace_id, posting_id, status, withdrawn_reason, withdrawal_ts_ns, posting_cached_at_ns, created_at_ns, updated_at_ns
FROM bids`
	args := []interface{}{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at_ns DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// Transition moves a bid from one status to another with the state
// machine enforced both in memory and by the guarded UPDATE. Zero rows
// affected means the bid was not in the expected status anymore.
func (s *Store) Transition(ctx context.Context, id string, from, to Status, reason string) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{BidID: id, From: from, To: to}
	}
	if to == StatusWithdrawn && reason == "" {
		return fmt.Errorf("withdrawn_reason required")
	}

	now := s.now()
	var (
		res sql.Result
		err error
	)
	if to == StatusWithdrawn {
		res, err = s.db.ExecContext(ctx, `
UPDATE bids
SET status = ?, withdrawn_reason = ?, withdrawal_ts_ns = ?, updated_at_ns = ?
WHERE id = ? AND status = ?;
`, string(to), reason, now.UnixNano(), now.UnixNano(), id, string(from))
	} else {
		res, err = s.db.ExecContext(ctx, `
UPDATE bids
SET status = ?, updated_at_ns = ?
WHERE id = ? AND status = ?;
`, string(to), now.UnixNano(), id, string(from))
	}
	if err != nil {
		return err
	}

	aff, _ := res.RowsAffected()
	if aff != 1 {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		return &InvalidTransitionError{BidID: id, From: cur.Status, To: to}
	}

	if s.logger != nil {
		s.logger.Info(map[string]interface{}{
			"op":     "bid_transition",
			"bid_id": id,
			"from":   string(from),
			"to":     string(to),
		})
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBid(r rowScanner) (*Bid, error) {
	var (
		b         Bid
		status    string
		reason    sql.NullString
		wdNs      sql.NullInt64
		cachedNs  int64
		createdNs int64
		updatedNs int64
	)
	if err := r.Scan(&b.ID, &b.MarketplaceID, &b.PostingID, &status, &reason, &wdNs, &cachedNs, &createdNs, &updatedNs); err != nil {
		return nil, err
	}
	b.Status = Status(status)
	if reason.Valid {
		b.WithdrawnReason = reason.String
	}
	if wdNs.Valid && wdNs.Int64 > 0 {
		b.WithdrawalAt = time.Unix(0, wdNs.Int64)
	}
	b.PostingCachedAt = time.Unix(0, cachedNs)
	b.CreatedAt = time.Unix(0, createdNs)
	b.UpdatedAt = time.Unix(0, updatedNs)
	return &b, nil
}
