// Package coord provides the distributed lock used to serialize bid
// placement across worker processes. The lock runs on a shared store that
// offers two atomic primitives: set-if-absent-with-expiry and
// delete-if-value. Correctness depends only on the store enforcing those
// atomically, not on worker clocks agreeing.
package coord

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mattn/go-sqlite3"
)

// ErrStoreBusy signals transient store contention; callers treat it as a
// retryable conflict, not a failure.
var ErrStoreBusy = errors.New("coordination store busy")

// Entry is the live value under a key.
type Entry struct {
	Value  string
	Expiry time.Time
}

// Store is the shared coordination primitive the lock manager runs on.
// Every method must be atomic: two callers racing on the same key observe
// either the full effect of the other's call or none of it. An expired
// value is indistinguishable from an absent one.
type Store interface {
	// SetIfAbsent writes value under key with the given ttl only when no
	// live value exists. Reports whether the write won.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// DeleteIfValue clears key only while it still holds value.
	DeleteIfValue(ctx context.Context, key, value string) (bool, error)

	// ExtendIfValue pushes key's expiry to now+ttl only while it still
	// holds value and has not expired.
	ExtendIfValue(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Get reports the live entry under key, if any.
	Get(ctx context.Context, key string) (Entry, bool, error)
}

// SQLiteStore implements Store on the shared SQLite database. Serializable
// transactions give the conditional writes their atomicity.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy ||
			se.Code == sqlite3.ErrLocked
	}
	return false
}

func (s *SQLiteStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	now := s.now()
	nowNs := now.UnixNano()
	expiryNs := now.Add(ttl).UnixNano()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		if isSQLiteBusy(err) {
			return false, ErrStoreBusy
		}
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		curHolder sql.NullString
		curExpNs  int64
	)
	err = tx.QueryRowContext(ctx, `
SELECT holder, expiry_ns FROM locks WHERE lock_key = ?;
`, key).Scan(&curHolder, &curExpNs)

	notFound := errors.Is(err, sql.ErrNoRows)
	if err != nil && !notFound {
		if isSQLiteBusy(err) {
			return false, ErrStoreBusy
		}
		return false, err
	}

	// A live holder blocks the write. An expired or released row does not.
	if !notFound && curHolder.Valid && curHolder.String != "" && curExpNs > nowNs {
		return false, tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO locks(lock_key, holder, expiry_ns, version, created_at_ns, updated_at_ns)
VALUES(?, ?, ?, 1, ?, ?)
ON CONFLICT(lock_key) DO UPDATE SET
  holder = excluded.holder,
  expiry_ns = excluded.expiry_ns,
  version = locks.version + 1,
  updated_at_ns = excluded.updated_at_ns;
`, key, value, expiryNs, nowNs, nowNs)
	if err != nil {
		if isSQLiteBusy(err) {
			return false, ErrStoreBusy
		}
		return false, err
	}

	if err := tx.Commit(); err != nil {
		if isSQLiteBusy(err) {
			return false, ErrStoreBusy
		}
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) DeleteIfValue(ctx context.Context, key, value string) (bool, error) {
	nowNs := s.now().UnixNano()

	res, err := s.db.ExecContext(ctx, `
UPDATE locks
SET holder = NULL,
    expiry_ns = 0,
    version = version + 1,
    updated_at_ns = ?
WHERE lock_key = ?
  AND holder = ?;
`, nowNs, key, value)
	if err != nil {
		if isSQLiteBusy(err) {
			return false, ErrStoreBusy
		}
		return false, err
	}
	aff, _ := res.RowsAffected()
	return aff == 1, nil
}

func (s *SQLiteStore) ExtendIfValue(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	now := s.now()
	nowNs := now.UnixNano()
	newExpNs := now.Add(ttl).UnixNano()

	// Extend only while still live and still ours; never shorten.
	res, err := s.db.ExecContext(ctx, `
UPDATE locks
SET expiry_ns = MAX(expiry_ns, ?),
    version = version + 1,
    updated_at_ns = ?
WHERE lock_key = ?
  AND holder = ?
  AND expiry_ns > ?;
`, newExpNs, nowNs, key, value, nowNs)
	if err != nil {
		if isSQLiteBusy(err) {
			return false, ErrStoreBusy
		}
		return false, err
	}
	aff, _ := res.RowsAffected()
	return aff == 1, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	nowNs := s.now().UnixNano()

	var (
		holder sql.NullString
		expNs  int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT holder, expiry_ns FROM locks WHERE lock_key = ?;
`, key).Scan(&holder, &expNs)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}

	if !holder.Valid || holder.String == "" || expNs <= nowNs {
		return Entry{}, false, nil
	}
	return Entry{Value: holder.String, Expiry: time.Unix(0, expNs)}, true, nil
}
